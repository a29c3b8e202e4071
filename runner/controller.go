package runner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/op-harness/metrics"
	"github.com/ethereum-optimism/op-harness/types"
)

// Mode selects the outer loop of the Controller
type Mode string

const (
	ModeDefault Mode = "default"
	ModeBisect  Mode = "bisect"
	ModeRestart Mode = "restart"
	ModeVerify  Mode = "verify"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDefault, nil
	case ModeDefault, ModeBisect, ModeRestart, ModeVerify:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// AppRunner runs a single AUT invocation.
type AppRunner interface {
	RunApp(ctx context.Context, spec *LaunchSpec, opts RunOptions) (*types.RunResult, error)
}

var _ AppRunner = (*Supervisor)(nil)

// ErrStopped is returned when no further invocation may start.
var ErrStopped = errors.New("controller stopped")

// ControllerConfig holds the configuration of a Controller
type ControllerConfig struct {
	Logger   log.Logger
	Runner   AppRunner
	Launcher Launcher
	Tests    []types.TestRecord
	Mode     Mode
	RunID    string

	Timeout         time.Duration
	Repeat          int
	RunUntilFailure bool
	RunByManifest   bool
	ExtraEnv        map[string]string

	// VerifyMaxTime bounds verification. Zero means no limit.
	VerifyMaxTime time.Duration
}

// Invocation is one AUT execution performed by the Controller.
type Invocation struct {
	Index    int
	Step     string
	Manifest string
	Tests    []string
	Result   *types.RunResult
	// Errors holds the first unexpected failure message per test key.
	Errors map[string]string
	// Results holds PASS, FAIL or TODO per test key when results are tracked.
	Results map[string]string
}

// Failed reports whether the invocation did not succeed.
func (i *Invocation) Failed() bool {
	return !i.Result.OK()
}

// TestFailed reports whether the given test failed in this invocation.
func (i *Invocation) TestFailed(rec types.TestRecord) bool {
	return i.Results[rec.Key()] == types.ResultFail
}

// Summary is the outcome of Controller.Run
type Summary struct {
	RunID        string
	Mode         Mode
	Invocations  []*Invocation
	Bisection    *BisectionResult
	Verification *VerificationReport
	Stopped      bool
	Duration     time.Duration
}

// OK reports whether the run as a whole succeeded.
func (s *Summary) OK() bool {
	if s == nil || s.Stopped {
		return false
	}
	switch {
	case s.Bisection != nil:
		if s.Bisection.Outcome != BisectNoRepro {
			return false
		}
	case s.Verification != nil:
		return s.Verification.OK()
	}
	for _, inv := range s.Invocations {
		if inv.Failed() {
			return false
		}
	}
	return true
}

// Totals sums the counters of every invocation.
func (s *Summary) Totals() (passed, failed, todo int) {
	for _, inv := range s.Invocations {
		if inv.Result == nil {
			continue
		}
		passed += inv.Result.Passed
		failed += inv.Result.Failed
		todo += inv.Result.Todo
	}
	return passed, failed, todo
}

// Controller maintains the worklist and decides whether to invoke the AUT
// again.
type Controller struct {
	cfg      ControllerConfig
	log      log.Logger
	tracer   trace.Tracer
	expected map[string][]*regexp.Regexp

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc

	invocations []*Invocation
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDefault
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	expected, err := types.CompileExpectedFailures(cfg.Tests)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		log:      cfg.Logger,
		tracer:   otel.Tracer("controller"),
		expected: expected,
	}, nil
}

// Stop ends the run: the current invocation is interrupted and no further
// invocation starts.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) isStopped(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped || ctx.Err() != nil
}

// Run executes the configured mode. A LaunchError from any invocation aborts
// the run and is returned wrapped.
func (c *Controller) Run(ctx context.Context) (*Summary, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("run %s", c.cfg.Mode))
	defer span.End()

	start := time.Now()
	summary := &Summary{RunID: c.cfg.RunID, Mode: c.cfg.Mode}
	c.log.Info("Starting run", "mode", c.cfg.Mode, "tests", len(c.cfg.Tests), "runID", c.cfg.RunID)

	var err error
	switch c.cfg.Mode {
	case ModeBisect:
		summary.Bisection, err = c.bisect(ctx)
	case ModeRestart:
		err = c.runRestart(ctx)
	case ModeVerify:
		summary.Verification, err = c.verify(ctx)
	default:
		err = c.runDefault(ctx)
	}

	summary.Invocations = c.invocations
	summary.Duration = time.Since(start)
	summary.Stopped = errors.Is(err, ErrStopped) || c.isStopped(ctx)
	if errors.Is(err, ErrStopped) {
		err = nil
	}
	if err != nil {
		span.RecordError(err)
		metrics.RecordErrorDetails("controller", err)
		return summary, err
	}
	c.log.Info("Run finished", "mode", c.cfg.Mode, "invocations", len(summary.Invocations),
		"ok", summary.OK(), "stopped", summary.Stopped, "duration", summary.Duration)
	return summary, nil
}

// runDefault runs the worklist once, or once per manifest.
func (c *Controller) runDefault(ctx context.Context) error {
	if !c.cfg.RunByManifest {
		_, err := c.runOnce(ctx, "default", c.cfg.Tests, c.stepOptions(""), false)
		return err
	}
	for _, group := range groupByManifest(c.cfg.Tests) {
		if _, err := c.runOnce(ctx, "manifest", group.tests, c.stepOptions(group.manifest), false); err != nil {
			return err
		}
	}
	return nil
}

// runRestart reruns the remainder of the worklist after the first failing
// test until a run has no failures.
func (c *Controller) runRestart(ctx context.Context) error {
	worklist := c.cfg.Tests
	for len(worklist) > 0 {
		inv, err := c.runOnce(ctx, "restart", worklist, c.stepOptions(""), true)
		if err != nil {
			return err
		}
		if len(inv.Errors) == 0 {
			return nil
		}
		idx := firstErrorIndex(worklist, inv.Errors)
		if idx < 0 {
			c.log.Warn("Failures do not match any remaining test, not restarting", "errors", len(inv.Errors))
			return nil
		}
		c.log.Info("Restarting after failure", "failed", worklist[idx].Path, "remaining", len(worklist)-idx-1)
		worklist = worklist[idx+1:]
	}
	return nil
}

// firstErrorIndex returns the smallest worklist index whose path contains one
// of the error keys.
func firstErrorIndex(worklist []types.TestRecord, errs map[string]string) int {
	for i, rec := range worklist {
		for key := range errs {
			if key != "" && strings.Contains(rec.Path, key) {
				return i
			}
		}
	}
	return -1
}

func (c *Controller) stepOptions(manifest string) StepOptions {
	return StepOptions{
		Repeat:          c.cfg.Repeat,
		RunUntilFailure: c.cfg.RunUntilFailure,
		ExtraEnv:        c.cfg.ExtraEnv,
		Manifest:        manifest,
	}
}

// runOnce prepares a profile, runs the AUT once and records the invocation.
func (c *Controller) runOnce(ctx context.Context, step string, tests []types.TestRecord, opts StepOptions, track bool) (*Invocation, error) {
	if c.isStopped(ctx) {
		return nil, ErrStopped
	}
	idx := len(c.invocations) + 1
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("invocation %d %s", idx, step))
	defer span.End()

	spec, err := c.cfg.Launcher.Prepare(ctx, tests, opts)
	if err != nil {
		if c.isStopped(ctx) {
			return nil, ErrStopped
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to prepare invocation %d: %w", idx, err)
	}
	defer func() {
		if err := c.cfg.Launcher.Cleanup(spec); err != nil {
			c.log.Warn("Failed to clean up invocation", "invocation", idx, "err", err)
		}
	}()

	state := types.NewRunState(opts.Manifest)
	c.log.Info("Starting invocation", "invocation", idx, "step", step, "tests", len(tests), "manifest", opts.Manifest)
	res, err := c.cfg.Runner.RunApp(ctx, spec, RunOptions{
		Timeout:          c.cfg.Timeout,
		State:            state,
		ExpectedFailures: c.expected,
		TrackResults:     track,
	})
	if err != nil {
		span.RecordError(err)
		if IsLaunchError(err) {
			metrics.RecordErrorDetails("launch", err)
		}
		return nil, fmt.Errorf("invocation %d failed: %w", idx, err)
	}

	inv := &Invocation{
		Index:    idx,
		Step:     step,
		Manifest: opts.Manifest,
		Tests:    testPaths(tests),
		Result:   res,
		Errors:   state.ExpectedErrors,
		Results:  state.Results,
	}
	c.invocations = append(c.invocations, inv)
	metrics.RecordInvocation(c.cfg.RunID, string(c.cfg.Mode), res)
	c.log.Info("Invocation finished", "invocation", idx, "step", step, "verdict", res.Verdict, "kind", res.Kind)

	if c.isStopped(ctx) {
		return inv, ErrStopped
	}
	return inv, nil
}

type manifestGroup struct {
	manifest string
	tests    []types.TestRecord
}

// groupByManifest splits tests by manifest in order of first appearance.
func groupByManifest(tests []types.TestRecord) []manifestGroup {
	var groups []manifestGroup
	index := make(map[string]int)
	for _, rec := range tests {
		i, ok := index[rec.Manifest]
		if !ok {
			i = len(groups)
			index[rec.Manifest] = i
			groups = append(groups, manifestGroup{manifest: rec.Manifest})
		}
		groups[i].tests = append(groups[i].tests, rec)
	}
	return groups
}

func testPaths(tests []types.TestRecord) []string {
	paths := make([]string, 0, len(tests))
	for _, rec := range tests {
		paths = append(paths, rec.Path)
	}
	return paths
}
