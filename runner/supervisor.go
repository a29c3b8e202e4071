package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-harness/logging"
	"github.com/ethereum-optimism/op-harness/types"
)

// LaunchSpec describes one AUT invocation.
type LaunchSpec struct {
	Binary      string
	Args        []string
	Env         []string
	Dir         string
	TestURL     string
	ProfileDir  string
	LeakLogPath string
	Manifest    string
	// Interactive disables the idle watchdog, e.g. when a debugger is attached.
	Interactive bool
}

// LaunchError reports that the AUT could not be started. It is an
// infrastructure failure and the whole run may be retried.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsLaunchError checks if the error is or wraps a LaunchError
func IsLaunchError(err error) bool {
	var launchErr *LaunchError
	return err != nil && errors.As(err, &launchErr)
}

// SupervisorConfig holds everything that stays the same across invocations.
type SupervisorConfig struct {
	Logger log.Logger
	Sink   logging.EventSink
	Tree   ProcessTree

	Structured         bool
	Buffering          bool
	BufferingThreshold int

	StackFixer          StackFixer
	Screenshotter       Screenshotter
	ScreenshotOnFail    bool
	ScreenshotOnTimeout bool

	ShutdownLeaks  bool
	LSANLeaks      bool
	LSANAllowed    []string
	LeakThresholds types.LeakThresholds

	CrashAsPass  bool
	AllowZombies bool

	DiagnosticCapture time.Duration
	KillGrace         time.Duration
	DrainTimeout      time.Duration
}

// Supervisor owns the AUT process for the duration of one invocation.
type Supervisor struct {
	cfg  SupervisorConfig
	log  log.Logger
	tree ProcessTree
}

// NewSupervisor creates a supervisor. A nil Tree uses the platform process
// tree.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	if cfg.Tree == nil {
		cfg.Tree = NewProcessTree()
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Supervisor{cfg: cfg, log: cfg.Logger, tree: cfg.Tree}, nil
}

// RunOptions are the per-invocation inputs of RunApp.
type RunOptions struct {
	Timeout          time.Duration
	State            *types.RunState
	ExpectedFailures map[string][]*regexp.Regexp
	TrackResults     bool
}

// appRun is the state of one RunApp call. It is only touched by the
// supervising goroutine.
type appRun struct {
	sup     *Supervisor
	log     log.Logger
	spec    *LaunchSpec
	timeout time.Duration

	state    *types.RunState
	handler  *OutputHandler
	messages *logging.MessageLogger
	screen   Screenshotter
	tail     *tailBuffer

	cmd        *exec.Cmd
	pid        int
	processLog string
	lines      <-chan []byte

	timedOut    bool
	interrupted bool
	killed      bool
}

// RunApp launches the AUT, supervises it until it exits and classifies the
// outcome. Only a failure to start the AUT is returned as an error.
func (s *Supervisor) RunApp(ctx context.Context, spec *LaunchSpec, opts RunOptions) (*types.RunResult, error) {
	if spec == nil {
		return nil, fmt.Errorf("launch spec cannot be nil")
	}
	if spec.Binary == "" {
		return nil, &LaunchError{Binary: spec.Binary, Err: fmt.Errorf("binary cannot be empty")}
	}
	started := time.Now()

	state := opts.State
	if state == nil {
		state = types.NewRunState(spec.Manifest)
	}
	r := &appRun{
		sup:     s,
		log:     s.log.New("binary", spec.Binary),
		spec:    spec,
		timeout: opts.Timeout,
		state:   state,
		screen:  NewOnceScreenshotter(s.cfg.Screenshotter),
		tail:    newTailBuffer(0),
	}
	if err := r.setup(opts); err != nil {
		return nil, err
	}

	processLog, err := reserveTempPath("harness-process-*.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create process log: %w", err)
	}
	r.processLog = processLog
	defer func() { _ = os.Remove(processLog) }()

	env := append(append([]string{}, spec.Env...), fmt.Sprintf("%s=%s", ProcessLogEnv, processLog))
	if spec.LeakLogPath != "" {
		env = append(env, fmt.Sprintf("%s=%s", LeakLogEnv, spec.LeakLogPath))
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = telemetry.InstrumentEnvironment(ctx, env)
	configureProcessGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	r.log.Info("Launching application", "args", strings.Join(spec.Args, " "), "timeout", opts.Timeout)
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return nil, &LaunchError{Binary: spec.Binary, Err: err}
	}
	_ = pw.Close()
	defer func() { _ = pr.Close() }()

	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.handler.parser.SetProcessID(r.pid)
	r.log.Info("Application started", "pid", r.pid)

	stop := make(chan struct{})
	defer close(stop)
	r.lines = readLines(pr, stop, maxLineBytes)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	r.loop(ctx, pr, exited)

	res := r.finish(ctx)
	res.Duration = time.Since(started)
	r.log.Info("Application finished", "result", res.String(), "duration", res.Duration)
	return res, nil
}

func (r *appRun) setup(opts RunOptions) error {
	cfg := r.sup.cfg
	parser := NewParser(cfg.Structured)
	parser.SetManifest(r.spec.Manifest)

	r.messages = logging.NewMessageLogger(cfg.Sink, cfg.Buffering)
	r.messages.SetThreshold(cfg.BufferingThreshold)

	var shutdown *ShutdownLeaks
	if cfg.ShutdownLeaks {
		shutdown = NewShutdownLeaks(r.log)
	}
	var lsan *LSANLeaks
	if cfg.LSANLeaks {
		lsan = NewLSANLeaks(r.log, cfg.LSANAllowed)
		lsan.SetScope(r.spec.Manifest)
	}

	handler, err := NewOutputHandler(OutputHandlerOptions{
		Logger:              r.log,
		State:               r.state,
		Parser:              parser,
		MessageLogger:       r.messages,
		StackFixer:          cfg.StackFixer,
		ExpectedFailures:    opts.ExpectedFailures,
		Screenshotter:       r.screen,
		ScreenshotOnFail:    cfg.ScreenshotOnFail,
		ScreenshotOnTimeout: cfg.ScreenshotOnTimeout,
		ShutdownLeaks:       shutdown,
		LSANLeaks:           lsan,
		TrackResults:        opts.TrackResults,
	})
	if err != nil {
		return fmt.Errorf("failed to create output handler: %w", err)
	}
	r.handler = handler
	return nil
}

// readLines forwards every line read from rd until EOF, a read error or stop.
// Lines longer than maxLen are forwarded as consecutive chunks.
func readLines(rd io.Reader, stop <-chan struct{}, maxLen int) <-chan []byte {
	lines := make(chan []byte, 256)
	go func() {
		defer close(lines)
		reader := bufio.NewReaderSize(rd, 64*1024)
		var pending []byte
		for {
			frag, err := reader.ReadSlice('\n')
			pending = append(pending, frag...)
			if errors.Is(err, bufio.ErrBufferFull) && len(pending) < maxLen {
				continue
			}
			for len(pending) > 0 {
				n := min(len(pending), maxLen)
				select {
				case lines <- pending[:n:n]:
				case <-stop:
					return
				}
				pending = pending[n:]
			}
			pending = nil
			if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
				return
			}
		}
	}()
	return lines
}

func (r *appRun) loop(ctx context.Context, pipe *os.File, exited <-chan error) {
	timeout := r.timeout
	if r.spec.Interactive {
		timeout = 0
	}
	wd := newWatchdog(timeout)
	defer wd.Stop()

	var drain <-chan time.Time
	ctxDone := ctx.Done()
	for r.lines != nil || exited != nil {
		select {
		case line, ok := <-r.lines:
			if !ok {
				r.lines = nil
				continue
			}
			wd.Reset()
			_, _ = r.tail.Write(line)
			r.handler.ProcessLine(line)
		case <-exited:
			exited = nil
			wd.Stop()
			drainTimer := time.NewTimer(r.sup.cfg.DrainTimeout)
			defer drainTimer.Stop()
			drain = drainTimer.C
		case <-wd.C():
			wd.Stop()
			r.handleTimeout(ctx)
		case <-ctxDone:
			ctxDone = nil
			wd.Stop()
			r.handleInterrupt(ctx)
		case <-drain:
			drain = nil
			r.log.Warn("Output still open after exit, giving up on draining", "timeout", r.sup.cfg.DrainTimeout)
			_ = pipe.SetReadDeadline(time.Now())
			r.lines = nil
		}
	}
}

func (r *appRun) finish(ctx context.Context) *types.RunResult {
	cfg := r.sup.cfg
	state := r.state
	res := &types.RunResult{
		Verdict:  types.VerdictPass,
		Expected: types.VerdictPass,
		Kind:     types.FailureNone,
	}
	if cfg.CrashAsPass {
		res.Expected = types.VerdictCrash
	}

	ps := r.cmd.ProcessState
	status := ps.ExitCode()
	signal, signaled := signaledBy(ps)
	clean := ps.Success()

	if clean && state.IsTestRunning && !r.timedOut && !r.interrupted {
		r.handler.Inject(r.synthesizedEnd(types.StatusFail, types.StatusPass, ShutdownMidTestMessage))
	}

	r.handler.Finish()

	unexpectedSignal := signaled && !r.killed
	if !clean {
		if signaled {
			r.log.Warn("Application terminated by signal", "signal", signal, "sent_by_harness", r.killed)
		} else {
			r.log.Info("Application exited with error", "status", status)
		}
		status = 1
		r.messages.DumpBuffered()
		if cfg.CrashAsPass && state.IsTestRunning {
			r.handler.Inject(r.synthesizedEnd(types.StatusCrash, types.StatusCrash, "application crashed"))
		}
	}
	res.ExitStatus = status

	res.Zombies = r.checkZombies(ctx)

	dumps, err := FindMinidumps(r.spec.ProfileDir)
	if err != nil {
		r.log.Error("Failed to scan minidumps", "err", err)
	}
	res.Minidumps = dumps
	res.CrashCount = len(dumps)
	if res.CrashCount == 0 && unexpectedSignal {
		res.CrashCount = 1
	}
	crashed := res.CrashCount > 0
	if crashed {
		r.log.Warn("Application crashed", "minidumps", len(dumps), "signal", signal)
		if !cfg.CrashAsPass && state.IsTestRunning {
			r.handler.Inject(r.synthesizedEnd(types.StatusCrash, types.StatusPass,
				fmt.Sprintf("application crashed (%d minidump(s))", len(dumps))))
		}
	}

	if !crashed && !r.timedOut && !r.interrupted {
		res.LeakViolations = r.checkLeaks()
	}

	r.messages.Finish()

	res.LastTestSeen = strings.TrimSuffix(state.LastTestSeen, " (finished)")
	res.Passed = state.Passed
	res.Failed = state.Failed
	res.Todo = state.Todo
	res.Unexpected = state.Unexpected
	res.OutputTail = r.tail.Snapshot()

	switch {
	case r.timedOut:
		res.Verdict, res.Kind = types.VerdictTimeout, types.FailureTimeout
	case crashed && !cfg.CrashAsPass:
		res.Verdict, res.Kind = types.VerdictCrash, types.FailureCrash
	case len(res.Zombies) > 0 && !cfg.AllowZombies:
		res.Verdict, res.Kind = types.VerdictFail, types.FailureZombie
	case len(res.LeakViolations) > 0:
		res.Verdict, res.Kind = types.VerdictFail, types.FailureLeak
	case crashed && cfg.CrashAsPass:
		res.Verdict, res.Kind = types.VerdictCrash, types.FailureCrash
	case cfg.CrashAsPass:
		r.log.Error("Expected a crash but the application did not crash")
		res.Verdict, res.Kind = types.VerdictFail, types.FailureCrash
	case state.Failed > 0 || state.Unexpected > 0:
		res.Verdict, res.Kind = types.VerdictFail, types.FailureTest
	case status != 0 || r.interrupted:
		res.Verdict, res.Kind = types.VerdictFail, types.FailureExit
	}
	return res
}

func (r *appRun) synthesizedEnd(status, expected, message string) *types.Event {
	test := strings.TrimSuffix(r.state.LastTestSeen, " (finished)")
	if test == "" {
		test = "harness"
	}
	return &types.Event{
		Action:   types.ActionTestEnd,
		Test:     test,
		Status:   status,
		Expected: expected,
		Message:  message,
		Group:    r.spec.Manifest,
		Time:     time.Now().UnixMilli(),
	}
}

// diagnostic emits a harness check result straight to the buffering policy so
// it does not disturb the last-test bookkeeping.
func (r *appRun) diagnostic(test, message string) {
	r.handler.emit(&types.Event{
		Action:   types.ActionTestEnd,
		Test:     test,
		Status:   types.StatusFail,
		Expected: types.StatusPass,
		Message:  message,
		Time:     time.Now().UnixMilli(),
	})
}

var launchedChildPattern = regexp.MustCompile(`==> process \d+ launched child process (\d+)`)

// launchedChildren reads the pids the AUT recorded in its process log. ok is
// false when the log does not exist.
func (r *appRun) launchedChildren() ([]int, bool) {
	f, err := os.Open(r.processLog)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var pids []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := launchedChildPattern.FindStringSubmatch(scanner.Text()); m != nil {
			if pid, err := strconv.Atoi(m[1]); err == nil {
				pids = append(pids, pid)
			}
		}
	}
	return pids, true
}

// checkZombies kills every process the AUT left behind and returns their pids.
// A missing process log is reported as pid -1.
func (r *appRun) checkZombies(ctx context.Context) []int {
	ctx = context.WithoutCancel(ctx)
	allow := r.sup.cfg.AllowZombies

	logged, ok := r.launchedChildren()
	var zombies []int
	if !ok {
		if allow {
			r.log.Warn("Process log missing", "path", r.processLog)
		} else {
			r.diagnostic(ZombieCheckTest, fmt.Sprintf("process log %s not found", r.processLog))
			zombies = append(zombies, -1)
		}
	}

	var group []int
	if lister, ok := r.sup.tree.(GroupLister); ok {
		members, err := lister.GroupMembers(ctx, r.pid)
		if err != nil {
			r.log.Warn("Failed to list process group", "pgid", r.pid, "err", err)
		}
		group = members
	}

	for _, pid := range mergePids(r.pid, logged, group) {
		if !r.sup.tree.IsAlive(ctx, pid) {
			continue
		}
		msg := fmt.Sprintf("child process %d still alive after shutdown", pid)
		if allow {
			r.log.Warn("Killing leftover child process", "pid", pid)
		} else {
			r.diagnostic(ZombieCheckTest, msg)
			zombies = append(zombies, pid)
		}
		if err := r.sup.tree.Terminate(ctx, pid); err != nil {
			r.log.Warn("Failed to kill leftover child", "pid", pid, "err", err)
		}
	}
	return zombies
}

func (r *appRun) checkLeaks() []types.LeakViolation {
	if r.spec.LeakLogPath == "" {
		return nil
	}
	thresholds := r.sup.cfg.LeakThresholds.Clone()
	if r.sup.cfg.CrashAsPass {
		thresholds.IgnoreMissing["tab"] = true
		thresholds.IgnoreMissing["socket"] = true
	}

	reports, err := ParseLeakLogs(r.spec.LeakLogPath)
	if err != nil {
		r.log.Error("Failed to parse leak logs", "path", r.spec.LeakLogPath, "err", err)
		return nil
	}
	violations := CheckLeaks(reports, thresholds)
	for _, v := range violations {
		r.diagnostic(LeakCheckTest, v.String())
	}
	return violations
}

// reserveTempPath returns a unique path that does not exist yet, so the AUT
// is the one creating the file.
func reserveTempPath(pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	path := f.Name()
	if err := errors.Join(f.Close(), os.Remove(path)); err != nil {
		return "", err
	}
	return path, nil
}
