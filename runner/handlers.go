package runner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-harness/logging"
	"github.com/ethereum-optimism/op-harness/types"
)

// Handler transforms one event. Handlers always return an event.
type Handler func(ev *types.Event) *types.Event

// StackFixer symbolizes stack traces found in AUT output.
type StackFixer func(text string) string

type namedHandler struct {
	name string
	fn   Handler
}

// OutputHandlerOptions configures the handler chain for one AUT invocation.
type OutputHandlerOptions struct {
	Logger        log.Logger
	State         *types.RunState
	Parser        *Parser
	MessageLogger *logging.MessageLogger

	StackFixer       StackFixer
	ExpectedFailures map[string][]*regexp.Regexp

	Screenshotter       Screenshotter
	ScreenshotOnFail    bool
	ScreenshotOnTimeout bool

	ShutdownLeaks *ShutdownLeaks
	LSANLeaks     *LSANLeaks

	// TrackResults enables per-test result and first-error recording, used
	// by bisection, restart-after-failure and verification attribution.
	TrackResults bool
}

// OutputHandler runs every parsed event through the ordered handler chain and
// hands the result to the buffering policy.
type OutputHandler struct {
	log      log.Logger
	state    *types.RunState
	parser   *Parser
	messages *logging.MessageLogger

	stackFixer       StackFixer
	expectedFailures map[string][]*regexp.Regexp

	screenshotter       Screenshotter
	screenshotOnFail    bool
	screenshotOnTimeout bool

	shutdownLeaks *ShutdownLeaks
	lsanLeaks     *LSANLeaks

	handlers []namedHandler
}

// NewOutputHandler builds the chain. State, Parser and MessageLogger are
// required.
func NewOutputHandler(opts OutputHandlerOptions) (*OutputHandler, error) {
	if opts.State == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}
	if opts.Parser == nil {
		return nil, fmt.Errorf("parser cannot be nil")
	}
	if opts.MessageLogger == nil {
		return nil, fmt.Errorf("message logger cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New()
	}

	h := &OutputHandler{
		log:                 logger,
		state:               opts.State,
		parser:              opts.Parser,
		messages:            opts.MessageLogger,
		stackFixer:          opts.StackFixer,
		expectedFailures:    opts.ExpectedFailures,
		screenshotter:       opts.Screenshotter,
		screenshotOnFail:    opts.ScreenshotOnFail,
		screenshotOnTimeout: opts.ScreenshotOnTimeout,
		shutdownLeaks:       opts.ShutdownLeaks,
		lsanLeaks:           opts.LSANLeaks,
	}

	h.handlers = []namedHandler{
		{"fixStack", h.fixStack},
		{"matchKnownFailures", h.matchKnownFailures},
		{"recordLastTest", h.recordLastTest},
		{"dumpScreenOnTimeout", h.dumpScreenOnTimeout},
		{"dumpScreenOnFail", h.dumpScreenOnFail},
		{"trackShutdownLeaks", h.trackShutdownLeaks},
		{"trackLSANLeaks", h.trackLSANLeaks},
		{"countLine", h.countLine},
	}
	if opts.TrackResults {
		h.handlers = append(h.handlers,
			namedHandler{"recordResult", h.recordResult},
			namedHandler{"firstError", h.firstError},
		)
	}
	return h, nil
}

// State returns the run state the chain mutates.
func (h *OutputHandler) State() *types.RunState {
	return h.state
}

// Messages returns the buffering policy events are handed to.
func (h *OutputHandler) Messages() *logging.MessageLogger {
	return h.messages
}

// ProcessLine parses one raw output line and processes every event in it.
func (h *OutputHandler) ProcessLine(line []byte) {
	for _, ev := range h.parser.Parse(line) {
		h.Inject(ev)
	}
}

// Inject runs a single event, parsed or synthesized, through the chain.
func (h *OutputHandler) Inject(ev *types.Event) {
	for _, handler := range h.handlers {
		ev = h.apply(handler, ev)
	}
	h.emit(ev)
}

func (h *OutputHandler) apply(handler namedHandler, ev *types.Event) (out *types.Event) {
	out = ev
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Output handler panicked", "handler", handler.name, "event", ev, "panic", r)
			out = ev
		}
	}()
	if res := handler.fn(ev); res != nil {
		out = res
	}
	return out
}

func (h *OutputHandler) emit(ev *types.Event) {
	h.messages.Process(ev)
	h.state.IsTestRunning = h.messages.IsTestRunning()
}

// Finish reports leaks collected by the trackers. Every report counts as a
// failure.
func (h *OutputHandler) Finish() {
	var failures []*types.Event
	if h.shutdownLeaks != nil {
		failures = append(failures, h.shutdownLeaks.Process()...)
	}
	if h.lsanLeaks != nil {
		failures = append(failures, h.lsanLeaks.Process()...)
	}
	for _, ev := range failures {
		h.state.Failed++
		h.state.Unexpected++
		h.state.RecordFirstError(ev.Test, ev.Message)
		h.emit(ev)
	}
}

func (h *OutputHandler) fixStack(ev *types.Event) *types.Event {
	if h.stackFixer == nil {
		return ev
	}
	if text := ev.Text(); text != "" {
		ev.SetText(h.stackFixer(text))
	}
	return ev
}

func (h *OutputHandler) matchKnownFailures(ev *types.Event) *types.Event {
	if len(h.expectedFailures) == 0 || !ev.IsUnexpected() || ev.Status != types.StatusFail {
		return ev
	}
	for _, re := range h.expectedFailures[types.TestKey(ev.Test)] {
		if re.MatchString(ev.Message) || re.MatchString(ev.Subtest) {
			h.log.Debug("Failure matched expectation", "test", ev.Test, "pattern", re.String())
			ev.Expected = ""
			break
		}
	}
	return ev
}

func (h *OutputHandler) recordLastTest(ev *types.Event) *types.Event {
	switch ev.Action {
	case types.ActionTestStart:
		h.state.LastTestSeen = ev.Test
		if ev.Group != "" {
			h.state.LastManifest = ev.Group
		}
	case types.ActionTestEnd:
		h.state.LastTestSeen = fmt.Sprintf("%s (finished)", ev.Test)
	}
	return ev
}

func (h *OutputHandler) dumpScreenOnTimeout(ev *types.Event) *types.Event {
	if h.screenshotter == nil || h.screenshotOnFail || !h.screenshotOnTimeout {
		return ev
	}
	if ev.Action == types.ActionTestStatus && ev.IsUnexpected() && strings.Contains(ev.Subtest, "Test timed out") {
		h.screenshotter.Capture("timeout")
	}
	return ev
}

func (h *OutputHandler) dumpScreenOnFail(ev *types.Event) *types.Event {
	if h.screenshotter == nil || !h.screenshotOnFail {
		return ev
	}
	if ev.IsUnexpected() && ev.Status == types.StatusFail {
		h.screenshotter.Capture("failure")
	}
	return ev
}

func (h *OutputHandler) trackShutdownLeaks(ev *types.Event) *types.Event {
	if h.shutdownLeaks != nil {
		h.shutdownLeaks.Log(ev)
	}
	return ev
}

func (h *OutputHandler) trackLSANLeaks(ev *types.Event) *types.Event {
	if h.lsanLeaks == nil {
		return ev
	}
	switch ev.Action {
	case types.ActionTestStart:
		h.lsanLeaks.SetScope(ev.Test)
	case types.ActionTestEnd:
		h.lsanLeaks.SetScope(h.state.LastManifest)
	case types.ActionLog, types.ActionProcessOutput:
		h.lsanLeaks.Log(ev.Text())
	}
	return ev
}

func (h *OutputHandler) countLine(ev *types.Event) *types.Event {
	if ev.IsUnexpected() {
		h.state.Unexpected++
	}

	text := ev.Text()
	if text == "" {
		return ev
	}
	line := stripansi.Strip(text)
	var counter *int
	switch {
	case strings.Contains(line, "Passed:"):
		counter = &h.state.Passed
	case strings.Contains(line, "Failed:"):
		counter = &h.state.Failed
	case strings.Contains(line, "Todo:"):
		counter = &h.state.Todo
	default:
		return ev
	}
	idx := strings.LastIndex(line, ":")
	if val, err := strconv.Atoi(strings.TrimSpace(line[idx+1:])); err == nil {
		*counter += val
	}
	return ev
}

func (h *OutputHandler) recordResult(ev *types.Event) *types.Event {
	key := types.TestKey(ev.Test)
	if key == "" {
		return ev
	}
	switch ev.Action {
	case types.ActionTestStart:
		h.state.Results[key] = types.ResultPass
	case types.ActionTestStatus:
		if ev.HasExpected() {
			h.state.Results[key] = types.ResultFail
		} else if ev.Status == types.StatusFail && h.state.Results[key] != types.ResultFail {
			h.state.Results[key] = types.ResultTodo
		}
	case types.ActionTestEnd:
		if ev.IsUnexpected() {
			h.state.Results[key] = types.ResultFail
		}
	}
	return ev
}

func (h *OutputHandler) firstError(ev *types.Event) *types.Event {
	switch {
	case ev.Action == types.ActionTestStatus && ev.HasExpected() && ev.Status == types.StatusFail:
	case ev.Action == types.ActionTestEnd && ev.IsUnexpected():
	default:
		return ev
	}
	msg := ev.Message
	if msg == "" {
		msg = ev.Subtest
	}
	h.state.RecordFirstError(ev.Test, msg)
	return ev
}
