package runner

import (
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-harness/logging"
	"github.com/ethereum-optimism/op-harness/types"
)

type countingScreenshotter struct {
	mu      sync.Mutex
	reasons []string
}

func (c *countingScreenshotter) Capture(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func newTestHandler(t *testing.T, opts OutputHandlerOptions) (*OutputHandler, *eventCollector) {
	t.Helper()
	sink := &eventCollector{}
	if opts.State == nil {
		opts.State = types.NewRunState("m.toml")
	}
	if opts.Parser == nil {
		opts.Parser = NewParser(true)
	}
	if opts.MessageLogger == nil {
		opts.MessageLogger = logging.NewMessageLogger(sink, false)
	}
	opts.Logger = log.NewLogger(log.DiscardHandler())
	h, err := NewOutputHandler(opts)
	require.NoError(t, err)
	return h, sink
}

func TestNewOutputHandlerValidation(t *testing.T) {
	_, err := NewOutputHandler(OutputHandlerOptions{})
	assert.Error(t, err)
	_, err = NewOutputHandler(OutputHandlerOptions{State: types.NewRunState("")})
	assert.Error(t, err)
	_, err = NewOutputHandler(OutputHandlerOptions{State: types.NewRunState(""), Parser: NewParser(true)})
	assert.Error(t, err)
}

func TestOutputHandlerRecordsLastTest(t *testing.T) {
	h, _ := newTestHandler(t, OutputHandlerOptions{})
	h.ProcessLine([]byte(`{"action":"test_start","test":"a/test_x.html","group":"a/mochitest.toml"}`))
	assert.Equal(t, "a/test_x.html", h.State().LastTestSeen)
	assert.Equal(t, "a/mochitest.toml", h.State().LastManifest)
	assert.True(t, h.State().IsTestRunning)

	h.ProcessLine([]byte(`{"action":"test_end","test":"a/test_x.html","status":"OK"}`))
	assert.Equal(t, "a/test_x.html (finished)", h.State().LastTestSeen)
	assert.False(t, h.State().IsTestRunning)
}

func TestOutputHandlerCountsLines(t *testing.T) {
	h, _ := newTestHandler(t, OutputHandlerOptions{})
	for _, line := range []string{
		"Passed: 10",
		"\x1b[32mFailed:\x1b[0m 2",
		"Todo: 3",
		"Passed: not-a-number",
		`{"action":"log","level":"info","message":"Passed: 5"}`,
		`{"action":"test_status","test":"t","subtest":"s","status":"FAIL","expected":"PASS"}`,
	} {
		h.ProcessLine([]byte(line))
	}
	s := h.State()
	assert.Equal(t, 15, s.Passed)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 3, s.Todo)
	assert.Equal(t, 1, s.Unexpected)
}

func TestOutputHandlerFixesStacks(t *testing.T) {
	h, sink := newTestHandler(t, OutputHandlerOptions{
		StackFixer: func(s string) string { return strings.ReplaceAll(s, "0xdead", "foo.cpp:12") },
	})
	h.ProcessLine([]byte("#01 0xdead"))
	h.ProcessLine([]byte(`{"action":"log","message":"at 0xdead"}`))
	require.Len(t, sink.events, 2)
	assert.Equal(t, "#01 foo.cpp:12", sink.events[0].Data)
	assert.Equal(t, "at foo.cpp:12", sink.events[1].Message)
}

func TestOutputHandlerRecoversFromPanics(t *testing.T) {
	h, sink := newTestHandler(t, OutputHandlerOptions{
		StackFixer: func(string) string { panic("broken fixer") },
	})
	assert.NotPanics(t, func() { h.ProcessLine([]byte("Passed: 1")) })
	require.Len(t, sink.events, 1)
	assert.Equal(t, 1, h.State().Passed)
}

func TestOutputHandlerMatchesKnownFailures(t *testing.T) {
	h, _ := newTestHandler(t, OutputHandlerOptions{
		ExpectedFailures: map[string][]*regexp.Regexp{"test_a.html": {regexp.MustCompile("flaky widget")}},
		TrackResults:     true,
	})
	h.ProcessLine([]byte(`{"action":"test_start","test":"d/test_a.html"}`))
	h.ProcessLine([]byte(`{"action":"test_status","test":"d/test_a.html","subtest":"s","status":"FAIL","expected":"PASS","message":"flaky widget broke"}`))
	assert.Equal(t, 0, h.State().Unexpected)
	assert.Equal(t, types.ResultTodo, h.State().Results["test_a.html"])
	assert.Empty(t, h.State().ExpectedErrors)

	h.ProcessLine([]byte(`{"action":"test_status","test":"d/test_a.html","subtest":"s2","status":"FAIL","expected":"PASS","message":"other"}`))
	assert.Equal(t, 1, h.State().Unexpected)
	assert.Equal(t, types.ResultFail, h.State().Results["test_a.html"])
	assert.Equal(t, "other", h.State().ExpectedErrors["test_a.html"])
}

func TestOutputHandlerTracksResults(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
		err   string
	}{
		{
			name:  "pass",
			lines: []string{`{"action":"test_start","test":"x/t1"}`, `{"action":"test_end","test":"x/t1","status":"OK"}`},
			want:  types.ResultPass,
		},
		{
			name: "todo",
			lines: []string{`{"action":"test_start","test":"x/t1"}`,
				`{"action":"test_status","test":"x/t1","subtest":"s","status":"FAIL"}`},
			want: types.ResultTodo,
		},
		{
			name: "fail keeps first error",
			lines: []string{`{"action":"test_start","test":"x/t1"}`,
				`{"action":"test_status","test":"x/t1","subtest":"first","status":"FAIL","expected":"PASS"}`,
				`{"action":"test_status","test":"x/t1","subtest":"second","status":"FAIL","expected":"PASS","message":"m2"}`,
				`{"action":"test_status","test":"x/t1","subtest":"s","status":"FAIL"}`},
			want: types.ResultFail,
			err:  "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, OutputHandlerOptions{TrackResults: true})
			for _, l := range tt.lines {
				h.ProcessLine([]byte(l))
			}
			assert.Equal(t, tt.want, h.State().Results["t1"])
			assert.Equal(t, tt.err, h.State().ExpectedErrors["t1"])
		})
	}
}

func TestOutputHandlerResultsDisabledByDefault(t *testing.T) {
	h, _ := newTestHandler(t, OutputHandlerOptions{})
	h.ProcessLine([]byte(`{"action":"test_start","test":"x/t1"}`))
	h.ProcessLine([]byte(`{"action":"test_status","test":"x/t1","subtest":"s","status":"FAIL","expected":"PASS"}`))
	assert.Empty(t, h.State().Results)
	assert.Empty(t, h.State().ExpectedErrors)
}

func TestOutputHandlerScreenshots(t *testing.T) {
	timeoutLine := `{"action":"test_status","test":"t","subtest":"Test timed out.","status":"FAIL","expected":"PASS"}`
	failLine := `{"action":"test_status","test":"t","subtest":"s","status":"FAIL","expected":"PASS"}`

	tests := []struct {
		name      string
		onFail    bool
		onTimeout bool
		lines     []string
		want      []string
	}{
		{"timeout only", false, true, []string{failLine, timeoutLine, timeoutLine}, []string{"timeout"}},
		{"fail", true, true, []string{failLine, timeoutLine}, []string{"failure"}},
		{"disabled", false, false, []string{failLine, timeoutLine}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shots := &countingScreenshotter{}
			h, _ := newTestHandler(t, OutputHandlerOptions{
				Screenshotter:       NewOnceScreenshotter(shots),
				ScreenshotOnFail:    tt.onFail,
				ScreenshotOnTimeout: tt.onTimeout,
			})
			for _, l := range tt.lines {
				h.ProcessLine([]byte(l))
			}
			assert.Equal(t, tt.want, shots.reasons)
		})
	}
}

func TestOutputHandlerFinishReportsLeaks(t *testing.T) {
	logger := log.NewLogger(log.DiscardHandler())
	h, sink := newTestHandler(t, OutputHandlerOptions{
		ShutdownLeaks: NewShutdownLeaks(logger),
		LSANLeaks:     NewLSANLeaks(logger, nil),
	})
	for _, line := range []string{
		`{"action":"test_start","test":"d/test_leaky.html"}`,
		"++DOMWINDOW == 5 (0x1) [pid = 100] [serial = 7] [outer = 0x0]",
		"==100==ERROR: LeakSanitizer: detected memory leaks",
		"Direct leak of 32 byte(s) in 1 object(s) allocated from:",
		"    #0 0x4a in malloc /src/asan.cpp:1",
		"    #1 0x4b in LeakyFunction /src/leaky.cpp:10",
		"SUMMARY: AddressSanitizer: 32 byte(s) leaked in 1 allocation(s).",
		`{"action":"test_end","test":"d/test_leaky.html","status":"OK"}`,
	} {
		h.ProcessLine([]byte(line))
	}
	before := len(sink.events)
	h.Finish()

	assert.Equal(t, 2, h.State().Failed)
	reported := sink.events[before:]
	require.Len(t, reported, 2)
	assert.Equal(t, "d/test_leaky.html", reported[0].Test)
	assert.Contains(t, reported[0].Message, "leaked 1 window(s)")
	assert.Contains(t, reported[1].Message, "leak at LeakyFunction")
	assert.Equal(t, "TEST-UNEXPECTED-FAIL | d/test_leaky.html | leaked 1 window(s) until shutdown", h.State().ExpectedErrors["test_leaky.html"])

	ends := make(map[string]int)
	for _, ev := range sink.events {
		if ev.Action == types.ActionTestEnd {
			ends[ev.Test]++
		}
	}
	assert.Equal(t, map[string]int{"d/test_leaky.html": 1}, ends)
}
