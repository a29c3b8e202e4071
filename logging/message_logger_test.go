package logging

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-harness/types"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *recordingSink) LogRaw(ev *types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		switch ev.Action {
		case types.ActionLog:
			out = append(out, ev.Message)
		default:
			out = append(out, string(ev.Action)+":"+ev.Status)
		}
	}
	return out
}

func logEvent(msg string) *types.Event {
	return &types.Event{Action: types.ActionLog, Level: "INFO", Message: msg, Time: 1000}
}

func startEvent(test string) *types.Event {
	return &types.Event{Action: types.ActionTestStart, Test: test, Time: 1000}
}

func endEvent(test, status string) *types.Event {
	return &types.Event{Action: types.ActionTestEnd, Test: test, Status: status, Time: 1000}
}

func TestMessageLoggerBufferingDisabled(t *testing.T) {
	sink := &recordingSink{}
	ml := NewMessageLogger(sink, false)

	ml.Process(startEvent("a"))
	ml.Process(&types.Event{Action: types.ActionBufferingOn})
	ml.Process(logEvent("one"))
	ml.Process(logEvent("two"))

	assert.False(t, ml.Buffering())
	assert.True(t, ml.IsTestRunning())
	assert.Equal(t, []string{"test_start:", "one", "two"}, sink.messages())
}

func TestMessageLoggerHoldsPassingOutput(t *testing.T) {
	sink := &recordingSink{}
	ml := NewMessageLogger(sink, true)

	ml.Process(startEvent("a"))
	require.True(t, ml.Buffering())
	ml.Process(logEvent("noise"))
	ml.Process(&types.Event{Action: types.ActionTestStatus, Test: "a", Subtest: "x", Status: types.StatusPass})
	assert.Equal(t, 2, ml.PendingCount())

	ml.Process(endEvent("a", types.StatusOK))

	assert.False(t, ml.IsTestRunning())
	assert.False(t, ml.Buffering())
	assert.Equal(t, 0, ml.PendingCount())
	assert.Equal(t, []string{"test_start:", "test_end:OK"}, sink.messages())

	// buffering resumes with the next test
	ml.Process(startEvent("b"))
	assert.True(t, ml.Buffering())
}

func TestMessageLoggerFlushesOnUnexpected(t *testing.T) {
	tests := []struct {
		name    string
		trigger *types.Event
	}{
		{
			name: "unexpected status",
			trigger: &types.Event{Action: types.ActionTestStatus, Test: "a", Subtest: "x",
				Status: types.StatusFail, Expected: types.StatusPass, Time: 1000},
		},
		{
			name:    "unexpected log line",
			trigger: logEvent("TEST-UNEXPECTED-FAIL | a | boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			ml := NewMessageLogger(sink, true)

			ml.Process(startEvent("a"))
			ml.Process(logEvent("ctx1"))
			ml.Process(logEvent("ctx2"))
			ml.Process(tt.trigger)

			msgs := sink.messages()
			require.Len(t, msgs, 6)
			assert.Equal(t, "test_start:", msgs[0])
			assert.True(t, strings.HasPrefix(msgs[1], "Buffered messages logged at "))
			assert.Equal(t, "ctx1", msgs[2])
			assert.Equal(t, "ctx2", msgs[3])
			assert.Equal(t, "Buffered messages finished", msgs[4])
			assert.Same(t, tt.trigger, sink.events[5])

			assert.False(t, ml.Buffering())
			assert.Equal(t, 0, ml.PendingCount())

			// the next test re-enters the held state
			ml.Process(endEvent("a", types.StatusOK))
			ml.Process(startEvent("b"))
			assert.True(t, ml.Buffering())
		})
	}
}

func TestMessageLoggerTruncatesFlush(t *testing.T) {
	sink := &recordingSink{}
	ml := NewMessageLogger(sink, true)
	ml.SetThreshold(10)

	ml.Process(startEvent("a"))
	for i := 0; i < 25; i++ {
		ml.Process(logEvent(fmt.Sprintf("line %d", i)))
	}
	ml.Process(&types.Event{Action: types.ActionTestEnd, Test: "a", Status: types.StatusError, Expected: types.StatusOK})

	msgs := sink.messages()
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "test_start:", msgs[0])
	assert.Contains(t, msgs[1], "<snipped 15 output lines")

	var replayed []string
	for _, m := range msgs {
		if strings.HasPrefix(m, "line ") {
			replayed = append(replayed, m)
		}
	}
	require.Len(t, replayed, 10)
	assert.Equal(t, "line 15", replayed[0])
	assert.Equal(t, "line 24", replayed[9])
	assert.Equal(t, "test_end:ERROR", msgs[len(msgs)-1])
}

func TestMessageLoggerBufferingControl(t *testing.T) {
	sink := &recordingSink{}
	ml := NewMessageLogger(sink, true)

	// outside a test buffering_on is ignored
	ml.Process(&types.Event{Action: types.ActionBufferingOff})
	ml.Process(&types.Event{Action: types.ActionBufferingOn})
	assert.False(t, ml.Buffering())
	ml.Process(logEvent("outside"))

	ml.Process(startEvent("a"))
	ml.Process(&types.Event{Action: types.ActionBufferingOff})
	ml.Process(logEvent("visible"))
	ml.Process(&types.Event{Action: types.ActionBufferingOn})
	ml.Process(logEvent("held"))

	assert.Equal(t, []string{"outside", "test_start:", "visible"}, sink.messages())
	assert.Equal(t, 1, ml.PendingCount())
}

func TestMessageLoggerDisableBuffering(t *testing.T) {
	sink := &recordingSink{}
	ml := NewMessageLogger(sink, true)

	ml.Process(startEvent("a"))
	ml.Process(logEvent("held"))
	ml.DisableBuffering()

	msgs := sink.messages()
	assert.Contains(t, msgs, "held")
	assert.Equal(t, "Buffered messages finished", msgs[len(msgs)-1])

	ml.Process(endEvent("a", types.StatusOK))
	ml.Process(startEvent("b"))
	ml.Process(&types.Event{Action: types.ActionBufferingOn})
	assert.False(t, ml.Buffering())
	ml.Process(logEvent("after"))
	assert.Equal(t, "after", sink.messages()[len(sink.messages())-1])
}

func TestMessageLoggerFinish(t *testing.T) {
	sink := &recordingSink{}
	ml := NewMessageLogger(sink, true)

	ml.Process(startEvent("a"))
	ml.Process(logEvent("held"))
	ml.Finish()

	msgs := sink.messages()
	assert.Contains(t, msgs, "held")
	assert.Equal(t, "suite_end:", msgs[len(msgs)-1])
	assert.Equal(t, 0, ml.PendingCount())
}
