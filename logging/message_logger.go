package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/op-harness/types"
)

// DefaultBufferingThreshold is how many held events are replayed when an
// error unlocks the buffer.
const DefaultBufferingThreshold = 100

// MessageLogger applies the buffering policy to parsed events before they
// reach the sink. Buffering only happens between test_start and test_end, and
// any unexpected result flushes the held context ahead of itself.
type MessageLogger struct {
	mu   sync.Mutex
	sink EventSink
	now  func() time.Time

	threshold int

	isTestRunning bool
	// buffering is the requested state. It only takes effect when buffering
	// was enabled for the run and has not been forced off.
	buffering        bool
	restoreBuffering bool
	initiallyEnabled bool
	forcedOff        bool
	suiteEnded       bool

	pending []*types.Event
}

// NewMessageLogger creates a logger emitting to sink. When buffering is false
// events are never held, whatever the AUT requests.
func NewMessageLogger(sink EventSink, buffering bool) *MessageLogger {
	return &MessageLogger{
		sink:             sink,
		now:              time.Now,
		threshold:        DefaultBufferingThreshold,
		restoreBuffering: buffering,
		initiallyEnabled: buffering,
	}
}

// SetThreshold overrides the flush window. Values <= 0 are ignored.
func (m *MessageLogger) SetThreshold(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = n
}

// IsTestRunning reports whether a test_start has been seen without a matching
// test_end.
func (m *MessageLogger) IsTestRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isTestRunning
}

// Buffering reports whether events are currently being held.
func (m *MessageLogger) Buffering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveBuffering()
}

// PendingCount returns how many events are held.
func (m *MessageLogger) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *MessageLogger) effectiveBuffering() bool {
	if !m.initiallyEnabled || m.forcedOff {
		return false
	}
	return m.buffering
}

func (m *MessageLogger) shouldBuffer(ev *types.Event) bool {
	return ev.Action == types.ActionTestStatus || ev.Action == types.ActionLog
}

func isErrorEvent(ev *types.Event) bool {
	if ev.HasExpected() {
		return true
	}
	return ev.Action == types.ActionLog && strings.HasPrefix(ev.Message, types.UnexpectedMarker)
}

// Process runs one event through the buffering policy.
func (m *MessageLogger) Process(ev *types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Action {
	case types.ActionBufferingOn:
		if m.isTestRunning {
			m.buffering = true
		}
		return
	case types.ActionBufferingOff:
		m.buffering = false
		return
	}

	switch {
	case isErrorEvent(ev):
		m.restoreBuffering = m.restoreBuffering || m.effectiveBuffering()
		m.buffering = false
		if len(m.pending) > 0 {
			if snipped := len(m.pending) - m.threshold; snipped > 0 {
				m.info(fmt.Sprintf("<snipped %d output lines - "+
					"if you need more context, please request a complete log in your test>", snipped))
			}
			m.dumpBuffered(true)
		}
		m.sink.LogRaw(ev)
	case m.effectiveBuffering() && m.shouldBuffer(ev):
		m.pending = append(m.pending, ev)
	default:
		m.sink.LogRaw(ev)
	}

	switch ev.Action {
	case types.ActionSuiteEnd:
		m.suiteEnded = true
	case types.ActionTestEnd:
		m.isTestRunning = false
		m.pending = nil
		m.restoreBuffering = m.restoreBuffering || m.effectiveBuffering()
		m.buffering = false
	case types.ActionTestStart:
		m.isTestRunning = true
		if m.restoreBuffering {
			m.restoreBuffering = false
			m.buffering = true
		}
	}
}

// DumpBuffered emits every held event.
func (m *MessageLogger) DumpBuffered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dumpBuffered(false)
}

// DisableBuffering flushes held events and stops buffering for the rest of
// the run. Used on timeout and cancellation so the log is never truncated.
func (m *MessageLogger) DisableBuffering() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dumpBuffered(false)
	m.forcedOff = true
	m.buffering = false
	m.restoreBuffering = false
}

// Finish flushes everything and closes the suite unless the AUT already did.
func (m *MessageLogger) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dumpBuffered(false)
	m.buffering = false
	if m.suiteEnded {
		return
	}
	m.suiteEnded = true
	m.sink.LogRaw(&types.Event{Action: types.ActionSuiteEnd, Time: m.now().UnixMilli()})
}

func (m *MessageLogger) dumpBuffered(limit bool) {
	if len(m.pending) == 0 {
		return
	}
	dumped := m.pending
	if limit && len(dumped) > m.threshold {
		dumped = dumped[len(dumped)-m.threshold:]
	}

	lastStamp := ""
	for _, ev := range dumped {
		stamp := time.UnixMilli(ev.Time).Format("15:04:05")
		if stamp != lastStamp {
			m.info(fmt.Sprintf("Buffered messages logged at %s", stamp))
		}
		lastStamp = stamp
		m.sink.LogRaw(ev)
	}
	m.info("Buffered messages finished")
	m.pending = nil
}

func (m *MessageLogger) info(msg string) {
	m.sink.LogRaw(&types.Event{
		Action:  types.ActionLog,
		Level:   "INFO",
		Message: msg,
		Time:    m.now().UnixMilli(),
	})
}
