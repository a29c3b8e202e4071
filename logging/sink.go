package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/op-harness/types"
)

// EventSink consumes events once the buffering policy has decided to emit them
type EventSink interface {
	LogRaw(ev *types.Event)
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(ev *types.Event)

func (f SinkFunc) LogRaw(ev *types.Event) { f(ev) }

// MultiSink fans events out to several sinks in order
type MultiSink []EventSink

func (m MultiSink) LogRaw(ev *types.Event) {
	for _, s := range m {
		if s != nil {
			s.LogRaw(ev)
		}
	}
}

// TextSink renders events as TBPL-style lines, the format CI log parsers
// understand (e.g. "TEST-UNEXPECTED-FAIL | path | subtest - message").
type TextSink struct {
	mu        sync.Mutex
	w         io.Writer
	stripANSI bool
}

// NewTextSink creates a TextSink writing to w. When stripANSI is set, escape
// sequences in AUT output are removed.
func NewTextSink(w io.Writer, stripANSI bool) *TextSink {
	return &TextSink{w: w, stripANSI: stripANSI}
}

func (s *TextSink) LogRaw(ev *types.Event) {
	line := FormatTBPL(ev)
	if line == "" {
		return
	}
	if s.stripANSI {
		line = stripansi.Strip(line)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.w, line)
}

// FormatTBPL renders a single event. It returns "" for events that have no
// textual representation.
func FormatTBPL(ev *types.Event) string {
	switch ev.Action {
	case types.ActionSuiteStart:
		return "SUITE-START | Running tests"
	case types.ActionSuiteEnd:
		return "SUITE-END"
	case types.ActionGroupStart, types.ActionGroupEnd:
		return fmt.Sprintf("%s | %s", strings.ToUpper(strings.ReplaceAll(string(ev.Action), "_", "-")), ev.Group)
	case types.ActionTestStart:
		return fmt.Sprintf("TEST-START | %s", ev.Test)
	case types.ActionTestStatus:
		return formatResult(ev, ev.Subtest)
	case types.ActionTestEnd:
		return formatResult(ev, "")
	case types.ActionLog:
		level := strings.ToUpper(ev.Level)
		if level == "" || level == "INFO" {
			return ev.Message
		}
		return fmt.Sprintf("%s - %s", level, ev.Message)
	case types.ActionProcessOutput:
		if ev.Process == "" {
			return ev.Data
		}
		return fmt.Sprintf("%s | %s", ev.Process, ev.Data)
	case types.ActionAssertionCount:
		return fmt.Sprintf("ASSERTION-COUNT | %s", ev.Test)
	}
	return ""
}

func formatResult(ev *types.Event, subtest string) string {
	status := ev.Status
	if status == "" {
		status = types.StatusOK
	}
	var prefix string
	switch {
	case ev.IsUnexpected():
		prefix = "TEST-UNEXPECTED-" + status
	case ev.Action == types.ActionTestStatus && status == types.StatusFail:
		prefix = "TEST-KNOWN-FAIL"
	default:
		prefix = "TEST-" + status
	}

	parts := []string{prefix, ev.Test}
	if subtest != "" {
		parts = append(parts, subtest)
	}
	line := strings.Join(parts, " | ")
	if ev.Message != "" {
		if subtest != "" {
			line += " - " + ev.Message
		} else {
			line += " | " + ev.Message
		}
	}
	return line
}
