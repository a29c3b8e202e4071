package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Action is the discriminant of a structured Event.
type Action string

const (
	ActionSuiteStart     Action = "suite_start"
	ActionSuiteEnd       Action = "suite_end"
	ActionGroupStart     Action = "group_start"
	ActionGroupEnd       Action = "group_end"
	ActionTestStart      Action = "test_start"
	ActionTestEnd        Action = "test_end"
	ActionTestStatus     Action = "test_status"
	ActionLog            Action = "log"
	ActionAssertionCount Action = "assertion_count"
	ActionBufferingOn    Action = "buffering_on"
	ActionBufferingOff   Action = "buffering_off"

	// ActionProcessOutput wraps raw output that was not a protocol fragment.
	// It is never accepted from the wire.
	ActionProcessOutput Action = "process_output"
)

// protocolActions is the vocabulary the AUT may emit.
var protocolActions = map[Action]struct{}{
	ActionSuiteStart:     {},
	ActionSuiteEnd:       {},
	ActionGroupStart:     {},
	ActionGroupEnd:       {},
	ActionTestStart:      {},
	ActionTestEnd:        {},
	ActionTestStatus:     {},
	ActionLog:            {},
	ActionAssertionCount: {},
	ActionBufferingOn:    {},
	ActionBufferingOff:   {},
}

// IsProtocolAction reports whether a is part of the wire vocabulary.
func IsProtocolAction(a Action) bool {
	_, ok := protocolActions[a]
	return ok
}

// Test status strings used on the wire.
const (
	StatusPass    = "PASS"
	StatusFail    = "FAIL"
	StatusOK      = "OK"
	StatusTimeout = "TIMEOUT"
	StatusCrash   = "CRASH"
	StatusError   = "ERROR"
	StatusSkip    = "SKIP"
)

// UnexpectedMarker prefixes raw log lines that report a failure outside the
// structured protocol.
const UnexpectedMarker = "TEST-UNEXPECTED"

// Event is one structured message from the AUT output stream.
type Event struct {
	Action   Action `json:"action"`
	Time     int64  `json:"time"`
	Test     string `json:"test,omitempty"`
	Subtest  string `json:"subtest,omitempty"`
	Status   string `json:"status,omitempty"`
	Expected string `json:"expected,omitempty"`
	Message  string `json:"message,omitempty"`
	Level    string `json:"level,omitempty"`
	Process  string `json:"process,omitempty"`
	Data     string `json:"data,omitempty"`
	Source   string `json:"source,omitempty"`
	Group    string `json:"group,omitempty"`

	// Extra holds fields this harness does not interpret so they survive a
	// decode/encode round trip.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields are decoded into struct fields rather than Extra.
var knownFields = map[string]struct{}{
	"action": {}, "time": {}, "test": {}, "subtest": {}, "status": {},
	"expected": {}, "message": {}, "level": {}, "process": {}, "data": {},
	"source": {}, "group": {},
}

// HasExpected reports whether the event carries an expectation.
func (e *Event) HasExpected() bool {
	return e.Expected != ""
}

// IsUnexpected reports whether the event is a result that differs from its
// expectation.
func (e *Event) IsUnexpected() bool {
	if e.Action != ActionTestStatus && e.Action != ActionTestEnd {
		return false
	}
	return e.Expected != "" && e.Expected != e.Status
}

// Text returns the human text carried by log and process_output events.
func (e *Event) Text() string {
	switch e.Action {
	case ActionLog:
		return e.Message
	case ActionProcessOutput:
		return e.Data
	}
	return ""
}

// SetText replaces the human text carried by log and process_output events.
func (e *Event) SetText(s string) {
	switch e.Action {
	case ActionLog:
		e.Message = s
	case ActionProcessOutput:
		e.Data = s
	}
}

// Clone returns a copy of the event that shares no mutable state.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// UnmarshalJSON decodes a wire fragment. Fields with an unexpected JSON type
// are coerced to strings instead of failing the decode.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{}
	for k, v := range raw {
		switch k {
		case "action":
			e.Action = Action(coerceString(v))
		case "time":
			e.Time = coerceInt(v)
		case "test":
			e.Test = coerceString(v)
		case "subtest":
			e.Subtest = coerceString(v)
		case "status":
			e.Status = coerceString(v)
		case "expected":
			e.Expected = coerceString(v)
		case "message":
			e.Message = coerceString(v)
		case "level":
			e.Level = coerceString(v)
		case "process":
			e.Process = coerceString(v)
		case "data":
			e.Data = coerceString(v)
		case "source":
			e.Source = coerceString(v)
		case "group":
			e.Group = coerceString(v)
		default:
			if e.Extra == nil {
				e.Extra = make(map[string]json.RawMessage)
			}
			e.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return nil
}

// MarshalJSON encodes the event with its Extra fields merged back in.
func (e *Event) MarshalJSON() ([]byte, error) {
	type plain Event
	base, err := json.Marshal((*plain)(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, known := knownFields[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// String renders a short description used in harness log lines.
func (e *Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Action))
	if e.Test != "" {
		fmt.Fprintf(&b, " test=%s", e.Test)
	}
	if e.Subtest != "" {
		fmt.Fprintf(&b, " subtest=%q", e.Subtest)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " status=%s", e.Status)
	}
	if e.Expected != "" {
		fmt.Fprintf(&b, " expected=%s", e.Expected)
	}
	return b.String()
}

func coerceString(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	return string(v)
}

func coerceInt(v json.RawMessage) int64 {
	v = bytes.TrimSpace(v)
	if n, err := strconv.ParseInt(string(v), 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(string(v), 64); err == nil {
		return int64(f)
	}
	return 0
}
