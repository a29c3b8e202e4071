package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-harness/types"
)

func TestFormatTBPL(t *testing.T) {
	tests := []struct {
		name string
		ev   *types.Event
		want string
	}{
		{
			name: "test start",
			ev:   &types.Event{Action: types.ActionTestStart, Test: "dom/test_a.html"},
			want: "TEST-START | dom/test_a.html",
		},
		{
			name: "unexpected subtest",
			ev: &types.Event{Action: types.ActionTestStatus, Test: "t", Subtest: "s",
				Status: "FAIL", Expected: "PASS", Message: "boom"},
			want: "TEST-UNEXPECTED-FAIL | t | s - boom",
		},
		{
			name: "known fail",
			ev:   &types.Event{Action: types.ActionTestStatus, Test: "t", Subtest: "s", Status: "FAIL"},
			want: "TEST-KNOWN-FAIL | t | s",
		},
		{
			name: "test end with message",
			ev:   &types.Event{Action: types.ActionTestEnd, Test: "t", Status: "TIMEOUT", Expected: "PASS", Message: "timed out"},
			want: "TEST-UNEXPECTED-TIMEOUT | t | timed out",
		},
		{
			name: "test end ok",
			ev:   &types.Event{Action: types.ActionTestEnd, Test: "t"},
			want: "TEST-OK | t",
		},
		{
			name: "info log",
			ev:   &types.Event{Action: types.ActionLog, Level: "info", Message: "hello"},
			want: "hello",
		},
		{
			name: "error log",
			ev:   &types.Event{Action: types.ActionLog, Level: "error", Message: "bad"},
			want: "ERROR - bad",
		},
		{
			name: "process output",
			ev:   &types.Event{Action: types.ActionProcessOutput, Process: "AUT(12)", Data: "raw"},
			want: "AUT(12) | raw",
		},
		{
			name: "buffering control",
			ev:   &types.Event{Action: types.ActionBufferingOn},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatTBPL(tt.ev))
		})
	}
}

func TestTextSinkStripsANSI(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTextSink(&buf, true)
	sink.LogRaw(&types.Event{Action: types.ActionLog, Message: "\x1b[31mred\x1b[0m"})
	sink.LogRaw(&types.Event{Action: types.ActionBufferingOff})
	assert.Equal(t, "red\n", buf.String())
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	MultiSink{a, nil, b}.LogRaw(logEvent("x"))
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestRawJSONSink(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := NewRawJSONSink("", "id")
	require.Error(t, err)
	_, err = NewRawJSONSink(tmpDir, "")
	require.Error(t, err)

	sink, err := NewRawJSONSink(tmpDir, "run-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmpDir, "testrun-run-1", RawEventsFilename), sink.Path())

	ev := &types.Event{Action: types.ActionTestStart, Test: "a", Time: 5,
		Extra: map[string]json.RawMessage{"thread": json.RawMessage(`"main"`)}}
	sink.LogRaw(ev)
	sink.LogRaw(endEvent("a", types.StatusOK))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var decoded types.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, types.ActionTestStart, decoded.Action)
	assert.Equal(t, "a", decoded.Test)
	assert.JSONEq(t, `"main"`, string(decoded.Extra["thread"]))
}
