package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TestRecord is a resolved entry of the test plan
type TestRecord struct {
	Path             string   `yaml:"path" json:"path"`
	Manifest         string   `yaml:"manifest,omitempty" json:"manifest,omitempty"`
	Tags             []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	ExpectedFailures []string `yaml:"expected_failures,omitempty" json:"expected_failures,omitempty"`
}

// Key returns the short key used to correlate results with the worklist.
func (r TestRecord) Key() string {
	return TestKey(r.Path)
}

// TestKey reduces a logged test name to its last path segment. Anything after
// the first space (e.g. a " (finished)" suffix) is dropped.
func TestKey(test string) string {
	test = strings.TrimSpace(test)
	if i := strings.Index(test, " "); i >= 0 {
		test = test[:i]
	}
	if i := strings.LastIndex(test, "/"); i >= 0 {
		test = test[i+1:]
	}
	return strings.TrimSpace(test)
}

// CompileExpectedFailures compiles the expected failure patterns of every
// record, keyed by test key.
func CompileExpectedFailures(records []TestRecord) (map[string][]*regexp.Regexp, error) {
	out := make(map[string][]*regexp.Regexp)
	for _, rec := range records {
		for _, pat := range rec.ExpectedFailures {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("invalid expected failure pattern %q for %s: %w", pat, rec.Path, err)
			}
			out[rec.Key()] = append(out[rec.Key()], re)
		}
	}
	return out, nil
}

// Verdict is the final classification of one supervised AUT execution
type Verdict string

const (
	VerdictPass    Verdict = "PASS"
	VerdictFail    Verdict = "FAIL"
	VerdictCrash   Verdict = "CRASH"
	VerdictTimeout Verdict = "TIMEOUT"
)

// FailureKind explains which check determined the verdict
type FailureKind string

const (
	FailureNone    FailureKind = "none"
	FailureTest    FailureKind = "test"
	FailureExit    FailureKind = "exit"
	FailureLeak    FailureKind = "leak"
	FailureZombie  FailureKind = "zombie"
	FailureCrash   FailureKind = "crash"
	FailureTimeout FailureKind = "timeout"
	FailureLaunch  FailureKind = "launch"
)

// LeakViolation is a process type whose leak report breached its threshold or
// was missing.
type LeakViolation struct {
	ProcessType string
	Leaked      int64
	Threshold   int64
	Missing     bool
}

func (v LeakViolation) String() string {
	if v.Missing {
		return fmt.Sprintf("%s: missing leak report", v.ProcessType)
	}
	return fmt.Sprintf("%s: leaked %d bytes (threshold %d)", v.ProcessType, v.Leaked, v.Threshold)
}

// RunResult is the outcome of one Supervisor invocation
type RunResult struct {
	Verdict        Verdict
	Expected       Verdict
	Kind           FailureKind
	LastTestSeen   string
	ExitStatus     int
	CrashCount     int
	Minidumps      []string
	Zombies        []int
	LeakViolations []LeakViolation
	Duration       time.Duration

	Passed     int
	Failed     int
	Todo       int
	Unexpected int

	// OutputTail holds the last output lines of the application.
	OutputTail string
}

// OK reports whether the run should be considered successful.
func (r *RunResult) OK() bool {
	if r == nil {
		return false
	}
	switch r.Verdict {
	case VerdictPass:
		return true
	case VerdictCrash:
		return r.Expected == VerdictCrash
	}
	return false
}

func (r *RunResult) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("verdict=%s expected=%s kind=%s last=%q passed=%d failed=%d todo=%d unexpected=%d",
		r.Verdict, r.Expected, r.Kind, r.LastTestSeen, r.Passed, r.Failed, r.Todo, r.Unexpected)
}

// Result values recorded per test key for bisection, restart-after-failure
// and verification.
const (
	ResultPass = "PASS"
	ResultFail = "FAIL"
	ResultTodo = "TODO"
)

// RunState is the per-invocation state owned by the Supervisor. The Controller
// creates a fresh value before each invocation and reads it back afterwards.
type RunState struct {
	LastTestSeen  string
	LastManifest  string
	IsTestRunning bool

	Passed     int
	Failed     int
	Todo       int
	Unexpected int

	// ExpectedErrors holds the first unexpected failure message per test key.
	ExpectedErrors map[string]string
	// Results holds PASS, FAIL or TODO per test key.
	Results map[string]string
}

// NewRunState returns an empty RunState for the given manifest.
func NewRunState(manifest string) *RunState {
	return &RunState{
		LastManifest:   manifest,
		ExpectedErrors: make(map[string]string),
		Results:        make(map[string]string),
	}
}

// RecordFirstError stores msg for the test unless an error was already seen.
func (s *RunState) RecordFirstError(test, msg string) {
	key := TestKey(test)
	if key == "" {
		return
	}
	if _, ok := s.ExpectedErrors[key]; !ok {
		s.ExpectedErrors[key] = strings.TrimSpace(msg)
	}
}

// LeakThresholds bounds the leaked bytes tolerated per process type
type LeakThresholds struct {
	Thresholds    map[string]int64
	IgnoreMissing map[string]bool
}

// Clone returns a deep copy so per-run adjustments do not leak into the next run.
func (t LeakThresholds) Clone() LeakThresholds {
	out := LeakThresholds{
		Thresholds:    make(map[string]int64, len(t.Thresholds)),
		IgnoreMissing: make(map[string]bool, len(t.IgnoreMissing)),
	}
	for k, v := range t.Thresholds {
		out.Thresholds[k] = v
	}
	for k, v := range t.IgnoreMissing {
		out.IgnoreMissing[k] = v
	}
	return out
}
