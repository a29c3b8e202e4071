package reporting

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/op-harness/runner"
	"github.com/ethereum-optimism/op-harness/types"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
}

func TestFormatSummary(t *testing.T) {
	summary := &runner.Summary{
		RunID: "run-1",
		Mode:  runner.ModeDefault,
		Invocations: []*runner.Invocation{
			{
				Index: 1, Step: "manifest", Manifest: "dom/mochitest.toml", Tests: []string{"a", "b"},
				Result: &types.RunResult{Verdict: types.VerdictPass, Expected: types.VerdictPass, Kind: types.FailureNone, Passed: 4},
			},
			{
				Index: 2, Step: "manifest", Manifest: "gfx/mochitest.toml", Tests: []string{"c"},
				Result: &types.RunResult{
					Verdict: types.VerdictFail, Expected: types.VerdictPass, Kind: types.FailureZombie,
					LastTestSeen: "gfx/test_c.html", Zombies: []int{4242}, Failed: 1,
				},
			},
		},
	}
	out := NewTableFormatter("op-harness", false).FormatSummary(summary)
	assert.Contains(t, out, "dom/mochitest.toml")
	assert.Contains(t, out, "kind=zombie")
	assert.Contains(t, out, "zombie=4242")
	assert.Contains(t, out, "last=gfx/test_c.html")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, strings.ToUpper(out), "RUN RUN-1")
}

func TestFormatSummaryExpectedCrash(t *testing.T) {
	res := &types.RunResult{Verdict: types.VerdictCrash, Expected: types.VerdictCrash, Kind: types.FailureCrash, CrashCount: 1}
	assert.Equal(t, "CRASH (expected)", verdictString(res))
	assert.Equal(t, "crashes=1", details(res))
}

func TestFormatBisection(t *testing.T) {
	tests := []struct {
		name   string
		result *runner.BisectionResult
		want   string
	}{
		{
			name: "bleedthrough",
			result: &runner.BisectionResult{
				Outcome: runner.BisectBleedthrough, Failing: "dir/test_c.html", Culprit: "dir/test_b.html", Invocations: 2,
				Steps: []runner.BisectionStep{
					{Tests: []string{"dir/test_a.html", "dir/test_b.html", "dir/test_c.html"}, Failed: true},
					{Tests: []string{"dir/test_c.html"}},
				},
			},
			want: "DIR/TEST_C.HTML FAILS WHEN RUN AFTER DIR/TEST_B.HTML",
		},
		{
			name:   "no repro",
			result: &runner.BisectionResult{Outcome: runner.BisectNoRepro, Invocations: 1, Steps: []runner.BisectionStep{{Tests: []string{"a"}}}},
			want:   "NO FAILURE REPRODUCED",
		},
		{
			name:   "crash without failing test",
			result: &runner.BisectionResult{Outcome: runner.BisectInconclusive, Invocations: 1, Steps: []runner.BisectionStep{{Tests: []string{"a"}, Failed: true}}},
			want:   "FULL RUN FAILED WITHOUT A FAILING TEST",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewTableFormatter("", false).FormatBisection(tt.result)
			assert.Contains(t, strings.ToUpper(out), tt.want)
			assert.NotEmpty(t, NewTableFormatter("", true).FormatBisection(tt.result))
		})
	}
}

func TestFormatVerification(t *testing.T) {
	tests := []struct {
		name   string
		report *runner.VerificationReport
		want   []string
	}{
		{
			name: "incomplete",
			report: &runner.VerificationReport{
				Incomplete:     true,
				Recommendation: "INCOMPLETE",
				Steps: []runner.VerificationStep{
					{Step: 1, Description: "Run each test 10 times in one process.", Runs: 1, Result: runner.VerifyPass},
					{Step: 2, Description: "Run each test 5 times in a new process each time.", Result: runner.VerifyIncomplete},
				},
				Tests: []runner.VerificationResult{{
					TestName: "dom/test_a.html",
					Steps: []runner.VerificationStep{
						{Step: 1, Description: "Run each test 10 times in one process.", Runs: 1, Result: runner.VerifyPass},
						{Step: 2, Description: "Run each test 5 times in a new process each time.", Result: runner.VerifyIncomplete},
					},
				}},
			},
			want: []string{"(worklist)", "dom/test_a.html", runner.VerifyIncomplete, "INCOMPLETE"},
		},
		{
			name: "unstable",
			report: &runner.VerificationReport{
				Recommendation: "UNSTABLE",
				Steps: []runner.VerificationStep{
					{Step: 1, Description: "Run each test 10 times in one process.", Runs: 1, Result: runner.VerifyFail, FailedTests: []string{"dom/test_a.html"}},
				},
				Tests: []runner.VerificationResult{{
					TestName: "dom/test_a.html",
					Steps:    []runner.VerificationStep{{Step: 1, Runs: 1, Result: runner.VerifyFail}},
				}},
			},
			want: []string{"FAIL (dom/test_a.html)", "UNSTABLE"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewTableFormatter("", false).FormatVerification(tt.report)
			for _, want := range tt.want {
				assert.Contains(t, strings.ToUpper(out), strings.ToUpper(want))
			}
		})
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.txt")
	require.NoError(t, NewFileWriter(path).Write("hello"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStreamWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewStreamWriter(&buf).Write("table"))
	assert.Equal(t, "table", buf.String())
}
