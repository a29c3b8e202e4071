package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/ethereum-optimism/op-harness/metrics"
)

// Verification step results
const (
	VerifyPass       = "PASS"
	VerifyFail       = "FAIL"
	VerifyIncomplete = "not run / incomplete"
)

// verifyStep describes one step of the verification sequence.
type verifyStep struct {
	description string
	// freshProcesses is the number of separate invocations. Zero means a
	// single invocation repeating the test in one process.
	freshProcesses int
	chaos          bool
}

var verifySteps = []verifyStep{
	{description: fmt.Sprintf("Run each test %d times in one process.", VerifyRepeat)},
	{description: fmt.Sprintf("Run each test %d times in a new process each time.", VerifyRepeatSingleBrowser), freshProcesses: VerifyRepeatSingleBrowser},
	{description: fmt.Sprintf("Run each test %d times in one process, in chaos mode.", VerifyRepeat), chaos: true},
	{description: fmt.Sprintf("Run each test %d times in a new process each time, in chaos mode.", VerifyRepeatSingleBrowser), freshProcesses: VerifyRepeatSingleBrowser, chaos: true},
}

// VerificationStep is the outcome of one step. At report level it covers the
// whole worklist, inside a VerificationResult it is attributed to one test.
type VerificationStep struct {
	Step        int           `json:"step"`
	Description string        `json:"description"`
	Result      string        `json:"result"`
	Runs        int           `json:"runs"`
	Duration    time.Duration `json:"duration"`
	FailedTests []string      `json:"failed_tests,omitempty"`
	FailureLogs []string      `json:"failure_logs,omitempty"`
}

// VerificationResult attributes the steps to one test
type VerificationResult struct {
	TestName       string             `json:"test_name"`
	Manifest       string             `json:"manifest"`
	Steps          []VerificationStep `json:"steps"`
	Recommendation string             `json:"recommendation"`
}

// VerificationReport contains the complete verification analysis
type VerificationReport struct {
	Date           string               `json:"date"`
	RunID          string               `json:"run_id"`
	MaxTime        time.Duration        `json:"max_time"`
	Incomplete     bool                 `json:"incomplete"`
	Steps          []VerificationStep   `json:"steps"`
	Recommendation string               `json:"recommendation"`
	Tests          []VerificationResult `json:"tests"`
	GeneratedAt    time.Time            `json:"generated_at"`
}

// OK reports whether no step failed. Steps that did not run are not failures.
func (r *VerificationReport) OK() bool {
	if r == nil {
		return false
	}
	for _, s := range r.Steps {
		if s.Result == VerifyFail {
			return false
		}
	}
	return true
}

// verify runs the whole worklist through each verification step in turn and
// stops at the first failing step.
func (c *Controller) verify(ctx context.Context) (*VerificationReport, error) {
	start := time.Now()
	report := &VerificationReport{
		Date:    start.Format("2006-01-02"),
		RunID:   c.cfg.RunID,
		MaxTime: c.cfg.VerifyMaxTime,
	}
	// errs holds the first error per test key for each executed step
	errs := make([]map[string]string, len(verifySteps))
	defer func() {
		report.Recommendation = recommend(report.Steps)
		report.Tests = c.attributeVerification(report.Steps, errs)
		report.GeneratedAt = time.Now()
	}()

	expired := func() bool {
		return c.cfg.VerifyMaxTime > 0 && time.Since(start) > c.cfg.VerifyMaxTime
	}

	failed := false
	for i, step := range verifySteps {
		vs := VerificationStep{Step: i + 1, Description: step.description}
		switch {
		case failed:
			vs.Result = VerifyIncomplete
		case expired():
			vs.Result = VerifyIncomplete
			report.Incomplete = true
		default:
			stepErrs, err := c.verifyStep(ctx, step, &vs)
			errs[i] = stepErrs
			if err != nil {
				report.Steps = append(report.Steps, vs)
				return report, err
			}
			if vs.Result == VerifyFail {
				failed = true
				c.log.Warn("Verification step failed", "step", vs.Step, "failed", vs.FailedTests)
			}
		}
		metrics.RecordVerificationStep(c.cfg.RunID, strconv.Itoa(vs.Step), vs.Result)
		report.Steps = append(report.Steps, vs)
	}
	if report.Incomplete {
		c.log.Warn("Verification time exceeded, some steps were not run", "max_time", c.cfg.VerifyMaxTime)
	}
	return report, nil
}

// verifyStep runs one step over the whole worklist. It returns the errors of
// the failing invocation.
func (c *Controller) verifyStep(ctx context.Context, step verifyStep, vs *VerificationStep) (map[string]string, error) {
	started := time.Now()
	defer func() { vs.Duration = time.Since(started) }()

	env := maps.Clone(c.cfg.ExtraEnv)
	if step.chaos {
		if env == nil {
			env = make(map[string]string)
		}
		env[ChaosModeEnv] = ChaosModeValue
	}
	opts := StepOptions{ExtraEnv: env}
	name := fmt.Sprintf("verify %d", vs.Step)

	runs := 1
	if step.freshProcesses > 0 {
		runs = step.freshProcesses
	} else {
		opts.Repeat = VerifyRepeat
		opts.RunUntilFailure = true
	}

	vs.Result = VerifyPass
	for i := 0; i < runs; i++ {
		inv, err := c.runOnce(ctx, name, c.cfg.Tests, opts, true)
		if err != nil {
			vs.Result = VerifyIncomplete
			return nil, err
		}
		vs.Runs++
		if !inv.Failed() {
			continue
		}
		vs.Result = VerifyFail
		for _, rec := range c.cfg.Tests {
			if _, ok := inv.Errors[rec.Key()]; ok || inv.TestFailed(rec) {
				vs.FailedTests = append(vs.FailedTests, rec.Path)
			}
		}
		vs.FailureLogs = slices.Sorted(maps.Values(inv.Errors))
		if len(vs.FailureLogs) == 0 {
			vs.FailureLogs = append(vs.FailureLogs, inv.Result.String())
		}
		if inv.Result.OutputTail != "" {
			vs.FailureLogs = append(vs.FailureLogs, inv.Result.OutputTail)
		}
		return inv.Errors, nil
	}
	return nil, nil
}

// attributeVerification derives the per-test view of the worklist steps.
func (c *Controller) attributeVerification(steps []VerificationStep, errs []map[string]string) []VerificationResult {
	out := make([]VerificationResult, 0, len(c.cfg.Tests))
	for _, rec := range c.cfg.Tests {
		result := VerificationResult{TestName: rec.Path, Manifest: rec.Manifest}
		for i, s := range steps {
			ts := VerificationStep{
				Step:        s.Step,
				Description: s.Description,
				Result:      s.Result,
				Runs:        s.Runs,
				Duration:    s.Duration,
			}
			if s.Result == VerifyFail {
				ts.Result = VerifyPass
				msg, ok := errs[i][rec.Key()]
				if ok || slices.Contains(s.FailedTests, rec.Path) {
					ts.Result = VerifyFail
					if msg != "" {
						ts.FailureLogs = []string{msg}
					}
				}
			}
			result.Steps = append(result.Steps, ts)
		}
		result.Recommendation = recommend(result.Steps)
		out = append(out, result)
	}
	return out
}

// recommend classifies a sequence of step results.
func recommend(steps []VerificationStep) string {
	recommendation := "STABLE"
	for _, s := range steps {
		switch s.Result {
		case VerifyFail:
			return "UNSTABLE"
		case VerifyIncomplete:
			recommendation = "INCOMPLETE"
		}
	}
	return recommendation
}

// SaveVerificationReport saves the report in both JSON and HTML formats
func SaveVerificationReport(report *VerificationReport, outputDir string) ([]string, error) {
	if report == nil {
		return nil, fmt.Errorf("report cannot be nil")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var savedFiles []string
	var errs []error

	jsonFilename := filepath.Join(outputDir, "verification-report.json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to marshal JSON: %w", err))
	} else if err := os.WriteFile(jsonFilename, data, 0644); err != nil {
		errs = append(errs, fmt.Errorf("failed to write JSON file: %w", err))
	} else {
		savedFiles = append(savedFiles, jsonFilename)
	}

	htmlFilename := filepath.Join(outputDir, "verification-report.html")
	if err := saveVerificationHTML(report, htmlFilename); err != nil {
		errs = append(errs, fmt.Errorf("failed to save HTML report: %w", err))
	} else {
		savedFiles = append(savedFiles, htmlFilename)
	}

	if len(errs) > 0 {
		return savedFiles, fmt.Errorf("failed to save some report formats: %w", errors.Join(errs...))
	}
	return savedFiles, nil
}

const verificationHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Verification Report - {{.Date}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        h1 { color: #333; }
        .summary { background: #f5f5f5; padding: 15px; border-radius: 5px; margin: 20px 0; }
        table { border-collapse: collapse; width: 100%; margin-bottom: 20px; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
        th { background: #4CAF50; color: white; }
        .result-PASS { color: #4CAF50; font-weight: bold; }
        .result-FAIL { color: #f44336; font-weight: bold; }
        .recommendation-STABLE { color: #4CAF50; font-weight: bold; }
        .recommendation-UNSTABLE { color: #f44336; font-weight: bold; }
        .recommendation-INCOMPLETE { color: #ff9800; font-weight: bold; }
        .failure-log { background: #ffebee; padding: 10px; margin: 5px 0; font-family: monospace; font-size: 12px; white-space: pre-wrap; }
    </style>
</head>
<body>
    <h1>Verification Report</h1>
    <div class="summary">
        <p><strong>Date:</strong> {{.Date}}</p>
        <p><strong>Run ID:</strong> {{.RunID}}</p>
        {{if .Incomplete}}<p><strong>Incomplete:</strong> verification time of {{.MaxTime}} exceeded</p>{{end}}
        <p><strong>Worklist:</strong> <span class="recommendation-{{.Recommendation}}">{{.Recommendation}}</span></p>
    </div>
    <h2>Worklist</h2>
    <table>
        <tr><th>Step</th><th>Description</th><th>Runs</th><th>Duration</th><th>Result</th><th>Failed tests</th></tr>
        {{range .Steps}}
        <tr>
            <td>{{.Step}}</td>
            <td>{{.Description}}</td>
            <td>{{.Runs}}</td>
            <td>{{.Duration}}</td>
            <td class="result-{{.Result}}">{{.Result}}
                {{range .FailureLogs}}<div class="failure-log">{{.}}</div>{{end}}
            </td>
            <td>{{range .FailedTests}}{{.}}<br>{{end}}</td>
        </tr>
        {{end}}
    </table>
    {{range .Tests}}
    <h2>{{.TestName}} <span class="recommendation-{{.Recommendation}}">{{.Recommendation}}</span></h2>
    <table>
        <tr><th>Step</th><th>Description</th><th>Runs</th><th>Duration</th><th>Result</th></tr>
        {{range .Steps}}
        <tr>
            <td>{{.Step}}</td>
            <td>{{.Description}}</td>
            <td>{{.Runs}}</td>
            <td>{{.Duration}}</td>
            <td class="result-{{.Result}}">{{.Result}}
                {{range .FailureLogs}}<div class="failure-log">{{.}}</div>{{end}}
            </td>
        </tr>
        {{end}}
    </table>
    {{end}}
</body>
</html>`

func saveVerificationHTML(report *VerificationReport, filename string) error {
	tmpl, err := template.New("report").Parse(verificationHTML)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return tmpl.Execute(file, report)
}
