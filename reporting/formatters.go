package reporting

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/op-harness/runner"
	"github.com/ethereum-optimism/op-harness/types"
)

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

// ReportWriter defines the interface for writing reports to various destinations
type ReportWriter interface {
	Write(content string) error
}

// FileWriter writes reports to a file
type FileWriter struct {
	path string
}

// NewFileWriter creates a new file writer
func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

// Write writes the content to the file
func (fw *FileWriter) Write(content string) error {
	return os.WriteFile(fw.path, []byte(content), 0644)
}

// StdoutWriter writes reports to stdout, or to the stream it was created with
type StdoutWriter struct {
	w io.Writer
}

// NewStdoutWriter creates a new stdout writer
func NewStdoutWriter() *StdoutWriter {
	return &StdoutWriter{w: os.Stdout}
}

// NewStreamWriter creates a writer printing to w
func NewStreamWriter(w io.Writer) *StdoutWriter {
	return &StdoutWriter{w: w}
}

// Write writes the content to the stream
func (sw *StdoutWriter) Write(content string) error {
	_, err := fmt.Fprint(sw.w, content)
	return err
}

// TableFormatter renders run summaries as ASCII tables
type TableFormatter struct {
	title string
	color bool
}

// NewTableFormatter creates a new table formatter. Colors are only used when
// color is set.
func NewTableFormatter(title string, color bool) *TableFormatter {
	return &TableFormatter{title: title, color: color}
}

func (tf *TableFormatter) newWriter(buf *bytes.Buffer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(buf)
	if tf.title != "" {
		title = fmt.Sprintf("%s: %s", tf.title, title)
	}
	t.SetTitle(title)
	return t
}

func (tf *TableFormatter) setStyle(t table.Writer, ok bool, warn bool) {
	if !tf.color {
		t.SetStyle(table.StyleLight)
		return
	}
	switch {
	case !ok:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case warn:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}
}

// FormatSummary renders one row per invocation.
func (tf *TableFormatter) FormatSummary(s *runner.Summary) string {
	var buf bytes.Buffer
	t := tf.newWriter(&buf, fmt.Sprintf("run %s (%s)", s.RunID, s.Mode))

	t.AppendHeader(table.Row{
		"#", "Step", "Manifest", "Tests", "Duration", "Passed", "Failed", "Todo", "Verdict", "Details",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "#", Align: text.AlignRight},
		{Name: "Manifest", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Todo", Align: text.AlignRight},
		{Name: "Details", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	todo := false
	for _, inv := range s.Invocations {
		res := inv.Result
		todo = todo || res.Todo > 0
		t.AppendRow(table.Row{
			inv.Index,
			inv.Step,
			inv.Manifest,
			len(inv.Tests),
			formatDuration(res.Duration),
			res.Passed,
			res.Failed,
			res.Todo,
			verdictString(res),
			details(res),
		})
	}

	ok := s.OK()
	overall := "PASS"
	if !ok {
		overall = "FAIL"
	}
	if s.Stopped {
		overall = "STOPPED"
	}
	passed, failed, todos := s.Totals()
	t.AppendFooter(table.Row{
		"TOTAL", "", "", "", formatDuration(s.Duration), passed, failed, todos, overall, "",
	})
	tf.setStyle(t, ok, todo)
	t.Render()
	return buf.String()
}

// FormatBisection renders every bisection step and the outcome.
func (tf *TableFormatter) FormatBisection(b *runner.BisectionResult) string {
	var buf bytes.Buffer
	t := tf.newWriter(&buf, "bisection")

	t.AppendHeader(table.Row{"Step", "Tests", "Target failed"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Step", Align: text.AlignRight},
		{Name: "Tests", WidthMax: 100, WidthMaxEnforcer: text.WrapSoft},
	})
	for i, step := range b.Steps {
		t.AppendRow(table.Row{i + 1, strings.Join(step.Tests, "\n"), yesNo(step.Failed)})
	}

	outcome := string(b.Outcome)
	switch b.Outcome {
	case runner.BisectIntrinsic:
		outcome = fmt.Sprintf("%s fails on its own", b.Failing)
	case runner.BisectBleedthrough:
		outcome = fmt.Sprintf("%s fails when run after %s", b.Failing, b.Culprit)
	case runner.BisectInconclusive:
		outcome = fmt.Sprintf("could not isolate why %s fails", b.Failing)
		if b.Failing == "" {
			outcome = "full run failed without a failing test"
		}
	case runner.BisectNoRepro:
		outcome = "no failure reproduced"
	}
	t.AppendFooter(table.Row{"RESULT", outcome, fmt.Sprintf("%d invocation(s)", b.Invocations)})
	tf.setStyle(t, b.Outcome == runner.BisectNoRepro, false)
	t.Render()
	return buf.String()
}

// FormatVerification renders the worklist steps followed by one row per test
// and step.
func (tf *TableFormatter) FormatVerification(r *runner.VerificationReport) string {
	var buf bytes.Buffer
	t := tf.newWriter(&buf, "verification")

	t.AppendHeader(table.Row{"Test", "Step", "Description", "Runs", "Duration", "Result"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Test", AutoMerge: true, WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Step", Align: text.AlignRight},
		{Name: "Runs", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})
	for _, step := range r.Steps {
		result := step.Result
		if len(step.FailedTests) > 0 {
			result = fmt.Sprintf("%s (%s)", result, strings.Join(step.FailedTests, ", "))
		}
		t.AppendRow(table.Row{
			worklistLabel,
			step.Step,
			step.Description,
			step.Runs,
			formatDuration(step.Duration),
			result,
		})
	}
	if len(r.Steps) > 0 {
		t.AppendSeparator()
	}
	for _, res := range r.Tests {
		for _, step := range res.Steps {
			t.AppendRow(table.Row{
				res.TestName,
				step.Step,
				step.Description,
				step.Runs,
				formatDuration(step.Duration),
				step.Result,
			})
		}
		t.AppendSeparator()
	}

	overall := r.Recommendation
	if overall == "" {
		overall = "PASS"
		if !r.OK() {
			overall = "FAIL"
		} else if r.Incomplete {
			overall = "INCOMPLETE"
		}
	}
	t.AppendFooter(table.Row{"TOTAL", "", "", "", "", overall})
	tf.setStyle(t, r.OK(), r.Incomplete)
	t.Render()
	return buf.String()
}

const worklistLabel = "(worklist)"

func verdictString(res *types.RunResult) string {
	if res.Verdict == types.VerdictCrash && res.Expected == types.VerdictCrash {
		return "CRASH (expected)"
	}
	return string(res.Verdict)
}

func details(res *types.RunResult) string {
	var parts []string
	if res.Kind != types.FailureNone && res.Kind != "" && !res.OK() {
		parts = append(parts, fmt.Sprintf("kind=%s", res.Kind))
	}
	if res.LastTestSeen != "" && !res.OK() {
		parts = append(parts, fmt.Sprintf("last=%s", res.LastTestSeen))
	}
	if res.CrashCount > 0 {
		parts = append(parts, fmt.Sprintf("crashes=%d", res.CrashCount))
	}
	for _, pid := range res.Zombies {
		parts = append(parts, fmt.Sprintf("zombie=%d", pid))
	}
	for _, v := range res.LeakViolations {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
