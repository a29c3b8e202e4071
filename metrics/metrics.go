package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/op-harness/types"
)

const (
	MetricsNamespace = "harness"
)

var (
	Debug                bool = true
	validVerdicts             = []types.Verdict{types.VerdictPass, types.VerdictFail, types.VerdictCrash, types.VerdictTimeout}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "invocations_total",
		Help:      "Count of application invocations by verdict",
	}, []string{
		"run_id",
		"mode",
		"verdict",
		"kind",
	})

	invocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "invocation_duration_seconds",
		Help:      "Duration of application invocations",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{
		"mode",
	})

	testResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_results_total",
		Help:      "Test results reported by the application",
	}, []string{
		"run_id",
		"result",
	})

	crashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "crashes_total",
		Help:      "Crash dumps found after invocations",
	}, []string{
		"run_id",
	})

	bisectionOutcome = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "bisection_invocations",
		Help:      "Invocations needed by a bisection, by outcome",
	}, []string{
		"run_id",
		"outcome",
	})

	verificationSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "verification_steps_total",
		Help:      "Verification steps by result",
	}, []string{
		"run_id",
		"step",
		"result",
	})

	runResult = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_result",
		Help:      "Result of a harness run",
	}, []string{
		"run_id",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of a harness run",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordInvocation records the outcome of one application invocation.
func RecordInvocation(runID string, mode string, res *types.RunResult) {
	if res == nil {
		return
	}
	if !isValidVerdict(res.Verdict) {
		log.Error("RecordInvocation - invalid verdict", "verdict", res.Verdict)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "invocations_total",
			"run_id", runID,
			"mode", mode,
			"verdict", res.Verdict,
			"kind", res.Kind)
	}
	invocationsTotal.WithLabelValues(runID, mode, string(res.Verdict), string(res.Kind)).Inc()
	invocationDuration.WithLabelValues(mode).Observe(res.Duration.Seconds())
	testResults.WithLabelValues(runID, "passed").Add(float64(res.Passed))
	testResults.WithLabelValues(runID, "failed").Add(float64(res.Failed))
	testResults.WithLabelValues(runID, "todo").Add(float64(res.Todo))
	if res.CrashCount > 0 {
		crashesTotal.WithLabelValues(runID).Add(float64(res.CrashCount))
	}
}

func RecordBisection(runID string, outcome string, invocations int) {
	bisectionOutcome.WithLabelValues(runID, outcome).Set(float64(invocations))
}

func RecordVerificationStep(runID string, step string, result string) {
	verificationSteps.WithLabelValues(runID, step, result).Inc()
}

func RecordRun(runID string, result string, duration time.Duration) {
	runResult.WithLabelValues(runID, result).Set(1)
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}

func isValidVerdict(v types.Verdict) bool {
	return slices.Contains(validVerdicts, v)
}
