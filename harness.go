package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/ethereum-optimism/op-harness/addons"
	"github.com/ethereum-optimism/op-harness/logging"
	"github.com/ethereum-optimism/op-harness/metrics"
	"github.com/ethereum-optimism/op-harness/reporting"
	"github.com/ethereum-optimism/op-harness/runner"
	"github.com/ethereum-optimism/op-harness/service"
)

// harness implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &harness{}

// harness runs the test plan against the application once and exits.
type harness struct {
	config  *Config
	version string
	runID   string
	out     io.Writer

	rawSink    *logging.RawJSONSink
	addons     *addons.AddonsManager
	service    *service.Service
	controller *runner.Controller
	reporters  []reporting.ReportWriter

	summary *runner.Summary

	running   atomic.Bool
	closeOnce sync.Once

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*harness, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Plan == nil {
		return nil, errors.New("test plan is required")
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}
	out := config.Out
	if out == nil {
		out = os.Stdout
	}
	logger := config.Log

	runID := uuid.New().String()
	logger.Debug("Creating harness",
		"runID", runID,
		"app", config.AppBinary,
		"plan", config.PlanFile,
		"mode", config.Mode,
		"tests", len(config.Plan.Tests))

	rawSink, err := logging.NewRawJSONSink(config.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw event log: %w", err)
	}
	runDir := filepath.Dir(rawSink.Path())
	sink := logging.MultiSink{logging.NewTextSink(out, config.StripANSI), rawSink}

	var screenshotter runner.Screenshotter
	if len(config.ScreenshotCommand) > 0 {
		screenshotter = runner.NewCommandScreenshotter(logger, config.ScreenshotCommand[0],
			config.ScreenshotCommand[1:], filepath.Join(runDir, "screenshots"), 0)
	}

	supervisor, err := runner.NewSupervisor(runner.SupervisorConfig{
		Logger:              logger,
		Sink:                sink,
		Structured:          config.Structured,
		Buffering:           config.Buffering,
		BufferingThreshold:  config.BufferingThreshold,
		Screenshotter:       screenshotter,
		ScreenshotOnFail:    config.ScreenshotOnFail,
		ScreenshotOnTimeout: !config.ScreenshotOnFail,
		ShutdownLeaks:       config.ShutdownLeaks,
		LSANLeaks:           config.LSANLeaks,
		LSANAllowed:         config.LSANAllowed,
		LeakThresholds:      config.Plan.Thresholds(),
		CrashAsPass:         config.CrashAsPass,
		AllowZombies:        config.AllowZombies,
		DiagnosticCapture:   config.DiagnosticCapture,
		KillGrace:           config.KillGrace,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create supervisor: %w", err), rawSink.Close())
	}

	launcher, err := runner.NewStaticLauncher(runner.StaticLauncherConfig{
		Logger:      logger,
		Binary:      config.AppBinary,
		Args:        config.AppArgs,
		Env:         append(os.Environ(), config.AppEnv...),
		Dir:         config.AppDir,
		TestURL:     config.TestURL,
		ScratchDir:  config.ScratchDir,
		LeakLog:     config.LeakCheck,
		Interactive: config.Interactive,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create launcher: %w", err), rawSink.Close())
	}

	controller, err := runner.NewController(runner.ControllerConfig{
		Logger:          logger,
		Runner:          supervisor,
		Launcher:        launcher,
		Tests:           config.Plan.Tests,
		Mode:            config.Mode,
		RunID:           runID,
		Timeout:         config.Timeout,
		Repeat:          config.Repeat,
		RunUntilFailure: config.RunUntilFailure,
		RunByManifest:   config.RunByManifest,
		VerifyMaxTime:   config.VerifyMaxTime,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create controller: %w", err), rawSink.Close())
	}

	addonOpts := []addons.Option{addons.WithLogger(logger)}
	for _, aux := range config.AuxServers {
		addonOpts = append(addonOpts, addons.WithCommandServer(aux))
	}
	addonsManager, err := addons.NewAddonsManager(addonOpts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create auxiliary servers: %w", err), rawSink.Close())
	}

	var svc *service.Service
	if config.Service != nil {
		svc = service.New(*config.Service, logger)
	}

	logger.Info("harness.New: created supervisor and controller", "runDir", runDir)

	return &harness{
		config:     config,
		version:    version,
		runID:      runID,
		out:        out,
		rawSink:    rawSink,
		addons:     addonsManager,
		service:    svc,
		controller: controller,
		reporters: []reporting.ReportWriter{
			reporting.NewStreamWriter(out),
			reporting.NewFileWriter(filepath.Join(runDir, "summary.txt")),
		},
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the test plan once.
// Start implements the cliapp.Lifecycle interface.
func (h *harness) Start(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.config.Log.Error("Runtime error occurred", "error", r)
			err = NewRuntimeError(fmt.Errorf("panic: %v", r))
		}
	}()
	defer h.close()

	h.running.Store(true)
	h.config.Log.Info("Starting harness", "version", h.version, "mode", h.config.Mode, "runID", h.runID)

	if h.service != nil {
		h.service.Start(ctx)
	}

	if err := h.addons.Start(ctx); err != nil {
		h.config.Log.Error("Failed to start auxiliary servers", "error", err)
		return NewRuntimeError(err)
	}
	summary, runErr := h.controller.Run(ctx)
	if err := h.addons.Stop(context.WithoutCancel(ctx)); err != nil {
		h.config.Log.Warn("Failed to stop auxiliary servers", "error", err)
	}
	h.summary = summary

	if summary != nil {
		h.report(summary)
	}

	switch {
	case runErr != nil && runner.IsLaunchError(runErr):
		h.recordRun("retry", summary)
		h.config.Log.Error("Application could not be launched", "error", runErr)
		return NewRetryError(runErr)
	case runErr != nil:
		h.recordRun("error", summary)
		h.config.Log.Error("Runtime error running tests", "error", runErr)
		return NewRuntimeError(runErr)
	case !summary.OK():
		h.recordRun("fail", summary)
		h.config.Log.Warn("Test run completed with failures, returning exit code 1")
		return NewTestFailureError(failureMessage(summary))
	}

	h.recordRun("pass", summary)
	h.config.Log.Info("Tests completed, exiting")
	go func() {
		h.shutdownCallback(nil)
	}()
	return nil
}

// Stop interrupts a running invocation.
// Stop implements the cliapp.Lifecycle interface.
func (h *harness) Stop(ctx context.Context) error {
	h.config.Log.Info("Stopping harness")

	if !h.running.Load() {
		h.config.Log.Debug("Harness already stopped, nothing to do")
		h.close()
		return nil
	}
	h.running.Store(false)
	h.controller.Stop()
	h.close()

	h.config.Log.Info("Harness stopped successfully")
	return nil
}

// Stopped implements the cliapp.Lifecycle interface.
func (h *harness) Stopped() bool {
	return !h.running.Load()
}

// Summary returns the outcome of the last run, nil before Start returned.
func (h *harness) Summary() *runner.Summary {
	return h.summary
}

func (h *harness) close() {
	h.closeOnce.Do(func() {
		h.running.Store(false)
		if h.service != nil {
			h.service.Shutdown()
		}
		if err := h.rawSink.Close(); err != nil {
			h.config.Log.Warn("Failed to close raw event log", "path", h.rawSink.Path(), "error", err)
		}
	})
}

// report prints the result tables and stores them next to the raw events.
func (h *harness) report(summary *runner.Summary) {
	formatter := reporting.NewTableFormatter("Test Results", h.out == os.Stdout)
	content := formatter.FormatSummary(summary)
	if summary.Bisection != nil {
		content += formatter.FormatBisection(summary.Bisection)
	}
	if summary.Verification != nil {
		content += formatter.FormatVerification(summary.Verification)
		files, err := runner.SaveVerificationReport(summary.Verification, filepath.Dir(h.rawSink.Path()))
		if err != nil {
			h.config.Log.Error("Failed to save verification report", "error", err)
		}
		for _, f := range files {
			h.config.Log.Info("Saved verification report", "file", f)
		}
	}
	for _, w := range h.reporters {
		if err := w.Write(content); err != nil {
			h.config.Log.Warn("Failed to write report", "error", err)
		}
	}
}

func (h *harness) recordRun(result string, summary *runner.Summary) {
	var d time.Duration
	if summary != nil {
		d = summary.Duration
	}
	metrics.RecordRun(h.runID, result, d)
}

func failureMessage(s *runner.Summary) string {
	switch {
	case s.Stopped:
		return "run was interrupted"
	case s.Bisection != nil:
		if s.Bisection.Culprit != "" {
			return fmt.Sprintf("bisection %s: %s fails after %s", s.Bisection.Outcome, s.Bisection.Failing, s.Bisection.Culprit)
		}
		if s.Bisection.Failing == "" {
			return fmt.Sprintf("bisection %s: full run failed without a failing test", s.Bisection.Outcome)
		}
		return fmt.Sprintf("bisection %s: %s fails", s.Bisection.Outcome, s.Bisection.Failing)
	case s.Verification != nil:
		for _, step := range s.Verification.Steps {
			if step.Result == runner.VerifyFail {
				return fmt.Sprintf("verification step %d failed: %s", step.Step, strings.Join(step.FailedTests, ", "))
			}
		}
		return "verification found unstable tests"
	}
	failedRuns := 0
	for _, inv := range s.Invocations {
		if inv.Failed() {
			failedRuns++
		}
	}
	_, failed, _ := s.Totals()
	return fmt.Sprintf("%d of %d invocations failed, %d unexpected results", failedRuns, len(s.Invocations), failed)
}
