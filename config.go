package harness

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/op-harness/addons/command"
	"github.com/ethereum-optimism/op-harness/flags"
	"github.com/ethereum-optimism/op-harness/runner"
	"github.com/ethereum-optimism/op-harness/service"
	"github.com/ethereum-optimism/op-harness/testplan"
)

// Config holds the application configuration
type Config struct {
	AppBinary  string
	AppArgs    []string
	AppEnv     []string
	AppDir     string
	TestURL    string
	ScratchDir string
	PlanFile   string
	Plan       *testplan.Plan

	Mode            runner.Mode
	Timeout         time.Duration // Idle timeout of the application output, 0 disables it
	Interactive     bool
	Repeat          int
	RunUntilFailure bool
	RunByManifest   bool
	VerifyMaxTime   time.Duration

	CrashAsPass  bool
	AllowZombies bool

	LeakCheck     bool
	ShutdownLeaks bool
	LSANLeaks     bool
	LSANAllowed   []string

	Structured         bool
	Buffering          bool
	BufferingThreshold int

	ScreenshotCommand []string // Utility and its leading arguments
	ScreenshotOnFail  bool
	DiagnosticCapture time.Duration
	KillGrace         time.Duration

	AuxServers []command.Config
	LogDir     string // Directory for raw event logs, screenshots and reports
	StripANSI  bool

	// Service is nil when metrics are disabled
	Service *service.Config

	// Out receives the text log and the result tables. Defaults to os.Stdout.
	Out io.Writer

	Log log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	appBinary, err := filepath.Abs(ctx.String(flags.AppBinary.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for application '%s': %w", ctx.String(flags.AppBinary.Name), err)
	}
	planFile, err := filepath.Abs(ctx.String(flags.Plan.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for test plan '%s': %w", ctx.String(flags.Plan.Name), err)
	}
	plan, err := testplan.Load(planFile)
	if err != nil {
		return nil, err
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir == "" {
		logDir = "logs"
	}
	logDir, err = filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
	}

	mode, err := runner.ParseMode(ctx.String(flags.Mode.Name))
	if err != nil {
		return nil, err
	}

	appEnv := ctx.StringSlice(flags.AppEnv.Name)
	for _, kv := range appEnv {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return nil, fmt.Errorf("invalid application environment %q, expected KEY=VALUE", kv)
		}
	}

	var auxServers []command.Config
	for _, spec := range ctx.StringSlice(flags.AuxServers.Name) {
		cfg, err := ParseAuxServer(spec)
		if err != nil {
			return nil, err
		}
		auxServers = append(auxServers, cfg)
	}

	if ctx.Int(flags.Repeat.Name) < 0 {
		return nil, errors.New("repeat cannot be negative")
	}
	if mode == runner.ModeVerify && ctx.IsSet(flags.Repeat.Name) {
		log.Warn("Repeat is ignored in verify mode")
	}

	var svcCfg *service.Config
	if metricsCfg := opmetrics.ReadCLIConfig(ctx); metricsCfg.Enabled {
		if err := metricsCfg.Check(); err != nil {
			return nil, fmt.Errorf("invalid metrics config: %w", err)
		}
		cfg := service.DefaultConfig()
		cfg.MetricsAddr = net.JoinHostPort(metricsCfg.ListenAddr, strconv.Itoa(metricsCfg.ListenPort))
		svcCfg = &cfg
	}

	return &Config{
		AppBinary:          appBinary,
		AppArgs:            ctx.StringSlice(flags.AppArgs.Name),
		AppEnv:             appEnv,
		AppDir:             ctx.String(flags.AppDir.Name),
		TestURL:            ctx.String(flags.TestURL.Name),
		ScratchDir:         ctx.String(flags.ScratchDir.Name),
		PlanFile:           planFile,
		Plan:               plan,
		Mode:               mode,
		Timeout:            ctx.Duration(flags.Timeout.Name),
		Interactive:        ctx.Bool(flags.Interactive.Name),
		Repeat:             ctx.Int(flags.Repeat.Name),
		RunUntilFailure:    ctx.Bool(flags.RunUntilFailure.Name),
		RunByManifest:      ctx.Bool(flags.RunByManifest.Name),
		VerifyMaxTime:      ctx.Duration(flags.VerifyMaxTime.Name),
		CrashAsPass:        ctx.Bool(flags.CrashAsPass.Name),
		AllowZombies:       ctx.Bool(flags.AllowZombies.Name),
		LeakCheck:          ctx.Bool(flags.LeakCheck.Name),
		ShutdownLeaks:      ctx.Bool(flags.ShutdownLeaks.Name),
		LSANLeaks:          ctx.Bool(flags.LSANLeaks.Name),
		LSANAllowed:        ctx.StringSlice(flags.LSANAllowed.Name),
		Structured:         ctx.Bool(flags.Structured.Name),
		Buffering:          ctx.Bool(flags.Buffering.Name),
		BufferingThreshold: ctx.Int(flags.BufferingThreshold.Name),
		ScreenshotCommand:  strings.Fields(ctx.String(flags.ScreenshotCommand.Name)),
		ScreenshotOnFail:   ctx.Bool(flags.ScreenshotOnFail.Name),
		DiagnosticCapture:  ctx.Duration(flags.DiagnosticCapture.Name),
		KillGrace:          ctx.Duration(flags.KillGrace.Name),
		AuxServers:         auxServers,
		LogDir:             logDir,
		StripANSI:          ctx.Bool(flags.StripANSI.Name),
		Service:            svcCfg,
		Log:                log,
	}, nil
}

// ParseAuxServer parses 'name[@host:port]=command args'. The address, when
// given, is polled until the server accepts connections.
func ParseAuxServer(spec string) (command.Config, error) {
	head, cmdline, ok := strings.Cut(spec, "=")
	if !ok {
		return command.Config{}, fmt.Errorf("invalid aux server %q, expected name[@host:port]=command", spec)
	}
	name, addr, _ := strings.Cut(strings.TrimSpace(head), "@")
	if name == "" {
		return command.Config{}, fmt.Errorf("aux server %q has no name", spec)
	}
	if addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return command.Config{}, fmt.Errorf("aux server %s has invalid address %q: %w", name, addr, err)
		}
	}
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return command.Config{}, fmt.Errorf("aux server %s has no command", name)
	}
	return command.Config{
		Name:      name,
		Binary:    fields[0],
		Args:      fields[1:],
		ReadyAddr: addr,
	}, nil
}
