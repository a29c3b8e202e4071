package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/op-harness/runner"
)

const EnvVarPrefix = "OP_HARNESS"

var (
	AppBinary = &cli.StringFlag{
		Name:     "app",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "APP"),
		Usage:    "Path to the application under test",
	}
	Plan = &cli.StringFlag{
		Name:     "plan",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "PLAN"),
		Usage:    "Path to the resolved test plan (eg. 'plan.yaml')",
	}
	AppArgs = &cli.StringSliceFlag{
		Name:    "app-arg",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "APP_ARG"),
		Usage:   "Extra argument passed to the application. May be repeated.",
	}
	AppEnv = &cli.StringSliceFlag{
		Name:    "app-env",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "APP_ENV"),
		Usage:   "Extra KEY=VALUE environment for the application. May be repeated.",
	}
	AppDir = &cli.StringFlag{
		Name:    "app-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "APP_DIR"),
		Usage:   "Working directory of the application",
	}
	TestURL = &cli.StringFlag{
		Name:    "test-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_URL"),
		Usage:   "URL the application loads to start the tests",
	}
	ScratchDir = &cli.StringFlag{
		Name:    "scratch-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SCRATCH_DIR"),
		Usage:   "Directory for temporary profiles. Defaults to the system temp dir.",
	}
	Mode = &cli.StringFlag{
		Name:    "mode",
		Value:   string(runner.ModeDefault),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MODE"),
		Usage:   "Run mode: default, bisect, restart or verify",
		Action: func(_ *cli.Context, v string) error {
			_, err := runner.ParseMode(v)
			return err
		},
	}
	Timeout = &cli.DurationFlag{
		Name:    "timeout",
		Value:   runner.DefaultTimeout,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TIMEOUT"),
		Usage:   "Idle timeout of the application output. 0 disables it.",
	}
	Interactive = &cli.BoolFlag{
		Name:    "interactive",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INTERACTIVE"),
		Usage:   "A debugger is attached, disable the idle timeout",
	}
	Repeat = &cli.IntFlag{
		Name:    "repeat",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REPEAT"),
		Usage:   "Number of extra in-process repetitions of the tests",
	}
	RunUntilFailure = &cli.BoolFlag{
		Name:    "run-until-failure",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_UNTIL_FAILURE"),
		Usage:   "Stop repeating after the first failure",
	}
	RunByManifest = &cli.BoolFlag{
		Name:    "run-by-manifest",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_BY_MANIFEST"),
		Usage:   "Start a new application process for every manifest",
	}
	VerifyMaxTime = &cli.DurationFlag{
		Name:    "verify-max-time",
		Value:   time.Hour,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "VERIFY_MAX_TIME"),
		Usage:   "Maximum time spent in verify mode. 0 means no limit.",
	}
	CrashAsPass = &cli.BoolFlag{
		Name:    "crash-as-pass",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CRASH_AS_PASS"),
		Usage:   "The tests are expected to crash the application",
	}
	AllowZombies = &cli.BoolFlag{
		Name:    "allow-zombies",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALLOW_ZOMBIES"),
		Usage:   "Kill leftover child processes without failing the run",
	}
	LeakCheck = &cli.BoolFlag{
		Name:    "leak-check",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LEAK_CHECK"),
		Usage:   "Have the application write bloat logs and check them against the plan thresholds",
	}
	ShutdownLeaks = &cli.BoolFlag{
		Name:    "shutdown-leaks",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHUTDOWN_LEAKS"),
		Usage:   "Report windows and docshells alive until shutdown",
	}
	LSANLeaks = &cli.BoolFlag{
		Name:    "lsan-leaks",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LSAN_LEAKS"),
		Usage:   "Report LeakSanitizer leaks",
	}
	LSANAllowed = &cli.StringSliceFlag{
		Name:    "lsan-allowed",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LSAN_ALLOWED"),
		Usage:   "Frame that makes a LeakSanitizer leak acceptable. May be repeated.",
	}
	Structured = &cli.BoolFlag{
		Name:    "structured",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STRUCTURED"),
		Usage:   "The application writes structured log events",
	}
	Buffering = &cli.BoolFlag{
		Name:    "buffering",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BUFFERING"),
		Usage:   "Hold passing test output and only show it around failures",
	}
	BufferingThreshold = &cli.IntFlag{
		Name:    "buffering-threshold",
		Value:   100,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BUFFERING_THRESHOLD"),
		Usage:   "Number of buffered lines shown before a failure",
	}
	ScreenshotCommand = &cli.StringFlag{
		Name:    "screenshot-command",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SCREENSHOT_COMMAND"),
		Usage:   "Utility invoked with an output path to capture the screen",
	}
	ScreenshotOnFail = &cli.BoolFlag{
		Name:    "screenshot-on-fail",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SCREENSHOT_ON_FAIL"),
		Usage:   "Capture the screen on the first failure instead of the first test timeout",
	}
	DiagnosticCapture = &cli.DurationFlag{
		Name:    "diagnostic-capture",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DIAGNOSTIC_CAPTURE"),
		Usage:   "Time given to the application to dump diagnostics before it is killed on timeout",
	}
	KillGrace = &cli.DurationFlag{
		Name:    "kill-grace",
		Value:   runner.DefaultKillGrace,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "KILL_GRACE"),
		Usage:   "Time to wait for killed processes to exit",
	}
	AuxServers = &cli.StringSliceFlag{
		Name:    "aux-server",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "AUX_SERVER"),
		Usage:   "Auxiliary server as 'name[@host:port]=command args'. May be repeated.",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory to store raw event logs and reports",
	}
	StripANSI = &cli.BoolFlag{
		Name:    "strip-ansi",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STRIP_ANSI"),
		Usage:   "Strip ANSI escape sequences from the text log",
	}
)

var requiredFlags = []cli.Flag{
	AppBinary,
	Plan,
}

var optionalFlags = []cli.Flag{
	AppArgs,
	AppEnv,
	AppDir,
	TestURL,
	ScratchDir,
	Mode,
	Timeout,
	Interactive,
	Repeat,
	RunUntilFailure,
	RunByManifest,
	VerifyMaxTime,
	CrashAsPass,
	AllowZombies,
	LeakCheck,
	ShutdownLeaks,
	LSANLeaks,
	LSANAllowed,
	Structured,
	Buffering,
	BufferingThreshold,
	ScreenshotCommand,
	ScreenshotOnFail,
	DiagnosticCapture,
	KillGrace,
	AuxServers,
	LogDir,
	StripANSI,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
