package runner

import "time"

// Supervision constants
const (
	// MessageDelimiter separates structured fragments written on one line.
	MessageDelimiter = "\ue175\uee31\u2c32\uacbf"

	// DefaultTimeout is the default idle timeout of the AUT output stream
	DefaultTimeout = 330 * time.Second

	// DefaultKillGrace bounds each wait of the kill escalation
	DefaultKillGrace = 30 * time.Second

	// DefaultDiagnosticCapture is how long the AUT gets to react to each
	// diagnostic signal before it is killed
	DefaultDiagnosticCapture = 10 * time.Second

	// DefaultDrainTimeout bounds reading the pipe after the AUT exited
	DefaultDrainTimeout = 5 * time.Second

	// DefaultScreenshotTimeout bounds the screenshot utility
	DefaultScreenshotTimeout = 10 * time.Second

	// maxLineBytes is the largest chunk of one output line handed to the parser
	maxLineBytes = 16 * 1024 * 1024

	// Environment handed to the AUT
	ProcessLogEnv  = "MOZ_PROCESS_LOG"
	LeakLogEnv     = "XPCOM_MEM_BLOAT_LOG"
	ChaosModeEnv   = "MOZ_CHAOSMODE"
	ChaosModeValue = "0xfb"

	// Profile layout
	MinidumpsDir      = "minidumps"
	TestsManifestFile = "tests.json"

	// Verification repeat counts
	VerifyRepeat              = 10
	VerifyRepeatSingleBrowser = 5

	// Messages of synthesized results
	ShutdownMidTestMessage = "Application shut down (without crashing) in the middle of a test!"
	TimeoutMessageFormat   = "application timed out after %d seconds with no output"
	ZombieCheckTest        = "zombiecheck"
	LeakCheckTest          = "leakcheck"
)
