// Package exitcodes defines the standard exit codes used by op-harness.
package exitcodes

// Exit code constants used by op-harness
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when every invocation passed
// * TestFailure (1): Used for test failures, crashes, leaks and zombie processes
// * RuntimeErr (2): Used for runtime errors such as invalid configuration
// * Retry (4): Used when the application could not be launched and the run may be retried
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors
	Retry       = 4 // Infrastructure failure, retry the run
)
