// Package exitcodes defines the standard exit codes used by litfd.
//
// * Success (0): all runs completed and every test passed
// * TestFailure (1): at least one test failed or errored
// * RuntimeErr (2): configuration errors, crashes or other failures of
//   litfd itself
package exitcodes

const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
