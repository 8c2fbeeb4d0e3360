// Package runner executes external commands for the harness.
//
// Every command runs in its own process group so that a timeout or a
// cancelled context terminates the command together with anything it
// spawned. A non-zero exit status is reported in Result.ExitCode and is
// never an error; only failures to start the command (LaunchError), an
// expired timeout (TimeoutError), or cancellation of the caller's context
// are returned as errors.
package runner
