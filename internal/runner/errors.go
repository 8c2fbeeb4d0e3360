package runner

import (
	"fmt"
	"strings"
	"time"
)

// LaunchError is returned when a command cannot be found or started.
type LaunchError struct {
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a command outlives its timeout. The
// command's process group has been killed by the time it is returned.
type TimeoutError struct {
	Argv    []string
	Timeout time.Duration
	// Partial output captured before the kill.
	Stdout []byte
	Stderr []byte
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%q timed out after %s", strings.Join(e.Argv, " "), e.Timeout)
}
