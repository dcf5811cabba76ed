package scan

import "fmt"

// SpawnError means the scanner binary could not be started at all.
// The task finalizes FAILED without a partial result.
type SpawnError struct {
	Bin string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("scanner %s failed to start: %v", e.Bin, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// FailedError means the scanner exited non-zero before producing any
// events.
type FailedError struct {
	ExitCode int
	Stderr   string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("scanner exited %d: %s", e.ExitCode, e.Stderr)
}

// PartialError means the scanner exited non-zero after some events
// were already delivered. The task finalizes PARTIAL.
type PartialError struct {
	ExitCode int
	Events   int
	Stderr   string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("scanner exited %d after %d events: %s", e.ExitCode, e.Events, e.Stderr)
}
