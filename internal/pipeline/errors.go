package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPipeline is returned when a pipeline has no sources.
	ErrEmptyPipeline = errors.New("pipeline has no sources")

	// ErrTimeout is returned when a run exceeds its deadline.
	ErrTimeout = errors.New("pipeline timed out")
)

// SpawnError means a stage's process could not be started.
type SpawnError struct {
	Index int
	Label string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Index, e.Label, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StageError reports a stage that failed on its own: a nonzero exit or a
// signal the orchestrator did not send. The stage's stderr has already
// reached the user; callers add one line naming the stage and exit with
// ExitCode.
type StageError struct {
	Index    int
	Label    string
	ExitCode int
	Signal   string // set when the process was killed by a signal
}

func (e *StageError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("stage %d (%s) killed by %s", e.Index, e.Label, e.Signal)
	}
	return fmt.Sprintf("stage %d (%s) exited with status %d", e.Index, e.Label, e.ExitCode)
}
