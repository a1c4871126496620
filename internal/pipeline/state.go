package pipeline

import "fmt"

// State is the lifecycle of a stage's process.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateExited
	StateSignaled
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateSignaled:
		return "signaled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// canBecome reports whether s -> to is legal. A stage starts once and
// finishes once.
func (s State) canBecome(to State) bool {
	switch s {
	case StateNotStarted:
		return to == StateRunning
	case StateRunning:
		return to == StateExited || to == StateSignaled
	}
	return false
}

// Done reports whether the stage has finished.
func (s State) Done() bool {
	return s == StateExited || s == StateSignaled
}
