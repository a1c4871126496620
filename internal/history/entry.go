package history

import "time"

// Entry is one recorded pipeline run.
type Entry struct {
	Seq       uint64    `json:"seq"`
	RunID     string    `json:"run_id"`
	Time      time.Time `json:"ts"`
	PrevHash  string    `json:"prev_hash"`
	Command   string    `json:"command"`   // cat, put, filter, run
	Addresses []string  `json:"addresses"` // as typed
	Plugins   []string  `json:"plugins"`   // stage labels in execution order
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
	Duration  float64   `json:"duration_ms"`
	Cwd       string    `json:"cwd"`
	Hash      string    `json:"hash"` // BLAKE3 of this entry with Hash empty
}

// Run is what the CLI knows about a finished run.
type Run struct {
	ID        string // generated when empty
	Command   string
	Addresses []string
	Plugins   []string
	ExitCode  int
	Err       error
	Duration  time.Duration
	Cwd       string
}
