// Package history keeps an append-only, hash-chained JSONL record of
// pipeline runs. Each entry carries the hash of its predecessor, so edits
// and deletions are detectable with Verify.
package history

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const genesisInput = "jn-history-genesis"

// Logger appends entries to a history file.
type Logger struct {
	mu       sync.Mutex
	path     string
	seq      uint64
	prevHash string
}

// NewLogger opens or creates the history at path, resuming the chain from
// its last entry.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	l := &Logger{path: path, prevHash: genesisHash()}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if lines := splitLines(data); len(lines) > 0 {
		var last Entry
		if err := json.Unmarshal(lines[len(lines)-1], &last); err != nil {
			return nil, fmt.Errorf("history %s: last entry: %w", path, err)
		}
		l.seq = last.Seq
		l.prevHash = last.Hash
	}
	return l, nil
}

// Record appends r and returns the entry written.
func (l *Logger) Record(r Run) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		RunID:     r.ID,
		Time:      time.Now().UTC(),
		PrevHash:  l.prevHash,
		Command:   r.Command,
		Addresses: r.Addresses,
		Plugins:   r.Plugins,
		ExitCode:  r.ExitCode,
		Duration:  float64(r.Duration.Microseconds()) / 1000.0,
		Cwd:       r.Cwd,
	}
	if e.RunID == "" {
		e.RunID = uuid.NewString()
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	e.Hash = computeHash(e)

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal history entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Entry{}, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return Entry{}, fmt.Errorf("write history entry: %w", err)
	}

	l.seq = e.Seq
	l.prevHash = e.Hash
	return e, nil
}

func (l *Logger) Path() string { return l.path }

func genesisHash() string {
	h := blake3.Sum256([]byte(genesisInput))
	return hex.EncodeToString(h[:])
}

func computeHash(e Entry) string {
	e.Hash = ""
	data, _ := json.Marshal(e)
	h := blake3.Sum256(data)
	return hex.EncodeToString(h[:])
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}
