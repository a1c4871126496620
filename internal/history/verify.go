package history

import (
	"encoding/json"
	"fmt"
	"os"
)

// Verify checks the chain in the history at path and describes the first
// break it finds.
func Verify(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	prev := genesisHash()
	var seq uint64
	for i, line := range splitLines(data) {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", i+1, err)
		}
		if e.Seq != seq+1 {
			return fmt.Errorf("line %d: sequence gap: expected %d, got %d", i+1, seq+1, e.Seq)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("line %d: prev_hash mismatch: expected %s, got %s", i+1, short(prev), short(e.PrevHash))
		}
		if computed := computeHash(e); e.Hash != computed {
			return fmt.Errorf("line %d: hash mismatch: expected %s, got %s", i+1, short(computed), short(e.Hash))
		}
		prev = e.Hash
		seq = e.Seq
	}
	return nil
}

// Tail returns up to the last n entries, oldest first. A missing history
// has no entries.
func Tail(path string, n int) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	lines := splitLines(data)
	if n > len(lines) || n <= 0 {
		n = len(lines)
	}
	entries := make([]Entry, 0, n)
	for _, line := range lines[len(lines)-n:] {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
