package store

import (
	"fmt"
	"log/slog"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/wal"
	"path/filepath"
)

// openJournal creates the next numbered WAL in dir.
func openJournal(dir string, numbers *clock.AtomicClock) (*wal.WAL, error) {
	journal, err := wal.Open(filepath.Join(dir, wal.FileName(numbers.Next())))
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	return journal, nil
}

// discardJournal removes a WAL that never became part of the state.
func discardJournal(journal *wal.WAL) {
	if err := journal.Remove(); err != nil {
		slog.Warn("failed to remove unused WAL", "path", journal.Path(), "error", err)
	}
}
