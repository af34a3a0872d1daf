package store

import (
	"errors"
	"fmt"
	"log/slog"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistance"
	"lsmkv/pkg/wal"
	"os"
)

type loader struct {
	dir      string
	loadMode string
	factory  *persistance.SegmentFactory
	numbers  *clock.AtomicClock
}

// Load rebuilds the memtable and segment catalog from dir and installs them
// into states. In truncate mode every engine file is removed first.
func (l *loader) Load(states *StateManager) error {
	if err := os.MkdirAll(l.dir, 0750); err != nil {
		return fmt.Errorf("%w: failed to create store directory: %w", dberrors.ErrLoad, err)
	}

	if l.loadMode == config.LoadModeTruncate {
		if err := l.truncate(); err != nil {
			return fmt.Errorf("%w: %w", dberrors.ErrLoad, err)
		}
	}
	if err := persistance.RemoveTempFiles(l.dir); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrLoad, err)
	}

	segments, err := l.loadSegments()
	if err != nil {
		return err
	}

	mt, err := l.loadMemtable()
	if err != nil {
		for _, s := range segments.Segments() {
			_ = s.Close()
		}
		return err
	}

	view := states.LockCurrentState()
	defer view.Release()
	if err := states.UpdateCurrentState(view, mt, segments); err != nil {
		return err
	}

	slog.Info("store loaded",
		"path", l.dir,
		"mode", l.loadMode,
		"segments", len(segments.Segments()),
		"memtable_entries", mt.Len())
	return nil
}

func (l *loader) loadSegments() (*persistance.SegmentLevelMultiMap, error) {
	indexes, err := persistance.LoadSegmentIndexes(l.dir)
	if err != nil {
		return nil, err
	}

	paths, err := persistance.SegmentPaths(l.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list segments: %w", dberrors.ErrLoad, err)
	}

	builder := persistance.NewSegmentLevelMultiMap().ToBuilder()
	paired := make(map[uint64]struct{}, len(paths))
	for _, path := range paths {
		seg, err := l.factory.LoadFromPath(path, indexes)
		if err != nil {
			for _, s := range builder.Build().Segments() {
				_ = s.Close()
			}
			return nil, err
		}
		paired[seg.Number()] = struct{}{}
		builder.Add(seg)
	}

	// an index without its segment is left over from an interrupted write
	for number, ix := range indexes {
		if _, ok := paired[number]; ok {
			continue
		}
		orphan := ix.Path()
		slog.Warn("removing orphan index", "path", orphan)
		if err := os.Remove(orphan); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: failed to remove orphan index: %w", dberrors.ErrLoad, err)
		}
		l.numbers.Observe(number)
	}

	return builder.Build(), nil
}

// loadMemtable replays every WAL in creation order. The newest one keeps
// receiving writes; a fresh one is created when there is none.
func (l *loader) loadMemtable() (*memtable.Memtable, error) {
	paths, err := wal.Paths(l.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list WAL files: %w", dberrors.ErrLoad, err)
	}

	logs := make([]*wal.WAL, 0, len(paths))
	closeAll := func() {
		for _, w := range logs {
			_ = w.Close()
		}
	}
	for _, path := range paths {
		if n, ok := wal.ParseFileNumber(path); ok {
			l.numbers.Observe(n)
		}
		w, err := wal.Open(path)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%w: %w", dberrors.ErrLoad, err)
		}
		logs = append(logs, w)
	}

	if len(logs) == 0 {
		journal, err := openJournal(l.dir, l.numbers)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", dberrors.ErrLoad, err)
		}
		return memtable.New(journal), nil
	}

	mt, err := memtable.Recover(logs[len(logs)-1], logs[:len(logs)-1]...)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("%w: %w", dberrors.ErrLoad, err)
	}
	return mt, nil
}

func (l *loader) truncate() error {
	segments, err := persistance.SegmentPaths(l.dir)
	if err != nil {
		return err
	}
	indexes, err := persistance.IndexPaths(l.dir)
	if err != nil {
		return err
	}
	logs, err := wal.Paths(l.dir)
	if err != nil {
		return err
	}

	var errs []error
	for _, path := range append(append(segments, indexes...), logs...) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to truncate store: %w", err)
	}

	slog.Info("store truncated", "path", l.dir, "removed", len(segments)+len(indexes)+len(logs))
	return nil
}
