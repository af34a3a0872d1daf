package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/entry"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistance"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type compactor struct {
	states  *StateManager
	factory *persistance.SegmentFactory
	numbers *clock.AtomicClock
	dir     string

	memtableFlushThreshold int64
	levelFlushThreshold    int64
	levelSizeMultiplier    int64

	running atomic.Bool
}

func newCompactor(cfg *config.DB, states *StateManager, factory *persistance.SegmentFactory, numbers *clock.AtomicClock) *compactor {
	return &compactor{
		states:                 states,
		factory:                factory,
		numbers:                numbers,
		dir:                    cfg.Path,
		memtableFlushThreshold: cfg.Memtable.FlushThresholdBytes,
		levelFlushThreshold:    cfg.Segment.LevelFlushThresholdBytes,
		levelSizeMultiplier:    max(cfg.Segment.LevelSizeMultiplier, 1),
	}
}

// Run executes one compaction cycle: flush the memtable if it is over the
// threshold and, if it was flushed, merge every level that outgrew its
// threshold into the next one. Only one cycle runs at a time.
func (c *compactor) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return dberrors.ErrCompactionRunning
	}
	defer c.running.Store(false)

	flushed, err := c.flush()
	if err != nil {
		return fmt.Errorf("failed to flush memtable: %w", err)
	}
	if !flushed {
		return nil
	}

	if err := c.compactLevels(ctx); err != nil {
		return fmt.Errorf("failed to compact levels: %w", err)
	}
	return nil
}

func (c *compactor) flush() (bool, error) {
	view := c.states.LockCurrentState()
	defer view.Release()

	if view.Closed() {
		return false, dberrors.ErrClosed
	}

	mt := view.Memtable()
	if mt.NumBytesSize() < c.memtableFlushThreshold {
		return false, nil
	}

	start := time.Now()
	seg, err := c.factory.CreateFromMemtable(mt)
	if err != nil {
		return false, err
	}

	journal, err := openJournal(c.dir, c.numbers)
	if err != nil {
		c.discard(seg)
		return false, err
	}

	segments := view.Segments().ToBuilder().Add(seg).Build()
	if err := c.states.UpdateCurrentState(view, memtable.New(journal), segments); err != nil {
		c.discard(seg)
		discardJournal(journal)
		return false, err
	}

	if err := mt.Retire(); err != nil {
		slog.Warn("failed to retire flushed WAL", "error", err)
	}

	slog.Info("memtable flushed",
		"segment", seg.Number(),
		"entries", seg.NumEntries(),
		"bytes", seg.NumBytesSize(),
		"duration", time.Since(start))
	return true, nil
}

// threshold is levelFlushThreshold * levelSizeMultiplier^level, saturated.
func (c *compactor) threshold(level int) int64 {
	t := c.levelFlushThreshold
	for i := 0; i < level; i++ {
		if t > math.MaxInt64/c.levelSizeMultiplier {
			return math.MaxInt64
		}
		t *= c.levelSizeMultiplier
	}
	return t
}

func (c *compactor) compactLevels(ctx context.Context) error {
	view := c.states.CurrentState()
	snapshot := view.Segments()
	view.Release()

	var (
		current    = snapshot
		created    []*persistance.Segment
		superseded []*persistance.Segment
	)

	for level := 0; level <= current.MaxLevel(); level++ {
		if current.NumBytesSizeOfSegmentLevel(level) < c.threshold(level) {
			continue
		}

		segments := current.SegmentsInLevel(level)
		// a lone segment at the deepest level would only be rewritten one level down
		if len(segments) == 1 && level > 0 && level == current.MaxLevel() {
			break
		}
		merged, err := mergeSegments(ctx, segments)
		if err != nil {
			c.discard(created...)
			return err
		}
		// nothing older can be shadowed below the deepest level
		if current.MaxLevel() <= level {
			dropTombstones(merged)
		}

		builder := current.ToBuilder().ClearSegmentLevel(level)
		if len(merged) > 0 {
			seg, err := c.factory.Create(merged, level+1)
			if err != nil {
				c.discard(created...)
				return err
			}
			created = append(created, seg)
			builder.Add(seg)
		}

		slog.Info("segment level compacted", "level", level, "segments", len(segments), "entries", len(merged))
		current = builder.Build()
		superseded = append(superseded, segments...)
	}

	if len(superseded) == 0 {
		return nil
	}

	view = c.states.LockCurrentState()
	defer view.Release()

	if view.Closed() {
		c.discard(created...)
		return dberrors.ErrClosed
	}
	if view.Segments() != snapshot {
		c.discard(created...)
		return fmt.Errorf("%w: segment catalog changed during compaction", dberrors.ErrPrecondition)
	}
	if err := c.states.UpdateCurrentState(view, view.Memtable(), current); err != nil {
		c.discard(created...)
		return err
	}

	// no reader can reach superseded segments once the exclusive lock is held
	c.discard(superseded...)
	return nil
}

func (c *compactor) discard(segments ...*persistance.Segment) {
	for _, s := range segments {
		if err := s.Remove(); err != nil {
			slog.Warn("failed to remove segment", "segment", s.Number(), "error", err)
		}
	}
}

// mergeSegments reads every segment concurrently and keeps the newest entry
// per key. segments are ordered by ascending number so ties go to the newer one.
func mergeSegments(ctx context.Context, segments []*persistance.Segment) (map[string]entry.Entry, error) {
	results := make([][]entry.Entry, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range segments {
		g.Go(func() error {
			entries, err := s.ReadAll(gctx)
			if err != nil {
				return err
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read level: %w", err)
	}

	merged := make(map[string]entry.Entry)
	for _, entries := range results {
		for _, e := range entries {
			if prev, ok := merged[e.Key]; !ok || e.Supersedes(prev) {
				merged[e.Key] = e
			}
		}
	}
	return merged, nil
}

func dropTombstones(entries map[string]entry.Entry) {
	for key, e := range entries {
		if e.Tombstone {
			delete(entries, key)
		}
	}
}

func isCompactionRunning(err error) bool {
	return errors.Is(err, dberrors.ErrCompactionRunning)
}
