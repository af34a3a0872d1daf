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
	"lsmkv/pkg/listener"
	"lsmkv/pkg/persistance"
	"sync"
	"time"
)

type iTimeProvider interface {
	Now() time.Time
}

// Store is the engine facade: point reads, writes and deletes over an LSM tree
// with a background compactor.
type Store struct {
	tp       iTimeProvider
	interval time.Duration

	states    *StateManager
	reader    *reader
	writer    *writer
	compactor *compactor

	mu        sync.Mutex
	scheduler *listener.Listener[time.Time]
}

// New opens (or truncates, per cfg.LoadMode) the store at cfg.Path. The
// background compactor is not running until Start.
func New(cfg *config.DB, tp iTimeProvider) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}

	numbers := clock.NewAtomic(0)
	factory := persistance.NewSegmentFactory(cfg.Path, numbers, cfg.BloomFilter.FPRate, cfg.Segment.IndexStride)
	states := NewStateManager()

	l := &loader{
		dir:      cfg.Path,
		loadMode: cfg.LoadMode,
		factory:  factory,
		numbers:  numbers,
	}
	if err := l.Load(states); err != nil {
		return nil, err
	}

	return &Store{
		tp:        tp,
		interval:  cfg.Compactor.Interval,
		states:    states,
		reader:    &reader{states: states},
		writer:    &writer{states: states},
		compactor: newCompactor(cfg, states, factory, numbers),
	}, nil
}

// Start runs the compactor every configured interval until ctx ends or Close.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return
	}

	s.scheduler = listener.NewTicker("compactor", s.interval, func(time.Time) error {
		err := s.compactor.Run(ctx)
		if isCompactionRunning(err) {
			return nil
		}
		return err
	})
	s.scheduler.Start(ctx)
}

// Read returns the value stored for key. A deleted or never written key is
// reported as absent, not as an error.
func (s *Store) Read(key string) (string, bool, error) {
	if key == "" {
		return "", false, fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}

	e, ok, err := s.reader.Read(context.Background(), key)
	if err != nil {
		return "", false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if !ok || e.Tombstone {
		return "", false, nil
	}
	return e.Value, true, nil
}

func (s *Store) Write(key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	if err := s.writer.Write(entry.New(s.now(), key, value)); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	if err := s.writer.Write(entry.NewTombstone(s.now(), key)); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Compact runs one compactor cycle now.
func (s *Store) Compact(ctx context.Context) error {
	return s.compactor.Run(ctx)
}

func (s *Store) now() int64 {
	return s.tp.Now().Unix()
}

type LevelStats struct {
	Level    int   `json:"level"`
	Segments int   `json:"segments"`
	Bytes    int64 `json:"bytes"`
}

type Stats struct {
	MemtableBytes   int64        `json:"memtable_bytes"`
	MemtableEntries int          `json:"memtable_entries"`
	Levels          []LevelStats `json:"levels"`
}

func (s *Store) Stats() (Stats, error) {
	view := s.states.CurrentState()
	defer view.Release()

	if view.Closed() {
		return Stats{}, dberrors.ErrClosed
	}

	segments := view.Segments()
	stats := Stats{
		MemtableBytes:   view.Memtable().NumBytesSize(),
		MemtableEntries: view.Memtable().Len(),
		Levels:          []LevelStats{},
	}
	for _, level := range segments.SegmentLevels() {
		stats.Levels = append(stats.Levels, LevelStats{
			Level:    level,
			Segments: len(segments.SegmentsInLevel(level)),
			Bytes:    segments.NumBytesSizeOfSegmentLevel(level),
		})
	}
	return stats, nil
}

// Close stops the compactor and releases every file. Unflushed writes stay
// in the WAL and are replayed on the next load.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.scheduler != nil {
		s.scheduler.Stop()
		s.scheduler = nil
	}
	s.mu.Unlock()

	view := s.states.LockCurrentState()
	defer view.Release()

	if view.Closed() {
		return nil
	}
	if err := s.states.markClosed(view); err != nil {
		return err
	}

	var errs []error
	if err := view.Memtable().Close(); err != nil {
		errs = append(errs, err)
	}
	for _, seg := range view.Segments().Segments() {
		if err := seg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close store: %w", errors.Join(errs...))
	}

	slog.Info("store closed")
	return nil
}
