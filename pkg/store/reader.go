package store

import (
	"context"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/entry"
	"lsmkv/pkg/persistance"

	"golang.org/x/sync/errgroup"
)

type reader struct {
	states *StateManager
}

// Read returns the freshest entry for key, tombstones included. The memtable
// is checked first, then levels from newest to oldest; the first hit wins.
func (r *reader) Read(ctx context.Context, key string) (entry.Entry, bool, error) {
	view := r.states.CurrentState()
	defer view.Release()

	if view.Closed() {
		return entry.Entry{}, false, dberrors.ErrClosed
	}

	if e, ok := view.Memtable().Read(key); ok {
		return e, true, nil
	}

	segments := view.Segments()
	for _, level := range segments.SegmentLevels() {
		e, ok, err := readLevel(ctx, segments.SegmentsInLevel(level), key)
		if err != nil {
			return entry.Entry{}, false, err
		}
		if ok {
			return e, true, nil
		}
	}

	return entry.Entry{}, false, nil
}

// readLevel queries every candidate segment of one level concurrently and
// keeps the newest hit. segments are ordered by ascending number, so on equal
// timestamps the newer segment wins.
func readLevel(ctx context.Context, segments []*persistance.Segment, key string) (entry.Entry, bool, error) {
	candidates := segments[:0:0]
	for _, s := range segments {
		if s.MightContain(key) {
			candidates = append(candidates, s)
		}
	}

	switch len(candidates) {
	case 0:
		return entry.Entry{}, false, nil
	case 1:
		return candidates[0].ReadEntry(ctx, key)
	}

	type hit struct {
		e  entry.Entry
		ok bool
	}
	hits := make([]hit, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range candidates {
		g.Go(func() error {
			e, ok, err := s.ReadEntry(gctx, key)
			if err != nil {
				return err
			}
			hits[i] = hit{e: e, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return entry.Entry{}, false, err
	}

	var (
		best  entry.Entry
		found bool
	)
	for _, h := range hits {
		if h.ok && (!found || h.e.Supersedes(best)) {
			best, found = h.e, true
		}
	}
	return best, found, nil
}
