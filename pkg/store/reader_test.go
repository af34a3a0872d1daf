package store

import (
	"context"
	"testing"

	"lsmkv/pkg/clock"
	"lsmkv/pkg/entry"
	"lsmkv/pkg/persistance"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func installSegments(t *testing.T, batches map[int][]map[string]entry.Entry) (*StateManager, *reader) {
	t.Helper()
	factory := persistance.NewSegmentFactory(t.TempDir(), clock.NewAtomic(0), 0.01, 1)

	builder := persistance.NewSegmentLevelMultiMap().ToBuilder()
	for level, maps := range batches {
		for _, m := range maps {
			seg, err := factory.Create(m, level)
			require.NoError(t, err)
			t.Cleanup(func() { _ = seg.Close() })
			builder.Add(seg)
		}
	}

	states := NewStateManager()
	view := states.LockCurrentState()
	require.NoError(t, states.UpdateCurrentState(view, newTestMemtable(t), builder.Build()))
	view.Release()
	return states, &reader{states: states}
}

func TestReader_LowerLevelWins(t *testing.T) {
	_, r := installSegments(t, map[int][]map[string]entry.Entry{
		1: {{"k": entry.New(100, "k", "older")}},
		0: {{"k": entry.New(200, "k", "newer")}},
	})

	e, ok, err := r.Read(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "newer", e.Value)
}

func TestReader_HighestTimestampWithinLevel(t *testing.T) {
	_, r := installSegments(t, map[int][]map[string]entry.Entry{
		0: {
			{"k": entry.New(300, "k", "newest")},
			{"k": entry.New(100, "k", "oldest"), "j": entry.New(100, "j", "j")},
			{"k": entry.New(200, "k", "middle")},
		},
	})

	e, ok, err := r.Read(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "newest", e.Value)

	e, ok, err = r.Read(context.Background(), "j")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j", e.Value)
}

func TestReader_TieGoesToNewerSegment(t *testing.T) {
	_, r := installSegments(t, map[int][]map[string]entry.Entry{
		0: {
			{"k": entry.New(100, "k", "first")},
			{"k": entry.New(100, "k", "second")},
		},
	})

	e, ok, err := r.Read(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", e.Value)
}

func TestReader_TombstoneStopsSearch(t *testing.T) {
	_, r := installSegments(t, map[int][]map[string]entry.Entry{
		0: {{"k": entry.NewTombstone(200, "k")}},
		1: {{"k": entry.New(100, "k", "live")}},
	})

	e, ok, err := r.Read(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Tombstone)
}

func TestReader_MemtableFirst(t *testing.T) {
	states, r := installSegments(t, map[int][]map[string]entry.Entry{
		0: {{"k": entry.New(100, "k", "segment")}},
	})

	view := states.CurrentState()
	require.NoError(t, view.Memtable().Write(entry.New(50, "k", "memtable")))
	view.Release()

	e, ok, err := r.Read(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "memtable", e.Value)
}
