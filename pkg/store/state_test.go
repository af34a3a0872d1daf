package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistance"
	"lsmkv/pkg/wal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemtable(t *testing.T) *memtable.Memtable {
	t.Helper()
	w, err := wal.Open(filepath.Join(t.TempDir(), wal.FileName(1)))
	require.NoError(t, err)
	mt := memtable.New(w)
	t.Cleanup(func() { _ = mt.Close() })
	return mt
}

func TestStateManager_UpdateRequiresExclusiveLock(t *testing.T) {
	m := NewStateManager()
	mt := newTestMemtable(t)
	segments := persistance.NewSegmentLevelMultiMap()

	shared := m.CurrentState()
	err := m.UpdateCurrentState(shared, mt, segments)
	assert.ErrorIs(t, err, dberrors.ErrPrecondition)
	shared.Release()

	assert.ErrorIs(t, m.UpdateCurrentState(nil, mt, segments), dberrors.ErrPrecondition)

	view := m.LockCurrentState()
	assert.ErrorIs(t, m.UpdateCurrentState(view, nil, segments), dberrors.ErrPrecondition)
	assert.ErrorIs(t, m.UpdateCurrentState(view, mt, nil), dberrors.ErrPrecondition)
	require.NoError(t, m.UpdateCurrentState(view, mt, segments))
	assert.Same(t, mt, view.Memtable())
	view.Release()

	// a released view no longer owns the lock
	assert.ErrorIs(t, m.UpdateCurrentState(view, mt, segments), dberrors.ErrPrecondition)

	reader := m.CurrentState()
	defer reader.Release()
	assert.Same(t, mt, reader.Memtable())
	assert.Same(t, segments, reader.Segments())
}

func TestStateManager_SharedViewsDoNotBlockEachOther(t *testing.T) {
	m := NewStateManager()

	first := m.CurrentState()
	second := m.CurrentState()
	second.Release()
	first.Release()
	first.Release()
}

func TestStateManager_ExclusiveBlocksReaders(t *testing.T) {
	m := NewStateManager()
	view := m.LockCurrentState()

	acquired := make(chan struct{})
	go func() {
		r := m.CurrentState()
		r.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("shared view acquired while exclusive lock is held")
	case <-time.After(20 * time.Millisecond):
	}

	view.Release()
	<-acquired
}

func TestStateManager_ConcurrentUpdates(t *testing.T) {
	m := NewStateManager()
	mt := newTestMemtable(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view := m.LockCurrentState()
			defer view.Release()
			assert.NoError(t, m.UpdateCurrentState(view, mt, persistance.NewSegmentLevelMultiMap()))
		}()
	}
	wg.Wait()
}
