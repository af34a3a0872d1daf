package store

import (
	"fmt"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistance"
	"sync"
	"sync/atomic"
)

// StateManager owns the engine's current state: the active memtable and the
// segment catalog. Both are replaced together, only by the exclusive holder.
type StateManager struct {
	mu    sync.RWMutex
	owner atomic.Pointer[StateView]

	memtable *memtable.Memtable
	segments *persistance.SegmentLevelMultiMap
	closed   bool
}

// StateView is a locked view of the current state. It must be released.
type StateView struct {
	mgr       *StateManager
	exclusive bool
	released  bool
}

func NewStateManager() *StateManager {
	return &StateManager{segments: persistance.NewSegmentLevelMultiMap()}
}

// CurrentState takes the shared lock.
func (m *StateManager) CurrentState() *StateView {
	m.mu.RLock()
	return &StateView{mgr: m}
}

// LockCurrentState takes the exclusive lock.
func (m *StateManager) LockCurrentState() *StateView {
	m.mu.Lock()
	v := &StateView{mgr: m, exclusive: true}
	m.owner.Store(v)
	return v
}

// UpdateCurrentState installs mt and segments. view must be the live exclusive view.
func (m *StateManager) UpdateCurrentState(view *StateView, mt *memtable.Memtable, segments *persistance.SegmentLevelMultiMap) error {
	if view == nil || !view.exclusive || view.released || m.owner.Load() != view {
		return fmt.Errorf("%w: state update without the exclusive lock", dberrors.ErrPrecondition)
	}
	if mt == nil || segments == nil {
		return fmt.Errorf("%w: state update with nil memtable or segments", dberrors.ErrPrecondition)
	}

	m.memtable = mt
	m.segments = segments
	return nil
}

func (m *StateManager) markClosed(view *StateView) error {
	if view == nil || !view.exclusive || view.released || m.owner.Load() != view {
		return fmt.Errorf("%w: close without the exclusive lock", dberrors.ErrPrecondition)
	}
	m.closed = true
	return nil
}

func (v *StateView) Memtable() *memtable.Memtable {
	return v.mgr.memtable
}

func (v *StateView) Segments() *persistance.SegmentLevelMultiMap {
	return v.mgr.segments
}

func (v *StateView) Closed() bool {
	return v.mgr.closed
}

// Release drops the lock. Calling it more than once is a no-op.
func (v *StateView) Release() {
	if v.released {
		return
	}
	v.released = true

	if v.exclusive {
		v.mgr.owner.Store(nil)
		v.mgr.mu.Unlock()
		return
	}
	v.mgr.mu.RUnlock()
}
