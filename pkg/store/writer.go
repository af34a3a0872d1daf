package store

import (
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/entry"
)

type writer struct {
	states *StateManager
}

// Write appends e to the active memtable under the shared lock; the memtable
// serializes its own writes.
func (w *writer) Write(e entry.Entry) error {
	view := w.states.CurrentState()
	defer view.Release()

	if view.Closed() {
		return dberrors.ErrClosed
	}
	return view.Memtable().Write(e)
}
