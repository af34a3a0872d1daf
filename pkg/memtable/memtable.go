package memtable

import (
	"errors"
	"fmt"
	"lsmkv/pkg/entry"
	"lsmkv/pkg/wal"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

type orderedMap = skipmap.FuncMap[string, entry.Entry]

// Memtable is the mutable, sorted write buffer. Every entry is logged to the
// WAL before it becomes visible to readers.
type Memtable struct {
	// serializes WAL append + upsert so the map agrees with replay order
	mu   sync.Mutex
	size atomic.Int64

	underlying *orderedMap
	journal    *wal.WAL
	// logs replayed at startup; retired together with journal
	older []*wal.WAL
}

func newOrderedMap() *orderedMap {
	return skipmap.NewFunc[string, entry.Entry](func(a, b string) bool {
		return a < b
	})
}

// New returns an empty memtable logging to journal.
func New(journal *wal.WAL) *Memtable {
	return &Memtable{
		underlying: newOrderedMap(),
		journal:    journal,
	}
}

// Recover rebuilds a memtable by replaying older logs (oldest first) and then
// journal itself. New writes go to journal only.
func Recover(journal *wal.WAL, older ...*wal.WAL) (*Memtable, error) {
	mt := New(journal)
	mt.older = older

	for _, w := range append(append([]*wal.WAL{}, older...), journal) {
		if err := w.Replay(func(e entry.Entry) error {
			mt.apply(e)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to replay %s: %w", w.Path(), err)
		}
	}

	return mt, nil
}

// Write logs e and then makes it visible. Nothing is applied when logging fails.
func (mt *Memtable) Write(e entry.Entry) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if err := mt.journal.Append(e); err != nil {
		return fmt.Errorf("failed to append to WAL: %w", err)
	}
	mt.apply(e)

	return nil
}

func (mt *Memtable) apply(e entry.Entry) {
	mt.underlying.Store(e.Key, e)
	mt.size.Add(int64(e.EncodedSize()))
}

// Read returns the latest entry written for key. Tombstones are returned as is.
func (mt *Memtable) Read(key string) (entry.Entry, bool) {
	return mt.underlying.Load(key)
}

// NumBytesSize is the accumulated encoded size of every write, overwrites included.
func (mt *Memtable) NumBytesSize() int64 {
	return mt.size.Load()
}

func (mt *Memtable) Len() int {
	return mt.underlying.Len()
}

// Flush returns the current contents keyed by key. The memtable itself is not modified.
func (mt *Memtable) Flush() map[string]entry.Entry {
	result := make(map[string]entry.Entry, mt.underlying.Len())
	mt.underlying.Range(func(key string, value entry.Entry) bool {
		result[key] = value
		return true
	})

	return result
}

// Retire closes and deletes every WAL backing this memtable. Call it only once
// the contents are persisted in a segment that is part of the live state.
func (mt *Memtable) Retire() error {
	var errs []error
	for _, w := range append(append([]*wal.WAL{}, mt.older...), mt.journal) {
		if err := w.Remove(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (mt *Memtable) Close() error {
	var errs []error
	for _, w := range append(append([]*wal.WAL{}, mt.older...), mt.journal) {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
