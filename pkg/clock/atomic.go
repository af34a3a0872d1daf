package clock

import "sync/atomic"

// AtomicClock hands out monotonically increasing numbers. The engine uses it
// to name segment and WAL files.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Observe moves the clock forward to t if it is behind, so the next number is past t.
func (ac *AtomicClock) Observe(t uint64) {
	for {
		cur := ac.Load()
		if cur >= t || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
