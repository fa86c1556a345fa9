// Package mailbox provides a single-slot, latest-value-wins hand-off cell
// between a producer goroutine and a consumer goroutine.
package mailbox

import (
	"sync"
	"sync/atomic"
)

// noDelay marks the cell as empty.
const noDelay = -1

// Mailbox holds at most one pending value together with its delay. Store
// overwrites a value that has not been taken yet; Take moves the value out.
// Neither operation blocks beyond the swap under the mutex.
type Mailbox[T any] struct {
	mu    sync.Mutex
	value T
	delay int

	// overwritten is set when Store replaces a pending value and cleared by
	// the next take.
	overwritten bool

	drops atomic.Uint64
}

// New returns an empty Mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{delay: noDelay}
}

// Store places v in the cell with the given delay, replacing any value that
// has not been taken yet. Negative delays are stored as 0 so the value is
// always marked pending.
func (m *Mailbox[T]) Store(v T, delay int) {
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	if m.delay != noDelay {
		m.drops.Add(1)
		m.overwritten = true
	}
	m.value = v
	m.delay = delay
	m.mu.Unlock()
}

// Take moves the pending value out of the cell. It returns false if nothing
// has been stored since the last Take.
func (m *Mailbox[T]) Take() (T, int, bool) {
	v, delay, _, ok := m.TakeChecked()
	return v, delay, ok
}

// TakeChecked is Take that also reports whether any value was overwritten
// since the previous take. Consumers whose values depend on their
// predecessors use it to notice the gap.
func (m *Mailbox[T]) TakeChecked() (v T, delay int, overwritten, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.delay == noDelay {
		return v, 0, false, false
	}
	var zero T
	v, delay, overwritten = m.value, m.delay, m.overwritten
	m.value = zero
	m.delay = noDelay
	m.overwritten = false
	return v, delay, overwritten, true
}

// Pending reports whether a value is waiting to be taken.
func (m *Mailbox[T]) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delay != noDelay
}

// Drops returns how many stored values were overwritten before being taken.
func (m *Mailbox[T]) Drops() uint64 {
	return m.drops.Load()
}
