// Package deque provides the concurrent double-ended queue primitives the
// scheduler needs: a Chase–Lev work-stealing deque for workpiles, a
// SPSC-style FIFO ring for message mailboxes, a LIFO free-list wrapper, and
// a container/heap priority deque for EDT_DISPATCH_PRIORITY ordering.
package deque

import (
	"sync/atomic"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

// WSDeque is a Chase–Lev array-based work-stealing deque. The owner calls
// PushBottom/PopBottom; any other goroutine may call Steal, which only ever
// takes from the head. PopBottom on empty returns the null GUID; Steal may
// spuriously fail under contention and the caller should fall back to
// another victim.
type WSDeque struct {
	top    atomic.Int64
	bottom atomic.Int64
	buf    atomic.Pointer[wsBuf]
}

type wsBuf struct {
	mask  int64
	items []cmn.Guid
}

func newWSBuf(capacity int64) *wsBuf {
	return &wsBuf{mask: capacity - 1, items: make([]cmn.Guid, capacity)}
}

func (b *wsBuf) get(i int64) cmn.Guid      { return b.items[i&b.mask] }
func (b *wsBuf) put(i int64, g cmn.Guid)   { b.items[i&b.mask] = g }

func (b *wsBuf) grow(top, bottom int64) *wsBuf {
	nb := newWSBuf(int64(len(b.items)) * 2)
	for i := top; i < bottom; i++ {
		nb.put(i, b.get(i))
	}
	return nb
}

// NewWSDeque builds a work-stealing deque with the given initial capacity,
// which is used as given and must be a power of two (it is not rounded).
func NewWSDeque(initialCapacity int64) *WSDeque {
	d := &WSDeque{}
	d.buf.Store(newWSBuf(initialCapacity))
	return d
}

// PushBottom is owner-only: append g to the tail, growing the backing array
// if it's full.
func (d *WSDeque) PushBottom(g cmn.Guid) {
	b := d.top.Load()
	t := d.bottom.Load()
	buf := d.buf.Load()
	if t-b >= int64(len(buf.items))-1 {
		buf = buf.grow(b, t)
		d.buf.Store(buf)
	}
	buf.put(t, g)
	d.bottom.Store(t + 1)
}

// PopBottom is owner-only: remove and return the tail element, or
// cmn.NullGuid if the deque is empty.
func (d *WSDeque) PopBottom() cmn.Guid {
	t := d.bottom.Load() - 1
	buf := d.buf.Load()
	d.bottom.Store(t)
	b := d.top.Load()
	if b > t {
		// empty: restore bottom and bail
		d.bottom.Store(t + 1)
		return cmn.NullGuid
	}
	g := buf.get(t)
	if b == t {
		// last element: race with a thief via CAS on top
		if !d.top.CompareAndSwap(b, b+1) {
			g = cmn.NullGuid
		}
		d.bottom.Store(t + 1)
		return g
	}
	return g
}

// Steal removes and returns the head element, or cmn.NullGuid if the deque
// is empty or the steal raced and lost (the caller should retry against a
// different victim, not spin on this one).
func (d *WSDeque) Steal() cmn.Guid {
	b := d.top.Load()
	t := d.bottom.Load()
	if b >= t {
		return cmn.NullGuid
	}
	buf := d.buf.Load()
	g := buf.get(b)
	if !d.top.CompareAndSwap(b, b+1) {
		return cmn.NullGuid
	}
	return g
}

// Len is a racy size estimate, useful for metrics and backoff decisions
// only — never for correctness.
func (d *WSDeque) Len() int {
	n := d.bottom.Load() - d.top.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
