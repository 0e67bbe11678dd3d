package deque

import (
	"sync"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

// FIFODeque is a fixed-capacity ring buffer used as a per-link outgoing
// message mailbox: send fails with ErrRetry when full. A Go channel can't
// report "full" without racing a non-blocking select against every other
// sender, so the ring here takes a lock and returns cmn.ErrRetry explicitly
// instead.
type FIFODeque struct {
	mu   sync.Mutex
	buf  []cmn.Guid
	head int
	size int
}

func NewFIFODeque(capacity int) *FIFODeque {
	return &FIFODeque{buf: make([]cmn.Guid, capacity)}
}

// PushBack appends g, returning cmn.ErrRetry if the ring is full.
func (q *FIFODeque) PushBack(g cmn.Guid) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.buf) {
		return cmn.ErrRetry
	}
	q.buf[(q.head+q.size)%len(q.buf)] = g
	q.size++
	return nil
}

// PopFront removes and returns the oldest element, or cmn.NullGuid if empty.
func (q *FIFODeque) PopFront() cmn.Guid {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return cmn.NullGuid
	}
	g := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return g
}

func (q *FIFODeque) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *FIFODeque) Cap() int { return len(q.buf) }
