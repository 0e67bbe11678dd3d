package deque

import "github.com/ocr-runtime/ocr/internal/cmn"

// LIFODeque is a thin owner-only stack wrapper over WSDeque, used as a
// message-pool free list where there is exactly one producer/consumer and
// no stealing is ever needed.
type LIFODeque struct {
	d *WSDeque
}

func NewLIFODeque(initialCapacity int64) *LIFODeque {
	return &LIFODeque{d: NewWSDeque(initialCapacity)}
}

func (l *LIFODeque) Push(g cmn.Guid) { l.d.PushBottom(g) }
func (l *LIFODeque) Pop() cmn.Guid   { return l.d.PopBottom() }
func (l *LIFODeque) Len() int        { return l.d.Len() }
