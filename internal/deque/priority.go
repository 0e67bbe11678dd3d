package deque

import (
	"container/heap"
	"sync"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

// prioItem pairs a ready GUID with its EDT_DISPATCH_PRIORITY hint value.
type prioItem struct {
	guid     cmn.Guid
	priority uint64
	index    int
}

// prioHeap implements container/heap's five-method shape
// (Len/Less/Swap/Push/Pop), ordered by dispatch priority, higher first.
type prioHeap []*prioItem

func (h prioHeap) Len() int { return len(h) }
func (h prioHeap) Less(i, j int) bool {
	return h[i].priority > h[j].priority
}
func (h prioHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *prioHeap) Push(x interface{}) {
	it := x.(*prioItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *prioHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// PriorityDeque is a concurrency-safe min/max-heap deque ordered by
// EDT_DISPATCH_PRIORITY, used when a workpile is configured for priority
// rather than LIFO/FIFO dispatch.
type PriorityDeque struct {
	mu sync.Mutex
	h  prioHeap
}

func NewPriorityDeque() *PriorityDeque {
	pd := &PriorityDeque{}
	heap.Init(&pd.h)
	return pd
}

func (pd *PriorityDeque) Push(g cmn.Guid, priority uint64) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	heap.Push(&pd.h, &prioItem{guid: g, priority: priority})
}

// PopBottom returns the highest-priority GUID, or cmn.NullGuid if empty —
// named to match WSDeque's owner-pop for interchangeability behind the
// Workpile interface.
func (pd *PriorityDeque) PopBottom() cmn.Guid {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.h.Len() == 0 {
		return cmn.NullGuid
	}
	it := heap.Pop(&pd.h).(*prioItem)
	return it.guid
}

func (pd *PriorityDeque) Len() int {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.h.Len()
}
