package guid

import (
	"sync"
	"sync/atomic"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

// Reservation hands out contiguous GUID ranges (reserve/unreserve), backing
// the affinity and labeled-GUID range tables in internal/affinity.
type Reservation struct {
	loc     cmn.Loc
	next    atomic.Uint64
	mu      sync.Mutex
	ranges  map[uint64]rangeInfo
}

type rangeInfo struct {
	start  uint64
	stride uint64
	n      uint64
	kind   cmn.Kind
}

func NewReservation(loc cmn.Loc) *Reservation {
	return &Reservation{loc: loc, ranges: make(map[uint64]rangeInfo)}
}

// Reserve carves out n contiguous counters (stride 1) for kind, returning
// the first Guid in the range and the stride between successive members.
func (r *Reservation) Reserve(n uint64, kind cmn.Kind) (start cmn.Guid, stride uint64) {
	base := r.next.Add(n) - n
	start = cmn.MakeGuid(kind, r.loc, uint32(base))
	stride = 1
	r.mu.Lock()
	r.ranges[uint64(start)] = rangeInfo{start: uint64(start), stride: stride, n: n, kind: kind}
	r.mu.Unlock()
	return start, stride
}

// Unreserve releases a previously reserved range. Members already minted
// within it are unaffected; Unreserve only forgets the range's bookkeeping.
func (r *Reservation) Unreserve(start cmn.Guid) {
	r.mu.Lock()
	delete(r.ranges, uint64(start))
	r.mu.Unlock()
}

// GuidFromIndex returns start + i*stride — a deterministic pure function of
// its inputs.
func GuidFromIndex(start cmn.Guid, stride uint64, i uint64) cmn.Guid {
	return cmn.Guid(uint64(start) + i*stride)
}
