// Package datablock implements OCR's data blocks: addressable memory with
// a mode-discipline acquire/release table and at-most-one-exclusive-writer
// lifetime discipline.
package datablock

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/nlog"
)

// holderState extends cmn.AcquireMode with a "no current holder" value;
// kept as a distinct small type so the zero value of cmn.AcquireMode (RO)
// never gets confused with "unheld."
type holderState int32

const (
	holderNone holderState = -1
)

func fromMode(m cmn.AcquireMode) holderState { return holderState(m) }

// WriteBack is invoked on release of a DB held under RW/EW/ITW, carrying the
// released payload back to the owning PD. internal/pd installs the real
// implementation (a MsgKindDBWriteback send); tests and same-PD use leave it
// nil, since a same-PD release needs no wire write-back at all.
type WriteBack func(db *DataBlock, msgID uint64, payload []byte)

// DataBlock is the guid/base_ptr/size/mode_discipline/attributes/owning_pd/
// active_users tuple realized as a Go struct: the backing memory is a
// pooled buffer from bytebufferpool rather than a raw
// TLSF/QUICK/SIMPLE allocation (those allocator policies are explicitly out
// of scope; a data block still needs *some* addressable memory, and a pool
// of reusable buffers is the idiomatic way to get that without writing an
// allocator).
type DataBlock struct {
	Guid     cmn.Guid
	OwningPD cmn.Loc
	Props    cmn.DBProp

	buf *bytebufferpool.ByteBuffer
	size int

	mu            sync.Mutex
	holder        holderState
	roCount       int
	waiters       list.List // of *acquireWaiter
	activeUsers   atomic.Int32
	freeRequested atomic.Bool
	ewCommitted   atomic.Bool // EW is single-assignment: a second EW acquire is a violation
	destroyed     atomic.Bool

	msgID     atomic.Uint64
	writeBack WriteBack

	onReclaim func(cmn.Guid) // release the guid via its provider once memory is freed
}

type acquireWaiter struct {
	edt   cmn.Guid
	mode  cmn.AcquireMode
	ready chan struct{}
	err   error
}

// Pool is the process-wide bytebufferpool instance every DataBlock draws
// its backing memory from.
var Pool bytebufferpool.Pool

// New allocates a size-byte data block's backing storage and returns the
// not-yet-acquired block, unheld (holderNone).
func New(g cmn.Guid, owningPD cmn.Loc, size int, props cmn.DBProp, onReclaim func(cmn.Guid)) *DataBlock {
	buf := Pool.Get()
	if cap(buf.B) < size {
		buf.B = make([]byte, size)
	} else {
		buf.B = buf.B[:size]
	}
	return &DataBlock{
		Guid:      g,
		OwningPD:  owningPD,
		Props:     props,
		buf:       buf,
		size:      size,
		holder:    holderNone,
		onReclaim: onReclaim,
	}
}

// SetWriteBack installs the hook used to carry a released RW/EW/ITW payload
// back to the owning PD across a mobility boundary.
func (d *DataBlock) SetWriteBack(wb WriteBack) { d.writeBack = wb }

// Size reports the block's byte length.
func (d *DataBlock) Size() int { return d.size }

// Bytes returns the block's backing slice directly, with no acquire/mode
// check of its own: a worker already brackets an EDT body's execution with
// the appropriate hooks.AcquireDB/ReleaseDB pair (internal/worker.execute),
// so a template Body resolving one of its depv slots to a *DataBlock reads
// (or, under RW/EW, writes) through this accessor rather than re-acquiring.
func (d *DataBlock) Bytes() []byte { return d.buf.B }

// Acquire grants access to the block under mode, blocking the calling
// goroutine (via a per-waiter channel, FIFO-ordered) until the mode table
// admits it. Returns the backing slice on success.
func (d *DataBlock) Acquire(edt cmn.Guid, mode cmn.AcquireMode) ([]byte, error) {
	d.mu.Lock()
	if d.freeRequested.Load() || d.destroyed.Load() {
		d.mu.Unlock()
		return nil, cmn.ErrGuidNotFound
	}
	if err := d.checkSingleAssignment(mode); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if d.canGrantLocked(mode) {
		d.grantLocked(mode)
		d.mu.Unlock()
		return d.buf.B, nil
	}
	w := &acquireWaiter{edt: edt, mode: mode, ready: make(chan struct{})}
	d.waiters.PushBack(w)
	d.mu.Unlock()

	<-w.ready
	if w.err != nil {
		return nil, w.err
	}
	return d.buf.B, nil
}

// canGrantLocked implements the mode policy table. Must be called with
// d.mu held.
func (d *DataBlock) canGrantLocked(mode cmn.AcquireMode) bool {
	switch d.holder {
	case holderNone:
		return true
	case fromMode(cmn.ModeRO):
		return mode == cmn.ModeRO
	case fromMode(cmn.ModeITW):
		return mode == cmn.ModeRO
	default: // RW or EW held
		return false
	}
}

// grantLocked records the grant of mode to the current caller. Callers must
// have already verified canGrantLocked and checkSingleAssignment.
func (d *DataBlock) grantLocked(mode cmn.AcquireMode) {
	switch d.holder {
	case holderNone:
		d.holder = fromMode(mode)
		if mode == cmn.ModeRO {
			d.roCount = 1
		}
	case fromMode(cmn.ModeRO), fromMode(cmn.ModeITW):
		// only RO can land here per canGrantLocked
		d.roCount++
	}
	d.activeUsers.Add(1)
}

// Acquire's single-assignment EW check happens before the blocking path so
// a repeat EW request fails fast instead of queuing forever.
func (d *DataBlock) checkSingleAssignment(mode cmn.AcquireMode) error {
	if mode == cmn.ModeEW && d.ewCommitted.Load() {
		return cmn.WrapProtocol(cmn.ErrModeViolation, "db %s: exclusive-write is single-assignment", d.Guid)
	}
	return nil
}

// Release relinquishes edt's hold on the block, waking the next admissible
// waiter (FIFO order among those the new state admits) and, if mode was
// RW/EW/ITW, triggering a write-back to the owning PD when one is wired.
func (d *DataBlock) Release(edt cmn.Guid, mode cmn.AcquireMode) {
	d.mu.Lock()
	switch mode {
	case cmn.ModeRO:
		d.roCount--
		if d.roCount <= 0 {
			d.roCount = 0
			d.holder = holderNone
		}
	case cmn.ModeRW, cmn.ModeEW, cmn.ModeITW:
		if mode == cmn.ModeITW && d.roCount > 0 {
			// readers admitted under this ITW hold are still active; demote
			// to RO so they keep blocking new writers instead of letting an
			// EW/RW acquire race in underneath them.
			d.holder = fromMode(cmn.ModeRO)
		} else {
			d.holder = holderNone
		}
		if mode == cmn.ModeEW {
			d.ewCommitted.Store(true)
		}
	}
	d.activeUsers.Add(-1)
	d.wakeWaitersLocked()
	freeNow := d.freeRequested.Load() && d.activeUsers.Load() <= 0
	d.mu.Unlock()

	if mode == cmn.ModeRW || mode == cmn.ModeEW || mode == cmn.ModeITW {
		if d.writeBack != nil {
			id := d.msgID.Add(1)
			d.writeBack(d, id, append([]byte(nil), d.buf.B...))
		}
	}
	if freeNow {
		d.reclaim()
	}
}

// wakeWaitersLocked pops and signals every waiter the current (post-release)
// state now admits, stopping at the first one it cannot grant — preserving
// FIFO order across waiters exactly as the mode table assumes.
func (d *DataBlock) wakeWaitersLocked() {
	for {
		front := d.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*acquireWaiter)
		if err := d.checkSingleAssignment(w.mode); err != nil {
			w.err = err
			d.waiters.Remove(front)
			close(w.ready)
			continue
		}
		if !d.canGrantLocked(w.mode) {
			return
		}
		d.grantLocked(w.mode)
		d.waiters.Remove(front)
		close(w.ready)
	}
}

// Destroy marks the block for reclamation. If no users are currently
// active, memory is reclaimed immediately; otherwise reclamation is
// deferred until the last Release brings active_users to zero, marked
// FREE_REQUESTED in the meantime. A DB with active cross-PD users is
// handled identically: FREE_REQUESTED is set regardless of whether the
// eventual last release is local or arrives as a remote write-back (see
// DESIGN.md).
func (d *DataBlock) Destroy() {
	d.freeRequested.Store(true)
	d.mu.Lock()
	immediate := d.activeUsers.Load() <= 0
	d.mu.Unlock()
	if immediate {
		d.reclaim()
	}
}

func (d *DataBlock) reclaim() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	Pool.Put(d.buf)
	if d.onReclaim != nil {
		d.onReclaim(d.Guid)
	}
	if nlog.FastV(4, nlog.SmoduleDatablock) {
		nlog.Infof("datablock: reclaimed %s", d.Guid)
	}
}
