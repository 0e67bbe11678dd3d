// Package event implements the six event state machines as one tagged sum
// type (a tagged variant is simpler here than a vtable per event kind),
// with a lock-free waiter list per non-channel event and the
// deep-propagation / cycle-detection guards a cyclic producer/waiter graph
// needs.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/debug"
	"github.com/ocr-runtime/ocr/internal/nlog"
)

// Mode is the slot-acquisition mode an addDependence call registers — it is
// meaningless to the event itself (events carry no mode table; only data
// blocks do, see internal/datablock) but is threaded through so the waiter
// (usually an EDT) knows how to acquire the delivered payload DB.
type Mode = cmn.AcquireMode

const (
	ModeRO = cmn.ModeRO
	ModeRW = cmn.ModeRW
	ModeEW = cmn.ModeEW
	ModeITW = cmn.ModeITW
)

// Kind tags which of the six state machines an Event runs.
type Kind uint8

const (
	KindSticky Kind = iota
	KindIdempotent
	KindOnce
	KindLatch
	KindCounted
	KindChannel
)

// MaxSyncPropagationDepth bounds inline (recursive) waiter notification;
// past it, propagation is deferred onto the local worker's deque instead of
// growing the call stack further.
const MaxSyncPropagationDepth = 32

// Deferrer receives propagation records that crossed MaxSyncPropagationDepth,
// implemented by internal/worker.Worker.
type Deferrer interface {
	DeferPropagation(rec PropagationRecord)
}

// Waiter is anything that can be registered on an event: an EDT (via
// internal/edt's adapter) or another Event (event-to-event dependence).
type Waiter interface {
	Notify(pc *Ctx, slot int, payload cmn.Guid, err error)
}

// PropagationRecord is a deferred or inline notification, replayable later
// by a worker draining its deque.
type PropagationRecord struct {
	Waiter  Waiter
	Slot    int
	Payload cmn.Guid
	Err     error
}

// Run replays the record against pc.
func (r PropagationRecord) Run(pc *Ctx) { r.Waiter.Notify(pc, r.Slot, r.Payload, r.Err) }

// Ctx threads propagation depth, a cycle-detection visited set, and an
// optional Deferrer through one synchronous satisfy/notify chain. It is
// never shared across independent top-level calls.
type Ctx struct {
	depth    int
	visiting map[cmn.Guid]bool
	deferrer Deferrer
}

// NewCtx starts a fresh propagation chain. deferrer may be nil, in which
// case deep chains simply keep recursing (acceptable for test/top-level
// calls made outside a worker).
func NewCtx(deferrer Deferrer) *Ctx {
	return &Ctx{visiting: make(map[cmn.Guid]bool, 4), deferrer: deferrer}
}

func (pc *Ctx) child() *Ctx {
	return &Ctx{depth: pc.depth + 1, visiting: pc.visiting, deferrer: pc.deferrer}
}

type waiterNode struct {
	waiter Waiter
	slot   int
	mode   Mode
	next   atomic.Pointer[waiterNode]
}

type payloadBox struct {
	guid cmn.Guid
	err  error
}

type state int32

const (
	stateUnset state = iota
	stateSet
	stateDestroyed
)

// firedMarker is a sentinel waiterNode atomically swapped into head once an
// event has fired.
var firedMarker = &waiterNode{}

// Event is the single struct realizing all six kinds. Fields not relevant
// to a given kind are simply unused, which costs a little memory but keeps
// polymorphism as a tag switch rather than six types behind an interface.
type Event struct {
	Guid     cmn.Guid
	kind     Kind
	takesArg bool

	// Sticky / Idempotent / Once / Counted
	st      atomic.Int32
	payload atomic.Pointer[payloadBox]
	head    atomic.Pointer[waiterNode]
	remaining atomic.Int64 // Counted only; unused (zero) otherwise

	// Latch
	incr       atomic.Uint32
	decr       atomic.Uint32
	latchFired atomic.Bool
	latchHead  atomic.Pointer[waiterNode]

	// Channel
	mu       sync.Mutex
	payloadQ []payloadBox
	waiterQ  []waiterNode

	onAutoDestroy func(g cmn.Guid) // set by the owning runtime; Once/Counted self-destruct hook
}

// New constructs an event of the given kind. takesArg matches the source's
// EDT_PARAM takesArg flag: whether satisfy is expected to carry a payload at
// all (Latch never does, regardless of takesArg).
func New(g cmn.Guid, kind Kind, takesArg bool) *Event {
	e := &Event{Guid: g, kind: kind, takesArg: takesArg}
	return e
}

// SetAutoDestroy installs the hook invoked when a Once or Counted event
// self-destructs, so the owning registry can release its GUID.
func (e *Event) SetAutoDestroy(fn func(cmn.Guid)) { e.onAutoDestroy = fn }

func (e *Event) Kind() Kind { return e.kind }

// RegisterWaiter registers w on this event (registerWaiter(waiter, slot,
// mode) -> bool_immediate): if the producer has already fired, w is
// notified inline (through pc's depth/cycle guard) and true is returned;
// otherwise w is queued and false is returned.
func (e *Event) RegisterWaiter(pc *Ctx, w Waiter, slot int, mode Mode) (immediate bool, err error) {
	switch e.kind {
	case KindChannel:
		return e.registerChannelWaiter(pc, w, slot)
	case KindLatch:
		return e.registerLatchWaiter(pc, w, slot)
	default:
		return e.registerStickyLikeWaiter(pc, w, slot, mode)
	}
}

func (e *Event) registerStickyLikeWaiter(pc *Ctx, w Waiter, slot int, mode Mode) (bool, error) {
	if state(e.st.Load()) == stateDestroyed {
		return false, cmn.ErrGuidNotFound
	}
	node := &waiterNode{waiter: w, slot: slot, mode: mode}
	for {
		old := e.head.Load()
		if old == firedMarker {
			box := e.payload.Load()
			e.notifyOne(pc, w, slot, *box)
			return true, nil
		}
		node.next.Store(old)
		if e.head.CompareAndSwap(old, node) {
			return false, nil
		}
	}
}

func (e *Event) registerLatchWaiter(pc *Ctx, w Waiter, slot int) (bool, error) {
	if e.latchFired.Load() {
		e.notifyOne(pc, w, slot, payloadBox{guid: cmn.NullGuid})
		return true, nil
	}
	node := &waiterNode{waiter: w, slot: slot}
	for {
		old := e.latchHead.Load()
		if old == firedMarker {
			e.notifyOne(pc, w, slot, payloadBox{guid: cmn.NullGuid})
			return true, nil
		}
		node.next.Store(old)
		if e.latchHead.CompareAndSwap(old, node) {
			return false, nil
		}
	}
}

func (e *Event) registerChannelWaiter(pc *Ctx, w Waiter, slot int) (bool, error) {
	e.mu.Lock()
	if len(e.payloadQ) > 0 {
		box := e.payloadQ[0]
		e.payloadQ = e.payloadQ[1:]
		e.mu.Unlock()
		e.notifyOne(pc, w, slot, box)
		return true, nil
	}
	e.waiterQ = append(e.waiterQ, waiterNode{waiter: w, slot: slot})
	e.mu.Unlock()
	return false, nil
}

// Satisfy delivers payload to this event (satisfy(guid, payload, slot)),
// dispatched per kind. No kind uses slot: Channel keeps a single pairing
// queue, and waiters are notified with the slot they registered under.
func (e *Event) Satisfy(pc *Ctx, payload cmn.Guid, slot int) error {
	switch e.kind {
	case KindSticky:
		return e.satisfyOnce(pc, payload, slot, false)
	case KindIdempotent:
		return e.satisfyIdempotent(pc, payload, slot)
	case KindOnce:
		return e.satisfyOnce(pc, payload, slot, true)
	case KindCounted:
		return e.satisfyCounted(pc, payload, slot)
	case KindChannel:
		return e.satisfyChannel(pc, payload, slot)
	case KindLatch:
		return cmn.WrapProtocol(cmn.ErrInvalid, "latch events fire via SatisfyIncr/SatisfyDecr, not Satisfy")
	default:
		return cmn.ErrInvalid
	}
}

func (e *Event) satisfyOnce(pc *Ctx, payload cmn.Guid, slot int, autoDestroy bool) error {
	if !e.st.CompareAndSwap(int32(stateUnset), int32(stateSet)) {
		return cmn.WrapProtocol(cmn.ErrInvalid, "event %s: single-assignment violated", e.Guid)
	}
	box := &payloadBox{guid: payload}
	e.payload.Store(box)
	detached := e.head.Swap(firedMarker)
	e.fanOut(pc, detached, *box)
	if autoDestroy {
		e.selfDestruct()
	}
	return nil
}

func (e *Event) satisfyIdempotent(pc *Ctx, payload cmn.Guid, slot int) error {
	if !e.st.CompareAndSwap(int32(stateUnset), int32(stateSet)) {
		// Idempotent absorbs subsequent satisfactions silently.
		return nil
	}
	box := &payloadBox{guid: payload}
	e.payload.Store(box)
	detached := e.head.Swap(firedMarker)
	e.fanOut(pc, detached, *box)
	return nil
}

func (e *Event) satisfyCounted(pc *Ctx, payload cmn.Guid, slot int) error {
	if state(e.st.Load()) == stateDestroyed {
		return cmn.ErrGuidNotFound
	}
	if !e.st.CompareAndSwap(int32(stateUnset), int32(stateSet)) {
		return cmn.WrapProtocol(cmn.ErrInvalid, "counted event %s: single-assignment violated", e.Guid)
	}
	box := &payloadBox{guid: payload}
	e.payload.Store(box)
	detached := e.head.Swap(firedMarker)
	e.fanOut(pc, detached, *box)
	return nil
}

// countedPropagated is invoked once per actual waiter notification for a
// Counted event (whether delivered inline at register time, deferred, or as
// part of a fan-out walk) and self-destructs the event once `remaining`
// propagations have happened.
func (e *Event) countedPropagated() {
	if e.kind != KindCounted {
		return
	}
	if e.remaining.Add(-1) == 0 {
		e.selfDestruct()
	}
}

// InitCounted sets the remaining-propagations budget; called once right
// after New for Counted events.
func (e *Event) InitCounted(n int64) {
	debug.Assert(e.kind == KindCounted, "InitCounted on non-counted event")
	e.remaining.Store(n)
}

func (e *Event) satisfyChannel(pc *Ctx, payload cmn.Guid, slot int) error {
	e.mu.Lock()
	if len(e.waiterQ) > 0 {
		wn := e.waiterQ[0]
		e.waiterQ = e.waiterQ[1:]
		e.mu.Unlock()
		e.notifyOne(pc, wn.waiter, wn.slot, payloadBox{guid: payload})
		return nil
	}
	e.payloadQ = append(e.payloadQ, payloadBox{guid: payload})
	e.mu.Unlock()
	return nil
}

// SatisfyIncr and SatisfyDecr are the Latch's two CAS-atomic counters: the
// latch fires once both are >=1 and equal.
func (e *Event) SatisfyIncr(pc *Ctx) { e.incr.Add(1); e.tryFireLatch(pc) }
func (e *Event) SatisfyDecr(pc *Ctx) { e.decr.Add(1); e.tryFireLatch(pc) }

func (e *Event) tryFireLatch(pc *Ctx) {
	i, d := e.incr.Load(), e.decr.Load()
	if i == 0 || d == 0 || i != d {
		return
	}
	if !e.latchFired.CompareAndSwap(false, true) {
		return
	}
	detached := e.latchHead.Swap(firedMarker)
	e.fanOut(pc, detached, payloadBox{guid: cmn.NullGuid})
}

// fanOut walks a detached waiter chain, applying the cycle/depth guard once
// per event (not per waiter — re-entering the same event's fan-out on the
// same synchronous chain is the cycle, regardless of which waiter triggers
// it).
func (e *Event) fanOut(pc *Ctx, chain *waiterNode, box payloadBox) {
	if pc == nil {
		pc = NewCtx(nil)
	}
	if pc.visiting[e.Guid] {
		for n := chain; n != nil; n = n.next.Load() {
			n.waiter.Notify(pc, n.slot, cmn.NullGuid, cmn.ErrDeadlock)
		}
		return
	}
	pc.visiting[e.Guid] = true
	defer delete(pc.visiting, e.Guid)

	if pc.depth >= MaxSyncPropagationDepth && pc.deferrer != nil {
		for n := chain; n != nil; n = n.next.Load() {
			e.countedPropagated()
			pc.deferrer.DeferPropagation(PropagationRecord{Waiter: n.waiter, Slot: n.slot, Payload: box.guid, Err: box.err})
		}
		return
	}
	cpc := pc.child()
	for n := chain; n != nil; n = n.next.Load() {
		e.countedPropagated()
		n.waiter.Notify(cpc, n.slot, box.guid, box.err)
	}
}

func (e *Event) notifyOne(pc *Ctx, w Waiter, slot int, box payloadBox) {
	if pc == nil {
		pc = NewCtx(nil)
	}
	if pc.visiting[e.Guid] {
		w.Notify(pc, slot, cmn.NullGuid, cmn.ErrDeadlock)
		return
	}
	pc.visiting[e.Guid] = true
	defer delete(pc.visiting, e.Guid)

	if pc.depth >= MaxSyncPropagationDepth && pc.deferrer != nil {
		e.countedPropagated()
		pc.deferrer.DeferPropagation(PropagationRecord{Waiter: w, Slot: slot, Payload: box.guid, Err: box.err})
		return
	}
	e.countedPropagated()
	w.Notify(pc.child(), slot, box.guid, box.err)
}

func (e *Event) selfDestruct() {
	e.st.Store(int32(stateDestroyed))
	if e.onAutoDestroy != nil {
		e.onAutoDestroy(e.Guid)
	}
}

// Destroy frees the event; pending waiters are notified with an error
// payload before reclamation. Allowed from any state.
func (e *Event) Destroy(pc *Ctx) {
	if pc == nil {
		pc = NewCtx(nil)
	}
	prevState := state(e.st.Swap(int32(stateDestroyed)))
	if prevState != stateDestroyed {
		detached := e.head.Swap(firedMarker)
		for n := detached; n != nil; n = n.next.Load() {
			n.waiter.Notify(pc, n.slot, cmn.NullGuid, cmn.ErrCanceled)
		}
	}
	if !e.latchFired.Swap(true) {
		detached := e.latchHead.Swap(firedMarker)
		for n := detached; n != nil; n = n.next.Load() {
			n.waiter.Notify(pc, n.slot, cmn.NullGuid, cmn.ErrCanceled)
		}
	}
	e.mu.Lock()
	pending := e.waiterQ
	e.waiterQ = nil
	e.payloadQ = nil
	e.mu.Unlock()
	for _, wn := range pending {
		wn.waiter.Notify(pc, wn.slot, cmn.NullGuid, cmn.ErrCanceled)
	}
	if nlog.FastV(4, nlog.SmoduleEvent) {
		nlog.Infof("event: destroyed %s", e.Guid)
	}
}

// Notify makes *Event itself a Waiter, realizing event-to-event dependence:
// when the producer this Event is registered on fires, the target event is
// itself satisfied with the same payload.
func (e *Event) Notify(pc *Ctx, slot int, payload cmn.Guid, err error) {
	if err != nil {
		// an upstream error propagates as this event's own satisfaction
		// with the error payload.
		_ = e.Satisfy(pc, payload, slot)
		return
	}
	if e.kind == KindLatch {
		e.SatisfyIncr(pc)
		return
	}
	if serr := e.Satisfy(pc, payload, slot); serr != nil && nlog.FastV(3, nlog.SmoduleEvent) {
		nlog.Warnf("event: %s <- %s: %v", e.Guid, payload, serr)
	}
}

var _ Waiter = (*Event)(nil)
