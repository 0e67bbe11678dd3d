package edt

import (
	"sync"
	"sync/atomic"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/debug"
	"github.com/ocr-runtime/ocr/internal/event"
	"github.com/ocr-runtime/ocr/internal/nlog"
)

// EDT is the task record: guid, template, paramc, paramv, depc, depv,
// awaited producers, frontier index, output event, affinity hint, and
// parent finish-latch.
type EDT struct {
	Guid     cmn.Guid
	Template *Template
	ParamC   uint32
	ParamV   []uint64
	DepC     uint32

	OutputEvent       cmn.Guid
	AffinityHint      cmn.Guid
	ParentFinishLatch cmn.Guid
	Props             cmn.EdtProp

	mu      sync.Mutex
	awaited []cmn.Guid         // slot -> producer guid this EDT subscribed to (NullGuid if free)
	depv    []cmn.Guid         // slot -> resolved payload guid once its producer fired
	errv    []error            // slot -> error, if that producer propagated one instead of a payload
	modev   []cmn.AcquireMode  // slot -> acquire mode the worker uses to acquire a DB payload at execute time

	frontier atomic.Uint32 // advances once per resolved slot
	ready    atomic.Bool   // true once frontier == DepC (or immediately, if DepC==0)
	onReady  func(*EDT)    // worker hook: push to the local workpile
}

// New constructs an EDT from a template instantiation. `len(paramv) ==
// paramc` is validated only when `template.ParamC != cmn.EdtParamUnk`;
// templates registered with an unknown paramc accept any paramv length,
// since their arity is resolved later rather than checked at create time
// (see DESIGN.md for the reasoning behind this choice).
func New(g cmn.Guid, tmpl *Template, paramv []uint64, depc uint32, props cmn.EdtProp,
	outputEvent, affinityHint, parentLatch cmn.Guid) (*EDT, error) {
	if tmpl.ParamC != cmn.EdtParamUnk && uint32(len(paramv)) != tmpl.ParamC {
		return nil, cmn.WrapProtocol(cmn.ErrInvalid, "edt %s: template %q expects %d params, got %d",
			g, tmpl.Name, tmpl.ParamC, len(paramv))
	}
	e := &EDT{
		Guid:              g,
		Template:          tmpl,
		ParamC:            uint32(len(paramv)),
		ParamV:            paramv,
		DepC:              depc,
		OutputEvent:       outputEvent,
		AffinityHint:      affinityHint,
		ParentFinishLatch: parentLatch,
		Props:             props,
		awaited:           make([]cmn.Guid, depc),
		depv:              make([]cmn.Guid, depc),
		errv:              make([]error, depc),
		modev:             make([]cmn.AcquireMode, depc),
	}
	if depc == 0 {
		// An EDT with nothing to wait on is runnable the instant it is
		// created, skipping frontier bookkeeping entirely.
		e.ready.Store(true)
	}
	return e, nil
}

// SetOnReady installs the worker hook invoked exactly once, the moment the
// frontier reaches depc. A depc==0 EDT is runnable at creation and never
// calls it; see IsReadyAtCreation.
func (e *EDT) SetOnReady(fn func(*EDT)) { e.onReady = fn }

// IsReadyAtCreation reports whether New already made this EDT runnable
// (the depc==0 fast path), so the caller can push it to a workpile without
// waiting on SetOnReady's callback.
func (e *EDT) IsReadyAtCreation() bool { return e.DepC == 0 }

// AddDependence registers slot as awaiting producer. Registering the same
// slot twice is a protocol error (ErrDuplicateDep). mode is the acquire
// mode the worker uses on execute() if the slot's eventual payload is a DB; it
// defaults to RO when omitted, since most existing call sites (and the
// tests written against the two-argument form) never care about anything
// else.
func (e *EDT) AddDependence(slot int, producer cmn.Guid, mode ...cmn.AcquireMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < 0 || slot >= len(e.awaited) {
		return cmn.WrapProtocol(cmn.ErrInvalid, "edt %s: slot %d out of range [0,%d)", e.Guid, slot, len(e.awaited))
	}
	if !e.awaited[slot].IsNull() {
		return cmn.ErrDuplicateDep
	}
	e.awaited[slot] = producer
	if len(mode) > 0 {
		e.modev[slot] = mode[0]
	} else {
		e.modev[slot] = cmn.ModeRO
	}
	return nil
}

// DepModes returns the per-slot acquire modes recorded by AddDependence.
func (e *EDT) DepModes() []cmn.AcquireMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	mv := make([]cmn.AcquireMode, len(e.modev))
	copy(mv, e.modev)
	return mv
}

// Notify implements event.Waiter: this EDT was registered as a waiter on
// some producer (an event or, through an adapter, a DB-ready signal); when
// the producer fires, the frontier advances and, once every slot is
// resolved, the EDT transitions to runnable.
func (e *EDT) Notify(pc *event.Ctx, slot int, payload cmn.Guid, err error) {
	e.mu.Lock()
	if slot < 0 || slot >= len(e.depv) {
		e.mu.Unlock()
		debug.Assertf(false, "edt %s: notify on out-of-range slot %d", e.Guid, slot)
		return
	}
	e.depv[slot] = payload
	e.errv[slot] = err
	e.mu.Unlock()

	if e.frontier.Add(1) == uint32(e.DepC) {
		if e.ready.CompareAndSwap(false, true) {
			if nlog.FastV(4, nlog.SmoduleEdt) {
				nlog.Infof("edt: %s runnable (frontier reached depc=%d)", e.Guid, e.DepC)
			}
			if e.onReady != nil {
				e.onReady(e)
			}
		}
	}
}

// DepV returns the resolved dependence vector. Only safe to call once the
// EDT is runnable (the worker calls it right before executing the body).
func (e *EDT) DepV() ([]cmn.Guid, []error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dv := make([]cmn.Guid, len(e.depv))
	ev := make([]error, len(e.errv))
	copy(dv, e.depv)
	copy(ev, e.errv)
	return dv, ev
}

var _ event.Waiter = (*EDT)(nil)
