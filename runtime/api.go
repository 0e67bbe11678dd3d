package runtime

import (
	"github.com/ocr-runtime/ocr/internal/affinity"
	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/datablock"
	"github.com/ocr-runtime/ocr/internal/edt"
	"github.com/ocr-runtime/ocr/internal/event"
)

// EdtTemplateCreate is edtTemplateCreate(fn, paramc, depc) -> tmplGuid.
func (rt *Runtime) EdtTemplateCreate(name string, fn edt.Body, paramc, depc uint32, hints cmn.Hints) (cmn.Guid, error) {
	g := rt.mintGuid(cmn.KindTemplate)
	tmpl := &edt.Template{Guid: g, Name: name, Body: fn, ParamC: paramc, DepC: depc, Hints: hints}
	if err := rt.templates.Register(tmpl); err != nil {
		rt.guids.Release(g)
		return cmn.NullGuid, err
	}
	rt.guids.Update(g, tmpl)
	return g, nil
}

// EdtCreate is edtCreate(tmpl, paramc, paramv, depc, depv, props, hint,
// &outEvt) -> edtGuid. depv carries each slot's producer guid at creation
// time (cmn.NullGuid for a slot left to a later AddDependence call).
// parentFinishLatch is OCR's own realization of EDT_PROP_FINISH nesting: a
// caller running inside a finish scope passes that scope's latch guid
// explicitly, since edt.Body carries no ambient "current scope" a
// goroutine-local could supply without reaching into runtime internals
// from within user code.
//
// A depc==0 EDT whose EDT_AFFINITY hint resolves to a different PD is
// forwarded there instead of being constructed locally; an EDT with any
// remote dependence is out of scope for this module's cross-PD placement
// (see DESIGN.md) and always runs locally.
func (rt *Runtime) EdtCreate(tmplGuid cmn.Guid, paramv []uint64, depc uint32, depv []cmn.Guid,
	props cmn.EdtProp, hints cmn.Hints, outputEvent, parentFinishLatch cmn.Guid) (cmn.Guid, error) {

	tmpl, err := rt.templates.LookupByGuid(tmplGuid)
	if err != nil {
		return cmn.NullGuid, err
	}
	affGuid, hasAff := hints.Affinity()

	if depc == 0 && hasAff {
		if dstLoc, aerr := rt.affin.Loc(affGuid); aerr == nil && dstLoc != rt.loc {
			return rt.forwardReadyEDT(dstLoc, tmpl.Name, paramv, props, outputEvent, affGuid, parentFinishLatch)
		}
	}
	return rt.createEDT(tmpl, paramv, depc, depv, props, outputEvent, affGuid, parentFinishLatch)
}

func (rt *Runtime) createEDT(tmpl *edt.Template, paramv []uint64, depc uint32, depv []cmn.Guid,
	props cmn.EdtProp, outputEvent, affinityHint, parentFinishLatch cmn.Guid) (cmn.Guid, error) {

	g := rt.mintGuid(cmn.KindEDT)
	e, err := edt.New(g, tmpl, paramv, depc, props, outputEvent, affinityHint, parentFinishLatch)
	if err != nil {
		rt.guids.Release(g)
		return cmn.NullGuid, err
	}
	if !affinityHint.IsNull() {
		rt.affin.SetPlacement(g, affinityHint)
	}
	e.SetOnReady(func(ready *edt.EDT) {
		rt.sched.Enqueue(ready, int(rt.nextWorker.Add(1)))
	})
	if !parentFinishLatch.IsNull() {
		if fs := rt.finishScopeFor(parentFinishLatch); fs != nil {
			fs.Enter(event.NewCtx(nil))
		}
	}

	rt.mu.Lock()
	rt.edts[g] = e
	rt.mu.Unlock()
	rt.guids.Update(g, e)

	for slot, producer := range depv {
		if slot >= int(depc) || producer.IsNull() {
			continue
		}
		if aerr := e.AddDependence(slot, producer); aerr != nil {
			return g, aerr
		}
		if rerr := rt.registerWithProducer(producer, e, slot, cmn.ModeRO); rerr != nil {
			return g, rerr
		}
	}

	if e.IsReadyAtCreation() {
		rt.sched.Enqueue(e, int(rt.nextWorker.Add(1)))
	}
	return g, nil
}

// registerWithProducer subscribes w on producer: if producer is an event,
// w is registered as a waiter on it (notified inline if it already fired);
// otherwise producer is treated as an already-resolved payload guid and w
// is notified immediately — the depv-at-creation path for a slot whose
// producer is a DB rather than an event.
func (rt *Runtime) registerWithProducer(producer cmn.Guid, w event.Waiter, slot int, mode cmn.AcquireMode) error {
	if producer.Kind() == cmn.KindEvent {
		pevt, err := rt.lookupEvent(producer)
		if err != nil {
			return err
		}
		_, err = pevt.RegisterWaiter(event.NewCtx(nil), w, slot, mode)
		return err
	}
	w.Notify(event.NewCtx(nil), slot, producer, nil)
	return nil
}

// AddDependence is addDependence(src, dst, slot, mode). dst may be an EDT
// (the ordinary case) or another Event — event-to-event dependence — since
// *event.Event already implements event.Waiter.
func (rt *Runtime) AddDependence(producer, waiter cmn.Guid, slot int, mode cmn.AcquireMode) error {
	var w event.Waiter
	switch waiter.Kind() {
	case cmn.KindEDT:
		e, err := rt.lookupEDT(waiter)
		if err != nil {
			return err
		}
		if err := e.AddDependence(slot, producer, mode); err != nil {
			return err
		}
		w = e
	case cmn.KindEvent:
		evt, err := rt.lookupEvent(waiter)
		if err != nil {
			return err
		}
		w = evt
	default:
		return cmn.WrapProtocol(cmn.ErrInvalid, "addDependence: waiter %s is neither edt nor event", waiter)
	}
	return rt.registerWithProducer(producer, w, slot, mode)
}

// EventCreate is eventCreate(kind, takesArg, props) -> evtGuid.
// Once and Counted events self-destruct (release their own guid) once their
// terminal condition fires; Latch events do not (see FinishScopeCreate).
func (rt *Runtime) EventCreate(kind event.Kind, takesArg bool) (cmn.Guid, error) {
	g := rt.mintGuid(cmn.KindEvent)
	evt := event.New(g, kind, takesArg)
	if kind == event.KindOnce || kind == event.KindCounted {
		evt.SetAutoDestroy(func(eg cmn.Guid) {
			rt.mu.Lock()
			delete(rt.events, eg)
			rt.mu.Unlock()
			rt.guids.Release(eg)
		})
	}
	rt.mu.Lock()
	rt.events[g] = evt
	rt.mu.Unlock()
	rt.guids.Update(g, evt)
	return g, nil
}

// EventCreateCounted creates a Counted event pre-armed to self-destruct
// after n propagations.
func (rt *Runtime) EventCreateCounted(n int64, takesArg bool) (cmn.Guid, error) {
	g, err := rt.EventCreate(event.KindCounted, takesArg)
	if err != nil {
		return cmn.NullGuid, err
	}
	evt, _ := rt.lookupEvent(g)
	evt.InitCounted(n)
	return g, nil
}

// FinishScopeCreate creates a Latch event backing a new finish scope,
// nested under parent (nil for a top-level finish-EDT), realizing
// EDT_PROP_FINISH / parent_finish_latch semantics. The returned guid is
// what callers pass as EdtCreate's parentFinishLatch for
// the finish-EDT itself and for every EDT it dynamically creates; subscribe
// a completion event to it with AddDependence(latchGuid, completionEvt, 0,
// mode) to learn when the scope (and every descendant it tracked) has
// terminated.
func (rt *Runtime) FinishScopeCreate(parent *edt.FinishScope) (cmn.Guid, *edt.FinishScope, error) {
	g := rt.mintGuid(cmn.KindEvent)
	latch := event.New(g, event.KindLatch, false)
	rt.mu.Lock()
	rt.events[g] = latch
	rt.mu.Unlock()
	rt.guids.Update(g, latch)
	fs := edt.NewFinishScope(latch, parent)
	rt.registerFinishScope(g, fs)
	return g, fs, nil
}

// EventSatisfySlot is eventSatisfySlot(evt, dbGuid, slot).
func (rt *Runtime) EventSatisfySlot(evtGuid, payload cmn.Guid, slot int) error {
	evt, err := rt.lookupEvent(evtGuid)
	if err != nil {
		return err
	}
	return evt.Satisfy(event.NewCtx(nil), payload, slot)
}

// EventDestroy releases evtGuid; any still-pending waiters are notified
// with cmn.ErrCanceled (internal/event.Event.Destroy).
func (rt *Runtime) EventDestroy(evtGuid cmn.Guid) error {
	evt, err := rt.lookupEvent(evtGuid)
	if err != nil {
		return err
	}
	evt.Destroy(event.NewCtx(nil))
	return nil
}

// DbCreate is dbCreate(size, props, hint) -> (dbGuid, ptr): the creator
// receives an already-writable pointer, held under an implicit
// initial EW grant (single-assignment) until DbRelease commits it, unless
// DB_PROP_NO_ACQUIRE is set.
func (rt *Runtime) DbCreate(size int, props cmn.DBProp) (cmn.Guid, []byte, error) {
	g := rt.mintGuid(cmn.KindDB)
	d := datablock.New(g, rt.loc, size, props, func(rg cmn.Guid) {
		rt.mu.Lock()
		delete(rt.dbs, rg)
		rt.mu.Unlock()
		rt.guids.Release(rg)
	})
	rt.mu.Lock()
	rt.dbs[g] = d
	rt.mu.Unlock()
	rt.guids.Update(g, d)

	if props&cmn.DBPropNoAcquire != 0 {
		return g, nil, nil
	}
	ptr, err := d.Acquire(cmn.NullGuid, cmn.ModeEW)
	if err != nil {
		return g, nil, err
	}
	return g, ptr, nil
}

// DbBytes resolves dbGuid to its backing slice (datablock.DataBlock.Bytes),
// for a template Body to read or write one of its already mode-checked
// depv slots without re-acquiring — the worker's own AcquireDB/ReleaseDB
// bracket around the Body call is what makes this safe.
func (rt *Runtime) DbBytes(dbGuid cmn.Guid) ([]byte, error) {
	d, err := rt.lookupDB(dbGuid)
	if err != nil {
		return nil, err
	}
	return d.Bytes(), nil
}

// DbAcquire is dbAcquire(db, mode) -> ptr.
func (rt *Runtime) DbAcquire(dbGuid, caller cmn.Guid, mode cmn.AcquireMode) ([]byte, error) {
	d, err := rt.lookupDB(dbGuid)
	if err != nil {
		return nil, err
	}
	return d.Acquire(caller, mode)
}

// DbRelease is dbRelease(db).
func (rt *Runtime) DbRelease(dbGuid, caller cmn.Guid, mode cmn.AcquireMode) {
	d, err := rt.lookupDB(dbGuid)
	if err != nil {
		return
	}
	d.Release(caller, mode)
}

// DbDestroy is dbDestroy(db).
func (rt *Runtime) DbDestroy(dbGuid cmn.Guid) error {
	d, err := rt.lookupDB(dbGuid)
	if err != nil {
		return err
	}
	d.Destroy()
	return nil
}

// AffinityCount is affinityCount(kind).
func (rt *Runtime) AffinityCount(kind affinity.Kind) int { return rt.affin.AffinityCount(kind) }

// AffinityGet is affinityGet(kind, idx) -> guid.
func (rt *Runtime) AffinityGet(kind affinity.Kind, idx int) (cmn.Guid, error) {
	return rt.affin.AffinityGet(kind, idx)
}

// AffinityGetCurrent is affinityGetCurrent(): the affinity guid of the PD
// a Template.Body is presently executing on.
func (rt *Runtime) AffinityGetCurrent() (cmn.Guid, error) {
	return rt.affin.AffinityGet(affinity.KindCurrent, 0)
}

// AffinityQuery is affinityQuery(guid) -> affinity_guid.
func (rt *Runtime) AffinityQuery(obj cmn.Guid) (cmn.Guid, error) { return rt.affin.AffinityQuery(obj) }

// GuidMapCreate is guidMapCreate(mapFn, params, count, kind).
func (rt *Runtime) GuidMapCreate(mapFn affinity.MapFn, params []uint64, count uint64, kind cmn.Kind) *affinity.GuidMap {
	return rt.affin.GuidMapCreate(mapFn, params, count, kind)
}

// GuidFromLabel is guidFromLabel(map, tuple) -> guid.
func (rt *Runtime) GuidFromLabel(gm *affinity.GuidMap, tuple []uint64) cmn.Guid {
	return affinity.GuidFromLabel(gm, tuple)
}

// CreateLabeled realizes GUID_PROP_IS_LABELED|GUID_PROP_CHECK creation:
// exactly one concurrent caller across every Runtime sharing this
// affinity.Table wins; the rest observe cmn.ErrGuidExists.
func (rt *Runtime) CreateLabeled(gm *affinity.GuidMap, g cmn.Guid) error {
	return rt.affin.CreateLabeled(gm, g)
}
