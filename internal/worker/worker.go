// Package worker implements OCR's worker loop and work-stealing scheduler:
// pop local / steal remote / execute. The loop is a select over an abort
// channel and an idle ticker, falling through to a backoff when both the
// local workpile and every steal attempt come up empty.
package worker

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/debug"
	"github.com/ocr-runtime/ocr/internal/deque"
	"github.com/ocr-runtime/ocr/internal/edt"
	"github.com/ocr-runtime/ocr/internal/event"
	"github.com/ocr-runtime/ocr/internal/nlog"
)

// Hooks bundles every runtime-layer callback the worker loop needs.
// internal/worker never imports internal/runtime, internal/pd, or
// internal/affinity directly: runtime.Runtime installs these closures at
// construction time instead, giving each worker an explicit per-worker
// context rather than reaching through a package-level global.
type Hooks struct {
	ResolveEDT    func(cmn.Guid) (*edt.EDT, error)
	AcquireDB     func(db, caller cmn.Guid, mode cmn.AcquireMode) ([]byte, error)
	ReleaseDB     func(db, caller cmn.Guid, mode cmn.AcquireMode)
	SatisfyEvent  func(evt, payload cmn.Guid) error
	DestroyEDT    func(cmn.Guid)
	ReleaseGuid   func(cmn.Guid)
	ReportFailure func(e *edt.EDT, err error)
	// Place decides where a just-runnable EDT goes: forward it to a remote
	// PD (an explicit affinity hint targeting a PD other than the current
	// one) or push it onto some worker's local tail. nil means "push to the
	// worker index passed to Scheduler.Enqueue" (its fallback).
	Place func(s *Scheduler, e *edt.EDT)
	// DrainMessage pops and dispatches one inbound PD message for this
	// worker, returning its synthetic guid (or cmn.NullGuid if none is
	// pending / the PD layer isn't wired). Processed ahead of user EDTs.
	DrainMessage func(w *Worker) cmn.Guid
}

// Worker is one compute thread's scheduler state: a work-stealing deque of
// runnable EDT guids, a side queue (kept apart from that deque) of deferred
// event-propagation records replayed instead of recursing further, and the
// per-worker "current EDT" register a running task body's resolver
// introspection needs.
type Worker struct {
	id     int
	sched  *Scheduler
	ready  *deque.WSDeque

	propMu sync.Mutex
	propQ  []event.PropagationRecord

	current atomic.Pointer[edt.EDT]

	abort chan struct{}
	done  chan struct{}
	rng   *rand.Rand

	idleTick time.Duration
}

func newWorker(id int, sched *Scheduler) *Worker {
	return &Worker{
		id:       id,
		sched:    sched,
		ready:    deque.NewWSDeque(256),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
		rng:      rand.New(rand.NewSource(int64(id) + 1)),
		idleTick: 200 * time.Microsecond,
	}
}

// ID is this worker's index within its Scheduler.
func (w *Worker) ID() int { return w.id }

// Push places g onto this worker's own tail — the local half of the
// runnable-EDT placement policy; the remote half forwards to another PD
// instead.
func (w *Worker) Push(g cmn.Guid) { w.ready.PushBottom(g) }

// Current returns the EDT this worker is presently executing, or nil — the
// resolver-introspection register a running task body can query.
func (w *Worker) Current() *edt.EDT { return w.current.Load() }

// QueueDepth reports how many runnable EDTs sit in this worker's own
// workpile right now, for runtime.Metrics' workpile-depth gauge.
func (w *Worker) QueueDepth() int { return w.ready.Len() }

// DeferPropagation implements event.Deferrer: once a synchronous
// notification chain crosses event.MaxSyncPropagationDepth, the remaining
// fan-out is replayed here instead of recursing further.
func (w *Worker) DeferPropagation(rec event.PropagationRecord) {
	w.propMu.Lock()
	w.propQ = append(w.propQ, rec)
	w.propMu.Unlock()
}

func (w *Worker) popPropagation() (event.PropagationRecord, bool) {
	w.propMu.Lock()
	defer w.propMu.Unlock()
	if len(w.propQ) == 0 {
		return event.PropagationRecord{}, false
	}
	rec := w.propQ[0]
	w.propQ = w.propQ[1:]
	return rec, true
}

// Run is the worker loop proper: drain inbound messages, replay any
// deferred propagation, then pop local / steal remote / back off.
func (w *Worker) Run(wg *sync.WaitGroup) {
	defer close(w.done)
	wg.Done()
	idle := time.NewTicker(w.idleTick)
	defer idle.Stop()

	for {
		select {
		case <-w.abort:
			// drain this worker's own workpile before exiting
			for g := w.ready.PopBottom(); !g.IsNull(); g = w.ready.PopBottom() {
				w.execute(g)
			}
			return
		default:
		}

		if w.sched.hooks.DrainMessage != nil {
			if mg := w.sched.hooks.DrainMessage(w); !mg.IsNull() {
				continue
			}
		}
		if rec, ok := w.popPropagation(); ok {
			rec.Run(event.NewCtx(w))
			continue
		}

		g := w.ready.PopBottom()
		if g.IsNull() {
			g = w.stealFromRandomVictim()
		}
		if g.IsNull() {
			select {
			case <-idle.C:
			case <-w.abort:
			}
			continue
		}
		w.execute(g)
	}
}

// Stop signals the loop to exit and blocks until it has.
func (w *Worker) Stop() {
	select {
	case <-w.abort:
	default:
		close(w.abort)
	}
	<-w.done
}

func (w *Worker) stealFromRandomVictim() cmn.Guid {
	peers := w.sched.peers(w.id)
	if len(peers) == 0 {
		return cmn.NullGuid
	}
	start := w.rng.Intn(len(peers))
	for i := 0; i < len(peers); i++ {
		victim := peers[(start+i)%len(peers)]
		if g := victim.ready.Steal(); !g.IsNull() {
			return g
		}
	}
	return cmn.NullGuid
}

// execute resolves g's EDT, acquires its dependence-block slots in order,
// runs the EDT body once every slot is satisfied, then releases every
// acquired slot and reports success or failure.
func (w *Worker) execute(g cmn.Guid) {
	hooks := w.sched.hooks
	if hooks.ResolveEDT == nil {
		debug.Assertf(false, "worker %d: no ResolveEDT hook installed", w.id)
		return
	}
	e, err := hooks.ResolveEDT(g)
	if err != nil {
		if nlog.FastV(2, nlog.SmoduleWorker) {
			nlog.Warnf("worker %d: resolve %s: %v", w.id, g, err)
		}
		return
	}

	w.current.Store(e)
	defer w.current.Store(nil)

	depv, errv := e.DepV()
	modev := e.DepModes()

	type held struct {
		db   cmn.Guid
		mode cmn.AcquireMode
	}
	var acquired []held

	for i, dg := range depv {
		if errv[i] != nil {
			// an error GUID in any non-optional slot makes the EDT
			// un-runnable; report failure instead of invoking the body,
			// after releasing whatever was already acquired for earlier
			// slots.
			for _, h := range acquired {
				hooks.ReleaseDB(h.db, g, h.mode)
			}
			w.reportFailure(e, errv[i])
			return
		}
		if dg.IsNull() || dg.Kind() != cmn.KindDB {
			continue // an event-only dependence carries no DB payload to acquire
		}
		if hooks.AcquireDB == nil {
			continue
		}
		if _, aerr := hooks.AcquireDB(dg, g, modev[i]); aerr != nil {
			for _, h := range acquired {
				hooks.ReleaseDB(h.db, g, h.mode)
			}
			w.reportFailure(e, aerr)
			return
		}
		acquired = append(acquired, held{db: dg, mode: modev[i]})
	}

	out, berr := e.Template.Body(e.ParamV, depv)

	for _, h := range acquired {
		if hooks.ReleaseDB != nil {
			hooks.ReleaseDB(h.db, g, h.mode)
		}
	}

	if berr != nil {
		w.reportFailure(e, berr)
		return
	}
	if !e.OutputEvent.IsNull() && hooks.SatisfyEvent != nil {
		if serr := hooks.SatisfyEvent(e.OutputEvent, out); serr != nil && nlog.FastV(3, nlog.SmoduleWorker) {
			nlog.Warnf("worker %d: satisfy output event %s: %v", w.id, e.OutputEvent, serr)
		}
	}
	w.finishEDT(e)
}

func (w *Worker) reportFailure(e *edt.EDT, err error) {
	if w.sched.hooks.ReportFailure != nil {
		w.sched.hooks.ReportFailure(e, err)
	} else if nlog.FastV(1, nlog.SmoduleWorker) {
		nlog.Errorf("worker %d: edt %s failed: %v", w.id, e.Guid, err)
	}
	w.finishEDT(e)
}

func (w *Worker) finishEDT(e *edt.EDT) {
	hooks := w.sched.hooks
	if hooks.DestroyEDT != nil {
		hooks.DestroyEDT(e.Guid)
	}
	if hooks.ReleaseGuid != nil {
		hooks.ReleaseGuid(e.Guid)
	}
}
