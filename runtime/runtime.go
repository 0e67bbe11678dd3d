// Package runtime assembles OCR's subsystems (guid provider, EDT and event
// tables, data blocks, the worker scheduler, the affinity/labeled-GUID
// facility, the PD message pump, and the runlevel controller) into one
// Runtime per policy domain, exposing OCR's external interface as methods.
// Nothing here is itself a new algorithm: it is wiring, with explicit
// per-instance context and no package-level singletons — the way
// internal/worker.Hooks is wired by its caller rather than reaching for
// globals.
package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocr-runtime/ocr/internal/affinity"
	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/config"
	"github.com/ocr-runtime/ocr/internal/datablock"
	"github.com/ocr-runtime/ocr/internal/edt"
	"github.com/ocr-runtime/ocr/internal/event"
	"github.com/ocr-runtime/ocr/internal/guid"
	"github.com/ocr-runtime/ocr/internal/nlog"
	"github.com/ocr-runtime/ocr/internal/pd"
	"github.com/ocr-runtime/ocr/internal/runlevel"
	"github.com/ocr-runtime/ocr/internal/worker"
)

// Options configures one PD's Runtime.
type Options struct {
	Loc     cmn.Loc
	PDCount int // total PDs in this job; sizes internal/affinity's fixed roster (min 1)
	Config  *config.Config

	// Platform is the transport a Pump sends/receives over. nil builds a
	// LoopbackPlatform bound to Loc — the in-process fast path.
	Platform pd.CommPlatform

	// Affinity lets two or more in-process Runtimes share one affinity
	// table (and therefore one buntdb label index), the documented
	// mechanism for exercising cross-PD IS_LABELED|CHECK collision
	// detection without a real second process. nil builds a fresh table
	// private to this Runtime.
	Affinity *affinity.Table

	Registry *prometheus.Registry // nil -> prometheus.NewRegistry()
}

// Runtime is one policy domain's complete OCR instance.
type Runtime struct {
	RunID uuid.UUID
	loc   cmn.Loc
	cfg   *config.Config

	guids   guid.Provider
	reserve *guid.Reservation

	templates *edt.Registry
	sched     *worker.Scheduler
	affin     *affinity.Table
	rl        *runlevel.Controller

	pump     *pd.Pump
	platform pd.CommPlatform

	metrics *Metrics

	mu           sync.Mutex
	events       map[cmn.Guid]*event.Event
	dbs          map[cmn.Guid]*datablock.DataBlock
	edts         map[cmn.Guid]*edt.EDT
	finishScopes map[cmn.Guid]*edt.FinishScope

	nextWorker atomic.Uint32
	shutdown   atomic.Bool
}

// New builds a Runtime from opts, wiring every internal/worker.Hooks
// closure and registering a runlevel.Component per subsystem that needs
// staged bring-up/tear-down. The scheduler is not started until BringUp (or
// Start, for callers that don't need the full runlevel ladder) runs.
func New(opts Options) *Runtime {
	if opts.Config == nil {
		opts.Config, _ = config.ParseString("")
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	pdCount := opts.PDCount
	if pdCount <= 0 {
		pdCount = 1
	}
	reserve := guid.NewReservation(opts.Loc)
	affin := opts.Affinity
	if affin == nil {
		affin = affinity.NewTable(opts.Loc, pdCount, reserve)
	}
	platform := opts.Platform
	if platform == nil {
		platform = pd.NewLoopbackPlatform(opts.Loc)
	}

	rt := &Runtime{
		RunID:        uuid.New(),
		loc:          opts.Loc,
		cfg:          opts.Config,
		guids:        guid.NewMapProvider(opts.Loc),
		reserve:      reserve,
		templates:    edt.NewRegistry(),
		affin:        affin,
		rl:           runlevel.NewController(opts.Loc),
		platform:     platform,
		metrics:      newMetrics(opts.Registry),
		events:       make(map[cmn.Guid]*event.Event),
		dbs:          make(map[cmn.Guid]*datablock.DataBlock),
		edts:         make(map[cmn.Guid]*edt.EDT),
		finishScopes: make(map[cmn.Guid]*edt.FinishScope),
	}
	rt.pump = pd.NewPump(opts.Loc, platform, 256)
	rt.registerPumpHandlers()

	workerCount := opts.Config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}
	rt.sched = worker.NewScheduler(workerCount, worker.Hooks{
		ResolveEDT:    rt.resolveEDT,
		AcquireDB:     rt.acquireDBForWorker,
		ReleaseDB:     rt.releaseDBForWorker,
		SatisfyEvent:  rt.satisfyEventForWorker,
		DestroyEDT:    rt.destroyEDTForWorker,
		ReleaseGuid:   rt.guids.Release,
		ReportFailure: rt.reportFailure,
		DrainMessage:  rt.drainMessage,
		// Place stays nil: cross-PD placement is resolved up front inside
		// EdtCreate (see api.go), before any local guid is even minted, so
		// Scheduler.Enqueue's local-push fallback is all a worker ever
		// needs — see DESIGN.md.
	})

	rt.registerRunlevelComponents()
	return rt
}

// Loc is this Runtime's policy-domain location index.
func (rt *Runtime) Loc() cmn.Loc { return rt.loc }

// Config is the parsed config descriptor this Runtime was built from.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// Start launches the worker pool directly, bypassing the runlevel ladder —
// a convenience for tests and any caller that doesn't need staged bring-up.
func (rt *Runtime) Start() { rt.sched.Start() }

// Stop signals every worker to drain and exit, blocking until they have.
func (rt *Runtime) Stop() { rt.sched.Stop() }

// BringUp walks the full CONFIG_PARSE..USER_OK runlevel ladder, starting
// the worker pool as part of COMPUTE_OK.
func (rt *Runtime) BringUp(ctx context.Context) error { return rt.rl.BringUp(ctx) }

// TearDown walks the runlevel ladder in reverse, then closes the PD pump
// and affinity table. The components' callbacks cannot tell bring-up from
// tear-down; they skip their start actions only once Shutdown has run.
func (rt *Runtime) TearDown(ctx context.Context) error {
	err := rt.rl.TearDown(ctx)
	if cerr := rt.pump.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if rt.affin != nil {
		if cerr := rt.affin.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Shutdown is shutdown(): it stops the scheduler but leaves TearDown
// (network/pd/affinity release) to the caller, since a Runtime mid-test
// may want to inspect its tables after the workers have drained.
func (rt *Runtime) Shutdown() {
	if !rt.shutdown.CompareAndSwap(false, true) {
		return
	}
	rt.sched.Stop()
}

func (rt *Runtime) registerRunlevelComponents() {
	rt.rl.Register(&runlevel.Component{
		Name: "pd",
		Callback: func(_ context.Context, level runlevel.Level, _ int, _ map[string]any) error {
			if level != runlevel.NetworkOK || rt.shutdown.Load() {
				return nil
			}
			if hp, ok := rt.platform.(*pd.HTTPPlatform); ok {
				go func() {
					if err := hp.ListenAndServe(); err != nil {
						nlog.Errorf("runtime: pd %d http listen: %v", rt.loc, err)
					}
				}()
			}
			return nil
		},
	})
	rt.rl.Register(&runlevel.Component{
		Name: "compute",
		Callback: func(_ context.Context, level runlevel.Level, _ int, _ map[string]any) error {
			if level != runlevel.ComputeOK || rt.shutdown.Load() {
				return nil
			}
			rt.sched.Start()
			go rt.pollWorkpileDepth()
			return nil
		},
	})
}

// pollWorkpileDepth periodically updates the workpile-depth gauge until
// Shutdown is called (Stop alone does not end it) — cheap enough (one Len() read per worker) to
// not warrant a push-based hook into internal/worker.
func (rt *Runtime) pollWorkpileDepth() {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for range t.C {
		n := rt.sched.NumWorkers()
		total := 0
		for i := 0; i < n; i++ {
			total += rt.sched.Worker(i).QueueDepth()
		}
		rt.metrics.setWorkpileDepth(total)
		if rt.shutdown.Load() {
			return
		}
	}
}

func (rt *Runtime) mintGuid(kind cmn.Kind) cmn.Guid {
	return rt.guids.Mint(kind, nil)
}

func (rt *Runtime) lookupEvent(g cmn.Guid) (*event.Event, error) {
	rt.mu.Lock()
	e, ok := rt.events[g]
	rt.mu.Unlock()
	if !ok {
		return nil, cmn.ErrGuidNotFound
	}
	return e, nil
}

func (rt *Runtime) lookupEDT(g cmn.Guid) (*edt.EDT, error) {
	rt.mu.Lock()
	e, ok := rt.edts[g]
	rt.mu.Unlock()
	if !ok {
		return nil, cmn.ErrGuidNotFound
	}
	return e, nil
}

func (rt *Runtime) lookupDB(g cmn.Guid) (*datablock.DataBlock, error) {
	rt.mu.Lock()
	d, ok := rt.dbs[g]
	rt.mu.Unlock()
	if !ok {
		return nil, cmn.ErrGuidNotFound
	}
	return d, nil
}

func (rt *Runtime) finishScopeFor(latchGuid cmn.Guid) *edt.FinishScope {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.finishScopes[latchGuid]
}

func (rt *Runtime) registerFinishScope(latchGuid cmn.Guid, fs *edt.FinishScope) {
	rt.mu.Lock()
	rt.finishScopes[latchGuid] = fs
	rt.mu.Unlock()
}

// resolveEDT is worker.Hooks.ResolveEDT.
func (rt *Runtime) resolveEDT(g cmn.Guid) (*edt.EDT, error) { return rt.lookupEDT(g) }

// acquireDBForWorker is worker.Hooks.AcquireDB.
func (rt *Runtime) acquireDBForWorker(dbGuid, caller cmn.Guid, mode cmn.AcquireMode) ([]byte, error) {
	d, err := rt.lookupDB(dbGuid)
	if err != nil {
		return nil, err
	}
	return d.Acquire(caller, mode)
}

// releaseDBForWorker is worker.Hooks.ReleaseDB.
func (rt *Runtime) releaseDBForWorker(dbGuid, caller cmn.Guid, mode cmn.AcquireMode) {
	d, err := rt.lookupDB(dbGuid)
	if err != nil {
		return
	}
	d.Release(caller, mode)
}

// satisfyEventForWorker is worker.Hooks.SatisfyEvent, invoked with an EDT's
// output payload once its body returns. Slot 0 by convention: an output
// event takes at most one argument.
func (rt *Runtime) satisfyEventForWorker(evtGuid, payload cmn.Guid) error {
	evt, err := rt.lookupEvent(evtGuid)
	if err != nil {
		return err
	}
	return evt.Satisfy(event.NewCtx(nil), payload, 0)
}

// destroyEDTForWorker is worker.Hooks.DestroyEDT: it retires the EDT's
// bookkeeping entry and, if the EDT was created within a finish scope,
// decrements that scope's latch (and every ancestor's).
func (rt *Runtime) destroyEDTForWorker(g cmn.Guid) {
	rt.mu.Lock()
	e, ok := rt.edts[g]
	if ok {
		delete(rt.edts, g)
	}
	rt.mu.Unlock()
	if !ok {
		return
	}
	rt.metrics.edtsExecuted.Inc()
	if !e.ParentFinishLatch.IsNull() {
		if fs := rt.finishScopeFor(e.ParentFinishLatch); fs != nil {
			fs.Exit(event.NewCtx(nil))
		}
	}
}

// reportFailure is worker.Hooks.ReportFailure: it mints an ERROR_GUID and,
// if the EDT had an output event, propagates the failure through it
// exactly as a successful satisfy would propagate a payload.
func (rt *Runtime) reportFailure(e *edt.EDT, err error) {
	rt.metrics.edtsFailed.Inc()
	errGuid := rt.guids.Mint(cmn.KindError, err)
	if e.OutputEvent.IsNull() {
		nlog.Warnf("runtime: edt %s failed with no output event: %v", e.Guid, err)
		return
	}
	evt, lerr := rt.lookupEvent(e.OutputEvent)
	if lerr != nil {
		return
	}
	if serr := evt.Satisfy(event.NewCtx(nil), errGuid, 0); serr != nil && nlog.FastV(2, nlog.SmoduleRuntime) {
		nlog.Warnf("runtime: edt %s: propagating failure through %s: %v", e.Guid, e.OutputEvent, serr)
	}
}

// drainMessage is worker.Hooks.DrainMessage.
func (rt *Runtime) drainMessage(_ *worker.Worker) cmn.Guid {
	if !rt.pump.DrainOne() {
		return cmn.NullGuid
	}
	return cmn.MakeGuid(cmn.KindMessage, rt.loc, 0)
}
