package runtime

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocr-runtime/ocr/internal/affinity"
	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/event"
	"github.com/ocr-runtime/ocr/internal/guid"
)

func newTestRuntime(t *testing.T, loc cmn.Loc) *Runtime {
	t.Helper()
	rt := New(Options{Loc: loc})
	rt.Start()
	t.Cleanup(rt.Stop)
	return rt
}

func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }

func waitFor(t *testing.T, ch <-chan uint32, d time.Duration) uint32 {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		t.Fatal("timed out waiting for edt body to run")
		return 0
	}
}

// Scenario 1: once-event chain (spec.md §8 scenario 1).
func TestScenarioOnceEventChain(t *testing.T) {
	rt := newTestRuntime(t, 0)
	result := make(chan uint32, 1)

	tmplGuid, err := rt.EdtTemplateCreate("scenario1.f", func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
		b, berr := rt.DbBytes(depv[0])
		if berr != nil {
			return cmn.NullGuid, berr
		}
		result <- getUint32(b)
		return cmn.NullGuid, nil
	}, 0, 1, nil)
	require.NoError(t, err)

	evtGuid, err := rt.EventCreate(event.KindOnce, true)
	require.NoError(t, err)

	edtGuid, err := rt.EdtCreate(tmplGuid, nil, 1, []cmn.Guid{cmn.NullGuid}, cmn.EdtPropNone, nil, cmn.NullGuid, cmn.NullGuid)
	require.NoError(t, err)
	require.NoError(t, rt.AddDependence(evtGuid, edtGuid, 0, cmn.ModeRO))

	dbGuid, ptr, err := rt.DbCreate(4, cmn.DBPropNone)
	require.NoError(t, err)
	putUint32(ptr, 42)
	rt.DbRelease(dbGuid, cmn.NullGuid, cmn.ModeEW)

	require.NoError(t, rt.EventSatisfySlot(evtGuid, dbGuid, 0))

	require.EqualValues(t, 42, waitFor(t, result, time.Second))
}

// Scenario 2: idempotent absorption (spec.md §8 scenario 2).
func TestScenarioIdempotentAbsorption(t *testing.T) {
	rt := newTestRuntime(t, 0)
	result := make(chan uint32, 1)

	tmplGuid, err := rt.EdtTemplateCreate("scenario2.f", func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
		b, berr := rt.DbBytes(depv[0])
		if berr != nil {
			return cmn.NullGuid, berr
		}
		result <- getUint32(b)
		return cmn.NullGuid, nil
	}, 0, 1, nil)
	require.NoError(t, err)

	evtGuid, err := rt.EventCreate(event.KindIdempotent, true)
	require.NoError(t, err)

	db0, ptr0, err := rt.DbCreate(4, cmn.DBPropNone)
	require.NoError(t, err)
	putUint32(ptr0, 42)
	rt.DbRelease(db0, cmn.NullGuid, cmn.ModeEW)

	db1, ptr1, err := rt.DbCreate(4, cmn.DBPropNone)
	require.NoError(t, err)
	putUint32(ptr1, 43)
	rt.DbRelease(db1, cmn.NullGuid, cmn.ModeEW)

	require.NoError(t, rt.EventSatisfySlot(evtGuid, db0, 0))
	require.NoError(t, rt.EventSatisfySlot(evtGuid, db1, 0))
	require.NoError(t, rt.EventSatisfySlot(evtGuid, db1, 0))

	edtGuid, err := rt.EdtCreate(tmplGuid, nil, 1, []cmn.Guid{cmn.NullGuid}, cmn.EdtPropNone, nil, cmn.NullGuid, cmn.NullGuid)
	require.NoError(t, err)
	require.NoError(t, rt.AddDependence(evtGuid, edtGuid, 0, cmn.ModeRO))

	require.EqualValues(t, 42, waitFor(t, result, time.Second))
}

// Scenario 3: finish-EDT latch (spec.md §8 scenario 3). A parent finish-EDT
// spawns 10 children; the completion event fires exactly once, after every
// child (and the parent itself) has terminated.
func TestScenarioFinishEdtLatch(t *testing.T) {
	rt := newTestRuntime(t, 0)
	var childRuns atomic.Int32
	done := make(chan uint32, 1)

	childTmpl, err := rt.EdtTemplateCreate("scenario3.child", func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
		childRuns.Add(1)
		return cmn.NullGuid, nil
	}, 0, 0, nil)
	require.NoError(t, err)

	latchGuid, fs, err := rt.FinishScopeCreate(nil)
	require.NoError(t, err)

	complGuid, err := rt.EventCreate(event.KindOnce, false)
	require.NoError(t, err)
	require.NoError(t, rt.AddDependence(latchGuid, complGuid, 0, cmn.ModeRO))

	watcherTmpl, err := rt.EdtTemplateCreate("scenario3.watcher", func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
		done <- uint32(childRuns.Load())
		return cmn.NullGuid, nil
	}, 0, 1, nil)
	require.NoError(t, err)
	watcherGuid, err := rt.EdtCreate(watcherTmpl, nil, 1, []cmn.Guid{cmn.NullGuid}, cmn.EdtPropNone, nil, cmn.NullGuid, cmn.NullGuid)
	require.NoError(t, err)
	require.NoError(t, rt.AddDependence(complGuid, watcherGuid, 0, cmn.ModeRO))

	const nChildren = 10
	parentTmpl, err := rt.EdtTemplateCreate("scenario3.parent", func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
		for i := 0; i < nChildren; i++ {
			if _, cerr := rt.EdtCreate(childTmpl, nil, 0, nil, cmn.EdtPropNone, nil, cmn.NullGuid, latchGuid); cerr != nil {
				return cmn.NullGuid, cerr
			}
		}
		return cmn.NullGuid, nil
	}, 0, 0, nil)
	require.NoError(t, err)

	_, err = rt.EdtCreate(parentTmpl, nil, 0, nil, cmn.EdtPropFinish, nil, cmn.NullGuid, latchGuid)
	require.NoError(t, err)

	require.EqualValues(t, nChildren, waitFor(t, done, time.Second))
	require.NotNil(t, fs)
}

// Scenario 4: cross-PD remote EDT (spec.md §8 scenario 4). An EDT created
// with an affinity hint targeting PD1 runs there, and affinityGetCurrent()
// inside its body reports PD1's own affinity guid.
func TestScenarioCrossPDRemoteEDT(t *testing.T) {
	rt0 := New(Options{Loc: 0, PDCount: 2})
	rt1 := New(Options{Loc: 1, PDCount: 2})
	rt0.Start()
	rt1.Start()
	t.Cleanup(rt0.Stop)
	t.Cleanup(rt1.Stop)

	seen := make(chan cmn.Guid, 1)

	const tmplName = "scenario4.f"
	_, err := rt0.EdtTemplateCreate(tmplName, func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
		t.Fatal("scenario4 template body ran on PD0, expected PD1")
		return cmn.NullGuid, nil
	}, 0, 0, nil)
	require.NoError(t, err)

	_, err = rt1.EdtTemplateCreate(tmplName, func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
		cur, aerr := rt1.AffinityGetCurrent()
		if aerr != nil {
			return cmn.NullGuid, aerr
		}
		seen <- cur
		return cmn.NullGuid, nil
	}, 0, 0, nil)
	require.NoError(t, err)

	a1, err := rt0.AffinityGet(affinity.KindArbitrary, 1)
	require.NoError(t, err)

	tmplGuid0, err := rt0.templates.LookupByName(tmplName)
	require.NoError(t, err)

	hints := cmn.Hints{cmn.HintEdtAffinity: a1}
	_, err = rt0.EdtCreate(tmplGuid0.Guid, nil, 0, nil, cmn.EdtPropNone, hints, cmn.NullGuid, cmn.NullGuid)
	require.NoError(t, err)

	select {
	case got := <-seen:
		want, werr := rt1.AffinityGet(affinity.KindArbitrary, 1)
		require.NoError(t, werr)
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for remote edt to run on PD1")
	}
}

// Scenario 5: labeled rendezvous (spec.md §8 scenario 5). Two PDs derive the
// same guid from an identical map and tuple, then race IS_LABELED|CHECK
// creation — exactly one wins.
func TestScenarioLabeledRendezvous(t *testing.T) {
	shared := affinity.NewTable(0, 2, guid.NewReservation(0))
	t.Cleanup(func() { _ = shared.Close() })

	rt0 := New(Options{Loc: 0, PDCount: 2, Affinity: shared})
	rt1 := New(Options{Loc: 1, PDCount: 2, Affinity: shared})
	rt0.Start()
	rt1.Start()
	t.Cleanup(rt0.Stop)
	t.Cleanup(rt1.Stop)

	gm := shared.GuidMapCreate(affinity.DefaultMapFn(10), nil, 10, cmn.KindEvent)
	g0 := rt0.GuidFromLabel(gm, []uint64{0})
	g1 := rt1.GuidFromLabel(gm, []uint64{0})
	require.Equal(t, g0, g1, "guidFromLabel must be a deterministic pure function of map+tuple")

	results := make(chan error, 2)
	go func() { results <- rt0.CreateLabeled(gm, g0) }()
	go func() { results <- rt1.CreateLabeled(gm, g1) }()

	r1, r2 := <-results, <-results
	oks, exists := 0, 0
	for _, r := range []error{r1, r2} {
		switch {
		case r == nil:
			oks++
		case r == cmn.ErrGuidExists:
			exists++
		}
	}
	require.Equal(t, 1, oks, "exactly one CreateLabeled call must succeed")
	require.Equal(t, 1, exists, "the other must observe EGUIDEXISTS")
}

// Scenario 6: channel pairing (spec.md §8 scenario 6). FIFO order of
// dependence registration on a channel event defines the consumer queue.
func TestScenarioChannelPairing(t *testing.T) {
	rt := newTestRuntime(t, 0)
	results0 := make(chan uint32, 1)
	results1 := make(chan uint32, 1)

	mk := func(name string, results chan<- uint32) cmn.Guid {
		g, err := rt.EdtTemplateCreate(name, func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
			b, berr := rt.DbBytes(depv[0])
			if berr != nil {
				return cmn.NullGuid, berr
			}
			results <- getUint32(b)
			return cmn.NullGuid, nil
		}, 0, 1, nil)
		require.NoError(t, err)
		return g
	}
	tmpl0 := mk("scenario6.edt0", results0)
	tmpl1 := mk("scenario6.edt1", results1)

	cGuid, err := rt.EventCreate(event.KindChannel, true)
	require.NoError(t, err)

	edt0, err := rt.EdtCreate(tmpl0, nil, 1, []cmn.Guid{cmn.NullGuid}, cmn.EdtPropNone, nil, cmn.NullGuid, cmn.NullGuid)
	require.NoError(t, err)
	edt1, err := rt.EdtCreate(tmpl1, nil, 1, []cmn.Guid{cmn.NullGuid}, cmn.EdtPropNone, nil, cmn.NullGuid, cmn.NullGuid)
	require.NoError(t, err)

	require.NoError(t, rt.AddDependence(cGuid, edt0, 0, cmn.ModeRO))
	require.NoError(t, rt.AddDependence(cGuid, edt1, 0, cmn.ModeRO))

	dbA, ptrA, err := rt.DbCreate(4, cmn.DBPropNone)
	require.NoError(t, err)
	putUint32(ptrA, 0xA)
	rt.DbRelease(dbA, cmn.NullGuid, cmn.ModeEW)

	dbB, ptrB, err := rt.DbCreate(4, cmn.DBPropNone)
	require.NoError(t, err)
	putUint32(ptrB, 0xB)
	rt.DbRelease(dbB, cmn.NullGuid, cmn.ModeEW)

	require.NoError(t, rt.EventSatisfySlot(cGuid, dbA, 0))
	require.NoError(t, rt.EventSatisfySlot(cGuid, dbB, 0))

	first := waitFor(t, results0, time.Second)
	second := waitFor(t, results1, time.Second)
	require.EqualValues(t, 0xA, first)
	require.EqualValues(t, 0xB, second)
}
