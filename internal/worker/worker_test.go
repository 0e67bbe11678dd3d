package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/edt"
)

func mkTemplate(fn edt.Body) *edt.Template {
	return &edt.Template{Guid: cmn.MakeGuid(cmn.KindTemplate, 0, 1), Name: "t", ParamC: 0, Body: fn}
}

func TestSchedulerExecutesLocalEDT(t *testing.T) {
	var ran int32
	var mu sync.Mutex
	tmpl := mkTemplate(func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
		mu.Lock()
		ran++
		mu.Unlock()
		return cmn.NullGuid, nil
	})

	store := map[cmn.Guid]*edt.EDT{}
	var smu sync.Mutex
	destroyed := map[cmn.Guid]bool{}

	hooks := Hooks{
		ResolveEDT: func(g cmn.Guid) (*edt.EDT, error) {
			smu.Lock()
			defer smu.Unlock()
			e, ok := store[g]
			if !ok {
				return nil, cmn.ErrGuidNotFound
			}
			return e, nil
		},
		DestroyEDT: func(g cmn.Guid) {
			smu.Lock()
			destroyed[g] = true
			smu.Unlock()
		},
	}
	sched := NewScheduler(2, hooks)
	sched.Start()
	defer sched.Stop()

	g := cmn.MakeGuid(cmn.KindEDT, 0, 1)
	e, err := edt.New(g, tmpl, nil, 0, cmn.EdtPropNone, cmn.NullGuid, cmn.NullGuid, cmn.NullGuid)
	require.NoError(t, err)
	smu.Lock()
	store[g] = e
	smu.Unlock()

	sched.PushLocal(0, g)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		smu.Lock()
		defer smu.Unlock()
		return destroyed[g]
	}, time.Second, time.Millisecond)
}

func TestStealingExecutesEveryPushedEDT(t *testing.T) {
	const n = 200
	var count int32
	var mu sync.Mutex
	tmpl := mkTemplate(func(paramv []uint64, depv []cmn.Guid) (cmn.Guid, error) {
		mu.Lock()
		count++
		mu.Unlock()
		return cmn.NullGuid, nil
	})

	store := map[cmn.Guid]*edt.EDT{}
	var smu sync.Mutex
	hooks := Hooks{
		ResolveEDT: func(g cmn.Guid) (*edt.EDT, error) {
			smu.Lock()
			defer smu.Unlock()
			e := store[g]
			return e, nil
		},
	}
	sched := NewScheduler(4, hooks)
	sched.Start()
	defer sched.Stop()

	for i := 0; i < n; i++ {
		g := cmn.MakeGuid(cmn.KindEDT, 0, uint32(i+1))
		e, err := edt.New(g, tmpl, nil, 0, cmn.EdtPropNone, cmn.NullGuid, cmn.NullGuid, cmn.NullGuid)
		require.NoError(t, err)
		smu.Lock()
		store[g] = e
		smu.Unlock()
		sched.PushLocal(0, g) // all pushed to worker 0; others must steal to help
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == n
	}, 3*time.Second, time.Millisecond)
}
