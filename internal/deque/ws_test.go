package deque

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

func TestWSDequePushPop(t *testing.T) {
	d := NewWSDeque(4)
	require.Equal(t, cmn.NullGuid, d.PopBottom(), "empty pop returns sentinel")

	g1 := cmn.MakeGuid(cmn.KindEDT, 0, 1)
	g2 := cmn.MakeGuid(cmn.KindEDT, 0, 2)
	d.PushBottom(g1)
	d.PushBottom(g2)
	require.Equal(t, 2, d.Len())
	require.Equal(t, g2, d.PopBottom())
	require.Equal(t, g1, d.PopBottom())
	require.Equal(t, cmn.NullGuid, d.PopBottom())
}

func TestWSDequeGrows(t *testing.T) {
	d := NewWSDeque(2)
	var pushed []cmn.Guid
	for i := uint32(0); i < 100; i++ {
		g := cmn.MakeGuid(cmn.KindEDT, 0, i)
		pushed = append(pushed, g)
		d.PushBottom(g)
	}
	require.Equal(t, 100, d.Len())
	for i := len(pushed) - 1; i >= 0; i-- {
		require.Equal(t, pushed[i], d.PopBottom())
	}
}

func TestWSDequeStealLiveness(t *testing.T) {
	// Every EDT pushed to a local deque is eventually executed by some
	// worker — spec.md §8's work-stealing liveness property — exercised
	// here as: everything pushed by the owner is either popped locally or
	// stolen by a thief, and no GUID is ever produced twice.
	d := NewWSDeque(4)
	const n = 5000
	for i := uint32(0); i < n; i++ {
		d.PushBottom(cmn.MakeGuid(cmn.KindEDT, 0, i))
	}

	seen := make(chan cmn.Guid, n)
	var wg sync.WaitGroup
	for th := 0; th < 8; th++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				g := d.Steal()
				if g.IsNull() {
					if d.Len() == 0 {
						return
					}
					continue
				}
				seen <- g
			}
		}()
	}
	wg.Wait()
	close(seen)

	got := map[cmn.Guid]bool{}
	for g := range seen {
		require.False(t, got[g], "guid stolen twice: %s", g)
		got[g] = true
	}
	require.Len(t, got, n, "every pushed guid must be observed exactly once")
}

func TestFIFODequeBackpressure(t *testing.T) {
	q := NewFIFODeque(2)
	require.NoError(t, q.PushBack(cmn.MakeGuid(cmn.KindEDT, 0, 1)))
	require.NoError(t, q.PushBack(cmn.MakeGuid(cmn.KindEDT, 0, 2)))
	require.ErrorIs(t, q.PushBack(cmn.MakeGuid(cmn.KindEDT, 0, 3)), cmn.ErrRetry)

	require.Equal(t, cmn.MakeGuid(cmn.KindEDT, 0, 1), q.PopFront())
	require.NoError(t, q.PushBack(cmn.MakeGuid(cmn.KindEDT, 0, 3)))
}

func TestPriorityDequeOrdering(t *testing.T) {
	pd := NewPriorityDeque()
	low := cmn.MakeGuid(cmn.KindEDT, 0, 1)
	high := cmn.MakeGuid(cmn.KindEDT, 0, 2)
	mid := cmn.MakeGuid(cmn.KindEDT, 0, 3)
	pd.Push(low, 1)
	pd.Push(high, 100)
	pd.Push(mid, 50)

	require.Equal(t, high, pd.PopBottom())
	require.Equal(t, mid, pd.PopBottom())
	require.Equal(t, low, pd.PopBottom())
	require.Equal(t, cmn.NullGuid, pd.PopBottom())
}
