package datablock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

func newTestDB(t *testing.T, size int) *DataBlock {
	t.Helper()
	g := cmn.MakeGuid(cmn.KindDB, 0, 1)
	return New(g, 0, size, cmn.DBPropNone, nil)
}

func TestSharedReadOnlyAcquire(t *testing.T) {
	d := newTestDB(t, 16)
	edtA := cmn.MakeGuid(cmn.KindEDT, 0, 1)
	edtB := cmn.MakeGuid(cmn.KindEDT, 0, 2)

	_, err := d.Acquire(edtA, cmn.ModeRO)
	require.NoError(t, err)
	_, err = d.Acquire(edtB, cmn.ModeRO)
	require.NoError(t, err)
	require.Equal(t, 2, d.roCount)
}

func TestWriteAcquireQueuesBehindReaders(t *testing.T) {
	d := newTestDB(t, 16)
	reader := cmn.MakeGuid(cmn.KindEDT, 0, 1)
	writer := cmn.MakeGuid(cmn.KindEDT, 0, 2)

	_, err := d.Acquire(reader, cmn.ModeRO)
	require.NoError(t, err)

	grabbed := make(chan struct{})
	go func() {
		_, werr := d.Acquire(writer, cmn.ModeRW)
		require.NoError(t, werr)
		close(grabbed)
	}()

	select {
	case <-grabbed:
		t.Fatal("writer should not be granted while a reader holds the block")
	case <-time.After(30 * time.Millisecond):
	}

	d.Release(reader, cmn.ModeRO)
	select {
	case <-grabbed:
	case <-time.After(time.Second):
		t.Fatal("writer was never granted after the reader released")
	}
}

func TestExclusiveWriteSingleAssignment(t *testing.T) {
	d := newTestDB(t, 16)
	w1 := cmn.MakeGuid(cmn.KindEDT, 0, 1)
	w2 := cmn.MakeGuid(cmn.KindEDT, 0, 2)

	_, err := d.Acquire(w1, cmn.ModeEW)
	require.NoError(t, err)
	d.Release(w1, cmn.ModeEW)

	_, err = d.Acquire(w2, cmn.ModeEW)
	require.ErrorIs(t, err, cmn.ErrModeViolation)
}

func TestITWAllowsConcurrentReaders(t *testing.T) {
	d := newTestDB(t, 16)
	writer := cmn.MakeGuid(cmn.KindEDT, 0, 1)
	reader := cmn.MakeGuid(cmn.KindEDT, 0, 2)

	_, err := d.Acquire(writer, cmn.ModeITW)
	require.NoError(t, err)
	_, err = d.Acquire(reader, cmn.ModeRO)
	require.NoError(t, err)
}

func TestITWReleaseKeepsBlockingWritersWhileReadersRemain(t *testing.T) {
	d := newTestDB(t, 16)
	writer := cmn.MakeGuid(cmn.KindEDT, 0, 1)
	reader := cmn.MakeGuid(cmn.KindEDT, 0, 2)
	otherWriter := cmn.MakeGuid(cmn.KindEDT, 0, 3)

	_, err := d.Acquire(writer, cmn.ModeITW)
	require.NoError(t, err)
	_, err = d.Acquire(reader, cmn.ModeRO)
	require.NoError(t, err)

	d.Release(writer, cmn.ModeITW)

	grabbed := make(chan struct{})
	go func() {
		_, werr := d.Acquire(otherWriter, cmn.ModeEW)
		require.NoError(t, werr)
		close(grabbed)
	}()

	select {
	case <-grabbed:
		t.Fatal("EW should not be granted while the demoted ITW reader is still active")
	case <-time.After(30 * time.Millisecond):
	}

	d.Release(reader, cmn.ModeRO)
	select {
	case <-grabbed:
	case <-time.After(time.Second):
		t.Fatal("EW was never granted after the last reader released")
	}
}

func TestDestroyDefersUntilLastRelease(t *testing.T) {
	d := newTestDB(t, 16)
	holder := cmn.MakeGuid(cmn.KindEDT, 0, 1)
	_, err := d.Acquire(holder, cmn.ModeRW)
	require.NoError(t, err)

	d.Destroy()
	_, err = d.Acquire(cmn.MakeGuid(cmn.KindEDT, 0, 2), cmn.ModeRO)
	require.ErrorIs(t, err, cmn.ErrGuidNotFound)
	require.False(t, d.destroyed.Load(), "reclamation must wait for the last release")

	d.Release(holder, cmn.ModeRW)
	require.True(t, d.destroyed.Load())
}

func TestConcurrentReadersNeverOverlapWithAWriter(t *testing.T) {
	d := newTestDB(t, 16)
	var activeWriters, activeReaders int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	violate := false
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			edt := cmn.MakeGuid(cmn.KindEDT, 0, uint32(i)+1)
			mode := cmn.ModeRO
			if i%5 == 0 {
				mode = cmn.ModeRW
			}
			if _, err := d.Acquire(edt, mode); err != nil {
				return
			}
			mu.Lock()
			if mode == cmn.ModeRW {
				activeWriters++
			} else {
				activeReaders++
			}
			if activeWriters > 1 || (activeWriters == 1 && activeReaders > 0) {
				violate = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			if mode == cmn.ModeRW {
				activeWriters--
			} else {
				activeReaders--
			}
			mu.Unlock()
			d.Release(edt, mode)
		}(i)
	}
	wg.Wait()
	require.False(t, violate, "mode table violated: RW overlapped with another holder")
}
