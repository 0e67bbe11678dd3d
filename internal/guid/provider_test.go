package guid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

func TestMapProviderMintResolveRelease(t *testing.T) {
	p := NewMapProvider(0)
	g := p.Mint(cmn.KindEvent, "payload-42")
	require.False(t, g.IsNull())
	require.Equal(t, cmn.KindEvent, g.Kind())

	v, err := p.Resolve(g)
	require.NoError(t, err)
	require.Equal(t, "payload-42", v)

	p.Release(g)
	_, err = p.Resolve(g)
	require.ErrorIs(t, err, cmn.ErrGuidNotFound)
}

func TestMapProviderUnknownGuid(t *testing.T) {
	p := NewMapProvider(0)
	_, err := p.Resolve(cmn.MakeGuid(cmn.KindEvent, 0, 999))
	require.ErrorIs(t, err, cmn.ErrGuidNotFound)
}

func TestPtrProviderMintResolveRelease(t *testing.T) {
	p := NewPtrProvider(1)
	g := p.Mint(cmn.KindDB, 1234)
	v, err := p.Resolve(g)
	require.NoError(t, err)
	require.Equal(t, 1234, v)

	p.Release(g)
	_, err = p.Resolve(g)
	require.ErrorIs(t, err, cmn.ErrGuidNotFound)
}

func TestReservationGuidFromIndexDeterministic(t *testing.T) {
	r := NewReservation(0)
	start, stride := r.Reserve(10, cmn.KindGuidMap)
	a := GuidFromIndex(start, stride, 3)
	b := GuidFromIndex(start, stride, 3)
	require.Equal(t, a, b, "guidFromIndex must be a deterministic pure function")
	require.NotEqual(t, a, GuidFromIndex(start, stride, 4))
}

func TestLocalResolvable(t *testing.T) {
	g := cmn.MakeGuid(cmn.KindDB, 3, 7)
	require.True(t, g.LocalResolvable(3))
	require.False(t, g.LocalResolvable(4))
}
