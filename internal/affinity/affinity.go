// Package affinity implements OCR's affinity facility and labeled-GUID
// rendezvous: affinityCount/affinityGet/affinityQuery over a fixed roster
// of PD affinity guids, and guidMapCreate/guidFromLabel for deterministic
// tuple -> guid derivation with an atomic collision check on
// IS_LABELED|CHECK creation.
package affinity

import (
	"fmt"
	"sync"

	"github.com/tidwall/buntdb"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/guid"
	"github.com/ocr-runtime/ocr/internal/nlog"
)

// Kind is one of affinity's three kinds: the calling PD, the designated
// master PD, or an arbitrarily-indexed PD in the roster.
type Kind int

const (
	KindCurrent Kind = iota
	KindMaster
	KindArbitrary
)

func (k Kind) String() string {
	switch k {
	case KindCurrent:
		return "current"
	case KindMaster:
		return "master"
	default:
		return "arbitrary"
	}
}

// MapFn is the user-supplied tuple -> guid mapping function recorded by
// guidMapCreate. DefaultMapFn below is the hash-based helper OCR ships for
// callers who don't need custom tuple semantics.
type MapFn func(start cmn.Guid, stride uint64, params []uint64, tuple []uint64) cmn.Guid

// GuidMap is a reserved GUID range plus its registered mapping function —
// the handle guidMapCreate returns and guidFromLabel consumes.
type GuidMap struct {
	Start  cmn.Guid
	Stride uint64
	N      uint64
	Params []uint64
	Fn     MapFn
}

// GuidFromLabel is guidFromLabel(map, tuple) -> guid: a deterministic pure
// function of gm and tuple, invoking the registered mapFn.
func GuidFromLabel(gm *GuidMap, tuple []uint64) cmn.Guid {
	return gm.Fn(gm.Start, gm.Stride, gm.Params, tuple)
}

// DefaultMapFn hashes the tuple's serialized bytes with xxhash (via
// internal/guid's Hash64) and maps the result into
// [0, N) via guid.GuidFromIndex — OCR's out-of-the-box deterministic
// tuple -> guid mapping.
func DefaultMapFn(n uint64) MapFn {
	return func(start cmn.Guid, stride uint64, params []uint64, tuple []uint64) cmn.Guid {
		b := make([]byte, 0, 8*(len(params)+len(tuple)))
		for _, p := range params {
			b = appendU64(b, p)
		}
		for _, t := range tuple {
			b = appendU64(b, t)
		}
		idx := guid.Hash64(b) % n
		return guid.GuidFromIndex(start, stride, idx)
	}
}

func appendU64(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// Table is one process's affinity/labeled-GUID facility, giving
// deterministic rendezvous across PDs without prior coordination. Multiple
// in-process PDs (the LoopbackPlatform case internal/pd and runtime use for
// tests and single-binary jobs) share one Table and therefore one buntdb
// index, so an IS_LABELED|CHECK collision between two local PDs is caught
// directly; a true cross-process collision additionally requires
// forwarding the CHECK create to the labeled guid's resolvable owner PD
// over internal/pd, which is a documented extension point, not built here
// (see DESIGN.md).
type Table struct {
	mu      sync.RWMutex
	self    cmn.Loc
	pdGuids []cmn.Guid // one affinity guid per known PD, index = loc
	master  int

	reserve *guid.Reservation
	maps    map[cmn.Guid]*GuidMap

	db *buntdb.DB

	objMu sync.RWMutex
	obj   map[cmn.Guid]cmn.Guid // object guid -> affinity guid it was placed under
}

// NewTable builds a table for PD `self` knowing about pdCount peers
// (including itself), with loc 0 as master by convention.
func NewTable(self cmn.Loc, pdCount int, reserve *guid.Reservation) *Table {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		cmn.Fatal("affinity: buntdb open: %v", err)
	}
	if err := db.CreateIndex("label", "label:*", buntdb.IndexString); err != nil {
		nlog.Warnf("affinity: create index: %v", err)
	}
	t := &Table{
		self:    self,
		reserve: reserve,
		maps:    make(map[cmn.Guid]*GuidMap),
		db:      db,
		obj:     make(map[cmn.Guid]cmn.Guid),
	}
	t.pdGuids = make([]cmn.Guid, pdCount)
	for i := range t.pdGuids {
		t.pdGuids[i] = cmn.MakeGuid(cmn.KindAffinity, cmn.Loc(i), uint32(i))
	}
	return t
}

// Close releases the backing buntdb instance.
func (t *Table) Close() error { return t.db.Close() }

// AffinityCount is affinityCount(kind).
func (t *Table) AffinityCount(kind Kind) int {
	switch kind {
	case KindCurrent, KindMaster:
		return 1
	case KindArbitrary:
		return len(t.pdGuids)
	default:
		return 0
	}
}

// AffinityGet is affinityGet(kind, idx) -> guid.
func (t *Table) AffinityGet(kind Kind, idx int) (cmn.Guid, error) {
	switch kind {
	case KindCurrent:
		if idx != 0 {
			return cmn.NullGuid, cmn.ErrInvalid
		}
		return t.pdGuids[t.self], nil
	case KindMaster:
		if idx != 0 {
			return cmn.NullGuid, cmn.ErrInvalid
		}
		return t.pdGuids[t.master], nil
	case KindArbitrary:
		if idx < 0 || idx >= len(t.pdGuids) {
			return cmn.NullGuid, cmn.WrapProtocol(cmn.ErrInvalid, "affinity: arbitrary idx %d out of range", idx)
		}
		return t.pdGuids[idx], nil
	default:
		return cmn.NullGuid, cmn.ErrInvalid
	}
}

// Loc reports the PD location an affinity guid refers to.
func (t *Table) Loc(affinityGuid cmn.Guid) (cmn.Loc, error) {
	for i, g := range t.pdGuids {
		if g == affinityGuid {
			return cmn.Loc(i), nil
		}
	}
	return 0, cmn.ErrGuidNotFound
}

// SetPlacement records which affinity guid an object (EDT or DB) was
// placed under, so AffinityQuery can answer later.
func (t *Table) SetPlacement(obj, aff cmn.Guid) {
	t.objMu.Lock()
	t.obj[obj] = aff
	t.objMu.Unlock()
}

// AffinityQuery is affinityQuery(guid) -> affinity_guid.
func (t *Table) AffinityQuery(obj cmn.Guid) (cmn.Guid, error) {
	t.objMu.RLock()
	defer t.objMu.RUnlock()
	aff, ok := t.obj[obj]
	if !ok {
		return cmn.NullGuid, cmn.ErrGuidNotFound
	}
	return aff, nil
}

// GuidMapCreate is guidMapCreate(numParams, mapFn, params, count, kind):
// reserves a contiguous range via internal/guid's Reservation and records
// the caller's mapping function.
func (t *Table) GuidMapCreate(mapFn MapFn, params []uint64, count uint64, kind cmn.Kind) *GuidMap {
	start, stride := t.reserve.Reserve(count, kind)
	gm := &GuidMap{Start: start, Stride: stride, N: count, Params: params, Fn: mapFn}
	t.mu.Lock()
	t.maps[start] = gm
	t.mu.Unlock()
	return gm
}

func labelKey(start cmn.Guid, g cmn.Guid) string {
	return fmt.Sprintf("label:%d:%d", uint64(start), uint64(g))
}

// CreateLabeled realizes the IS_LABELED|CHECK creation half of labeled-guid
// rendezvous: g was already derived via GuidFromLabel; CreateLabeled
// atomically records it as created under gm and reports
// cmn.ErrGuidExists if some other caller (in this or another local PD
// sharing this Table) won the race first.
func (t *Table) CreateLabeled(gm *GuidMap, g cmn.Guid) error {
	key := labelKey(gm.Start, g)
	var collided bool
	err := t.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			collided = true
			return nil
		}
		_, _, err := tx.Set(key, "1", nil)
		return err
	})
	if err != nil {
		return cmn.WrapResource(err, "affinity: labeled-guid create %s", g)
	}
	if collided {
		return cmn.ErrGuidExists
	}
	return nil
}
