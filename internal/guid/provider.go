// Package guid implements OCR's two GUID providers: a pointer-cast provider
// for same-PD metadata, and a map-based provider for everything else (the
// default OCR ships, since resolving a guid through a stored unsafe pointer
// is a trick the PTR provider opts into explicitly — see ptr.go).
package guid

import (
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/seiflotfy/cuckoofilter"
	"github.com/teris-io/shortid"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/nlog"
)

// Provider mints and resolves GUIDs for one policy domain.
type Provider interface {
	Mint(kind cmn.Kind, value interface{}) cmn.Guid
	// Update replaces the metadata stashed under an already-minted guid —
	// the runtime layer mints a guid before the object it names exists
	// (the object's own Guid field is set from the mint result), then
	// calls Update once construction finishes.
	Update(g cmn.Guid, value interface{})
	Resolve(g cmn.Guid) (interface{}, error)
	Release(g cmn.Guid)
	Loc() cmn.Loc
}

const shardCount = 32 // power of two; sized for typical GOMAXPROCS fan-out

type shard struct {
	mu sync.RWMutex
	m  map[cmn.Guid]interface{}
}

// MapProvider is a sharded, counted mapping from minted Guid to local
// metadata.
type MapProvider struct {
	loc     cmn.Loc
	counter atomic.Uint32
	shards  [shardCount]*shard

	// tomb tracks destroyed GUIDs in bounded space (unlike a map of every
	// GUID ever destroyed, which would grow without limit over a long-
	// running job). It is consulted only to improve diagnostics on a
	// Resolve miss — a destroyed guid is reported as such, never used to
	// reject a Resolve on its own, since cuckoo filters admit false
	// positives and must never gate correctness.
	tomb *cuckoofilter.Filter
	sid  *shortid.Shortid
}

func NewMapProvider(loc cmn.Loc) *MapProvider {
	sid, err := shortid.New(1, shortid.DefaultABC, uint64(loc)+1)
	if err != nil {
		// shortid.New only fails on a bad alphabet/seed combination; ours is
		// fixed and known-good, so this is an invariant violation.
		nlog.Errorf("guid: shortid init: %v", err)
		sid = shortid.MustNew(1, shortid.DefaultABC, 1)
	}
	p := &MapProvider{loc: loc, tomb: cuckoofilter.NewFilter(1 << 16), sid: sid}
	for i := range p.shards {
		p.shards[i] = &shard{m: make(map[cmn.Guid]interface{}, 64)}
	}
	return p
}

func (p *MapProvider) Loc() cmn.Loc { return p.loc }

func (p *MapProvider) shardFor(g cmn.Guid) *shard {
	_, _, counter := g.Decode()
	return p.shards[counter%shardCount]
}

// Mint allocates a fresh counter, stashes value under the resulting Guid,
// and tags it with a short debug label (purely cosmetic, surfaced by
// DebugLabel) generated via shortid so log lines reference something more
// legible than a raw counter.
func (p *MapProvider) Mint(kind cmn.Kind, value interface{}) cmn.Guid {
	c := p.counter.Add(1)
	g := cmn.MakeGuid(kind, p.loc, c)
	s := p.shardFor(g)
	s.mu.Lock()
	s.m[g] = value
	s.mu.Unlock()
	if nlog.FastV(4, nlog.SmoduleGuid) {
		label, _ := p.sid.Generate()
		nlog.Infof("guid: minted %s (%s)", g, label)
	}
	return g
}

// Update replaces the value stashed under an already-minted g. Used by
// callers that must mint a guid before the object it names is fully built
// (the object's own Guid field comes from the mint), then swap in the real
// value once construction finishes. A g that was never minted (or has since
// been released) is stored anyway — Update does not mint.
func (p *MapProvider) Update(g cmn.Guid, value interface{}) {
	s := p.shardFor(g)
	s.mu.Lock()
	s.m[g] = value
	s.mu.Unlock()
}

// Resolve returns the metadata value stashed under g, or cmn.ErrGuidNotFound
// if it was never minted here or has since been destroyed.
func (p *MapProvider) Resolve(g cmn.Guid) (interface{}, error) {
	s := p.shardFor(g)
	s.mu.RLock()
	v, ok := s.m[g]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}
	key := guidKey(g)
	if p.tomb.Lookup(key) {
		return nil, cmn.WrapProtocol(cmn.ErrGuidNotFound, "guid %s was destroyed", g)
	}
	return nil, cmn.ErrGuidNotFound
}

// Release removes g's metadata and records it in the tombstone filter so a
// subsequent Resolve reports a more specific "destroyed" error.
func (p *MapProvider) Release(g cmn.Guid) {
	s := p.shardFor(g)
	s.mu.Lock()
	delete(s.m, g)
	s.mu.Unlock()
	p.tomb.InsertUnique(guidKey(g))
}

func guidKey(g cmn.Guid) []byte {
	var b [8]byte
	v := uint64(g)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b[:]
}

// Hash64 is the deterministic tuple hash OCR's default affinity/labeled-GUID
// mapFn uses (see internal/affinity). The tombstone key encoding above is a
// plain little-endian byte layout and does not use it.
func Hash64(b []byte) uint64 { return xxhash.Checksum64(b) }
