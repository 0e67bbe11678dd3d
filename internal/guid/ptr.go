package guid

import (
	"sync"
	"unsafe"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

// PtrProvider is the "PTR provider" flavor: local resolution is a pointer
// cast. Each minted value is boxed once (new(interface{})) and its address
// stored as the slot; Resolve is an unsafe.Pointer cast back to
// *interface{}, no map lookup involved.
//
// OCR keeps this provider mainly for parity with a two-provider design;
// MapProvider is the one actually wired into runtime.Runtime by default,
// since Go's GC makes raw pointer-cast GUIDs an anti-pattern outside of a
// pinned arena. PtrProvider is exercised directly by its own tests and
// available to callers who need the zero-indirection fast path for
// short-lived, same-PD-only objects.
type PtrProvider struct {
	loc   cmn.Loc
	mu    sync.Mutex
	slots []unsafe.Pointer
}

func NewPtrProvider(loc cmn.Loc) *PtrProvider {
	return &PtrProvider{loc: loc, slots: make([]unsafe.Pointer, 0, 64)}
}

func (p *PtrProvider) Loc() cmn.Loc { return p.loc }

// Mint boxes value and encodes the slot index as the Guid's counter.
func (p *PtrProvider) Mint(kind cmn.Kind, value interface{}) cmn.Guid {
	box := &value
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.slots)
	p.slots = append(p.slots, unsafe.Pointer(box))
	return cmn.MakeGuid(kind, p.loc, uint32(idx))
}

func (p *PtrProvider) Resolve(g cmn.Guid) (interface{}, error) {
	_, _, idx := g.Decode()
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(idx) >= len(p.slots) || p.slots[idx] == nil {
		return nil, cmn.ErrGuidNotFound
	}
	box := (*interface{})(p.slots[idx])
	return *box, nil
}

// Update reboxes value at g's existing slot.
func (p *PtrProvider) Update(g cmn.Guid, value interface{}) {
	box := &value
	_, _, idx := g.Decode()
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(idx) < len(p.slots) {
		p.slots[idx] = unsafe.Pointer(box)
	}
}

func (p *PtrProvider) Release(g cmn.Guid) {
	_, _, idx := g.Decode()
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(idx) < len(p.slots) {
		p.slots[idx] = nil
	}
}

var _ Provider = (*MapProvider)(nil)
var _ Provider = (*PtrProvider)(nil)
