// Package cmn holds OCR's wire-level vocabulary: the Guid type and its kind
// tag, the EDT/GUID property bitfields, the hints dictionary, and the
// sentinel errors every component reports through: small, dependency-light,
// imported by everyone.
package cmn

import "fmt"

// Guid is OCR's opaque, globally-unique identifier. High bits carry a
// location index (which PD owns it), a kind tag, and the remaining bits a
// counter — for the PTR provider the counter is the index of the slot that
// holds the local metadata pointer, not the pointer itself.
type Guid uint64

// NullGuid denotes "no object" — an unset slot, an absent payload.
const NullGuid Guid = 0

// Bit layout: [ kind:8 | loc:24 | counter:32 ].
const (
	kindShift    = 56
	kindMask     = 0xFF
	locShift     = 32
	locMask      = 0xFFFFFF
	counterShift = 0
	counterMask  = 0xFFFFFFFF
)

// Kind tags what a Guid refers to.
type Kind uint8

const (
	KindNone Kind = iota
	KindEDT
	KindTemplate
	KindEvent
	KindDB
	KindWorkpile
	KindAffinity
	KindGuidMap
	KindError   // carries an ERROR_GUID payload propagated through the dataflow graph
	KindMessage // tags a synthetic guid standing in for a queued PD message, internal/pd
)

func (k Kind) String() string {
	switch k {
	case KindEDT:
		return "edt"
	case KindTemplate:
		return "template"
	case KindEvent:
		return "event"
	case KindDB:
		return "db"
	case KindWorkpile:
		return "workpile"
	case KindAffinity:
		return "affinity"
	case KindGuidMap:
		return "guidmap"
	case KindError:
		return "error"
	case KindMessage:
		return "message"
	default:
		return "none"
	}
}

// Loc is a policy-domain location index, the high bits of a Guid.
type Loc uint32

// MakeGuid packs a kind, location, and counter into a Guid.
func MakeGuid(kind Kind, loc Loc, counter uint32) Guid {
	return Guid(uint64(kind)<<kindShift | (uint64(loc)&locMask)<<locShift | uint64(counter)&counterMask)
}

// Decode splits a Guid back into its kind, location, and counter.
func (g Guid) Decode() (kind Kind, loc Loc, counter uint32) {
	kind = Kind((uint64(g) >> kindShift) & kindMask)
	loc = Loc((uint64(g) >> locShift) & locMask)
	counter = uint32((uint64(g) >> counterShift) & counterMask)
	return
}

func (g Guid) Kind() Kind { kind, _, _ := g.Decode(); return kind }
func (g Guid) Loc() Loc   { _, loc, _ := g.Decode(); return loc }

// IsNull reports whether g is the null GUID.
func (g Guid) IsNull() bool { return g == NullGuid }

func (g Guid) String() string {
	if g.IsNull() {
		return "guid(null)"
	}
	kind, loc, counter := g.Decode()
	return fmt.Sprintf("guid(%s/pd%d/%#x)", kind, loc, counter)
}

// LocalResolvable reports whether g can be resolved without a cross-PD
// message, i.e. its location bits match the caller's own PD.
func (g Guid) LocalResolvable(self Loc) bool { return g.Loc() == self }
