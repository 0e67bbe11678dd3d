package deque

import "github.com/ocr-runtime/ocr/internal/cmn"

// Workpile is the subset of deque behavior a scheduler needs regardless of
// which concrete ordering backs it: owner push/pop at one end, thieves
// steal from the other. PriorityDeque satisfies it through the
// PriorityWorkpile adapter below (Steal falls back to PopBottom under its
// own lock, since priority order has no fixed head/tail split to steal from
// safely without the lock).
type Workpile interface {
	PushBottom(g cmn.Guid)
	PopBottom() cmn.Guid
	Steal() cmn.Guid
	Len() int
}

// interface guard
var _ Workpile = (*WSDeque)(nil)

// PriorityWorkpile adapts PriorityDeque to the Workpile interface; pushing
// requires a priority so it is not exposed as PushBottom(guid) — callers
// needing priority ordering should use PriorityDeque directly and this
// adapter only when a uniform Workpile is required (e.g. dependency
// injection in tests).
type PriorityWorkpile struct {
	*PriorityDeque
	defaultPriority uint64
}

func NewPriorityWorkpile() *PriorityWorkpile {
	return &PriorityWorkpile{PriorityDeque: NewPriorityDeque()}
}

func (p *PriorityWorkpile) PushBottom(g cmn.Guid) { p.Push(g, p.defaultPriority) }
func (p *PriorityWorkpile) Steal() cmn.Guid       { return p.PopBottom() }

var _ Workpile = (*PriorityWorkpile)(nil)
