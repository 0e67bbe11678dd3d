package edt

import (
	"github.com/ocr-runtime/ocr/internal/event"
)

// FinishScope is a "finish EDT" and its parent_finish_latch, following a
// two-phase increment/decrement protocol: every EDT created anywhere within
// a finish scope's dynamic extent increments that scope's latch before it
// runs and decrements it after termination (including abnormal
// termination), not merely once at the finish EDT's own creation. Nested
// finish scopes chain: a finish EDT created inside another finish scope
// increments both latches on Enter and decrements both on Exit.
type FinishScope struct {
	Latch  *event.Event // a KindLatch event; fires once incr==decr>=1
	Parent *FinishScope
}

// NewFinishScope wraps latch (already created by the caller as a KindLatch
// event) as a finish scope, nested under parent if non-nil.
func NewFinishScope(latch *event.Event, parent *FinishScope) *FinishScope {
	return &FinishScope{Latch: latch, Parent: parent}
}

// Enter increments this scope's latch and every ancestor's, for one EDT
// newly created within the scope.
func (f *FinishScope) Enter(pc *event.Ctx) {
	for s := f; s != nil; s = s.Parent {
		s.Latch.SatisfyIncr(pc)
	}
}

// Exit decrements this scope's latch and every ancestor's, once an EDT
// created within the scope terminates.
func (f *FinishScope) Exit(pc *event.Ctx) {
	for s := f; s != nil; s = s.Parent {
		s.Latch.SatisfyDecr(pc)
	}
}
