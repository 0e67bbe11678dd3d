// Package runlevel implements OCR's runlevel controller: switchRunlevel(pd,
// level, phase, props, callback) orchestrating bring-up and tear-down
// across every registered component. Each level's phase callbacks run
// concurrently via golang.org/x/sync/errgroup, short-circuiting the whole
// level switch on the first error — a fenced parallel startup that, unlike
// a plain sync.WaitGroup fan-out, aborts on error rather than merely
// recording one and continuing.
package runlevel

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/nlog"
)

// Level is one of OCR's bring-up stages, in ascending order.
type Level int

const (
	ConfigParse Level = iota
	NetworkOK
	PDOK
	MemoryOK
	GuidOK
	ComputeOK
	UserOK
)

func (l Level) String() string {
	switch l {
	case ConfigParse:
		return "CONFIG_PARSE"
	case NetworkOK:
		return "NETWORK_OK"
	case PDOK:
		return "PD_OK"
	case MemoryOK:
		return "MEMORY_OK"
	case GuidOK:
		return "GUID_OK"
	case ComputeOK:
		return "COMPUTE_OK"
	case UserOK:
		return "USER_OK"
	default:
		return "UNKNOWN"
	}
}

// order is bring-up order; tear-down walks it in reverse.
var order = []Level{ConfigParse, NetworkOK, PDOK, MemoryOK, GuidOK, ComputeOK, UserOK}

// Callback is one component's per-(level,phase) hook.
type Callback func(ctx context.Context, level Level, phase int, props map[string]any) error

// Component is a registered participant in runlevel bring-up/tear-down.
// Phases declares, per level, how many phase barriers that component needs
// at that level; a level with no entry defaults to 1 phase.
type Component struct {
	Name     string
	Phases   map[Level]int
	Callback Callback
}

func (c *Component) phaseCount(l Level) int {
	if n, ok := c.Phases[l]; ok && n > 0 {
		return n
	}
	return 1
}

// Controller runs switchRunlevel across every registered Component for one
// policy domain.
type Controller struct {
	loc cmn.Loc

	mu         sync.Mutex
	components []*Component
	current    Level
}

// NewController builds a controller for policy domain loc.
func NewController(loc cmn.Loc) *Controller {
	return &Controller{loc: loc}
}

// Register adds comp to the controller's roster. Must happen before the
// first Switch/BringUp call.
func (c *Controller) Register(comp *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, comp)
}

// Current reports the last level this controller successfully switched to.
func (c *Controller) Current() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Switch is switchRunlevel(pd, level, phase, props, callback): every
// registered component's Callback for (level, phase) runs concurrently;
// the first error aborts the whole switch (via errgroup's derived
// context) and is returned, leaving c.current unchanged.
func (c *Controller) Switch(ctx context.Context, level Level, phase int, props map[string]any) error {
	c.mu.Lock()
	components := append([]*Component(nil), c.components...)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, comp := range components {
		comp := comp
		g.Go(func() error {
			if comp.Callback == nil {
				return nil
			}
			if nlog.FastV(4, nlog.SmoduleRunlevel) {
				nlog.Infof("runlevel: %s switching %s phase %d -> level %s", comp.Name, c.loc, phase, level)
			}
			return comp.Callback(gctx, level, phase, props)
		})
	}
	if err := g.Wait(); err != nil {
		return cmn.WrapProtocol(err, "runlevel: switch to %s phase %d failed", level, phase)
	}
	c.mu.Lock()
	c.current = level
	c.mu.Unlock()
	return nil
}

// maxPhaseCount returns the most phases any registered component declared
// for level (default 1).
func (c *Controller) maxPhaseCount(level Level) int {
	n := 1
	for _, comp := range c.components {
		if pc := comp.phaseCount(level); pc > n {
			n = pc
		}
	}
	return n
}

// BringUp walks CONFIG_PARSE..USER_OK in order, running every phase barrier
// each level's components declared.
func (c *Controller) BringUp(ctx context.Context) error {
	for _, level := range order {
		phases := c.maxPhaseCount(level)
		for phase := 0; phase < phases; phase++ {
			if err := c.Switch(ctx, level, phase, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// TearDown walks USER_OK..CONFIG_PARSE in reverse. Unlike BringUp, TearDown
// keeps going after a component error (so the rest of the stack still gets
// a chance to release its resources) and returns the first error
// encountered, if any.
func (c *Controller) TearDown(ctx context.Context) error {
	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		level := order[i]
		phases := c.maxPhaseCount(level)
		for phase := phases - 1; phase >= 0; phase-- {
			if err := c.Switch(ctx, level, phase, nil); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				nlog.Errorf("runlevel: teardown %s phase %d: %v", level, phase, err)
			}
		}
	}
	return firstErr
}
