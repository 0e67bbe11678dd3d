// Package edt implements the EDT (task), Template, and template registry.
// The registry follows a "Renewable" factory-registry pattern: a factory
// registers itself at init time by name, and a later call looks it up and
// instantiates it. Registration happens once, up front, and is assumed to
// complete before any Create call; the registry still guards both paths
// with an RWMutex, taking only the shared lock on lookups.
package edt

import (
	"sync"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

// Body is an EDT's executable function: the template's "function pointer."
// paramv/depv are the resolved parameter and dependence vectors; no
// execution context is passed in.
type Body func(paramv []uint64, depv []cmn.Guid) (outputPayload cmn.Guid, err error)

// Template is the immutable descriptor a task is instantiated from:
// function pointer, expected paramc/depc, optional hint dictionary.
type Template struct {
	Guid   cmn.Guid
	Name   string
	Body   Body
	ParamC uint32 // cmn.EdtParamUnk if not fixed at registration time
	DepC   uint32
	Hints  cmn.Hints
}

// Registry maps a name (and, once registered, a GUID) to its Template.
// Registration is expected at init time only; the read path (Lookup*)
// takes the shared side of mu.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Template
	byGuid  map[cmn.Guid]*Template
	started bool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Template), byGuid: make(map[cmn.Guid]*Template)}
}

// Register adds tmpl under its Name, expected to happen before the first
// Create call. A name collision is a caller bug (duplicate template
// registration), reported rather than silently overwritten.
func (r *Registry) Register(tmpl *Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[tmpl.Name]; exists {
		return cmn.WrapProtocol(cmn.ErrGuidExists, "template %q already registered", tmpl.Name)
	}
	r.byName[tmpl.Name] = tmpl
	r.byGuid[tmpl.Guid] = tmpl
	return nil
}

func (r *Registry) LookupByName(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	if !ok {
		return nil, cmn.ErrGuidNotFound
	}
	return t, nil
}

func (r *Registry) LookupByGuid(g cmn.Guid) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byGuid[g]
	if !ok {
		return nil, cmn.ErrGuidNotFound
	}
	return t, nil
}
