// Package registry implements the Source Registry: identity and
// bookkeeping for every order producer, behind a single RWMutex-guarded
// map.
package registry

import (
	"sync"
	"time"

	"github.com/web3guy0/tradeagg/internal/model"
)

// Registry tracks Source identities and their counters.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*model.Source
}

// New creates an empty Source Registry.
func New() *Registry {
	return &Registry{
		sources: make(map[string]*model.Source),
	}
}

// Register adds or updates a source's static metadata without touching
// its counters.
func (r *Registry) Register(id string, kind model.SourceKind, displayName, strategyTag string) *model.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		src = &model.Source{ID: id}
		r.sources[id] = src
	}
	src.Kind = kind
	src.DisplayName = displayName
	src.StrategyTag = strategyTag
	src.LastSeenAt = time.Now()
	return src
}

// ensure returns the source for id, auto-registering it with kind = SYSTEM
// if unknown.
func (r *Registry) ensure(id string) *model.Source {
	src, ok := r.sources[id]
	if !ok {
		src = &model.Source{
			ID:          id,
			Kind:        model.SourceSystem,
			DisplayName: id,
		}
		r.sources[id] = src
	}
	return src
}

// RecordOrder increments the received counter for id and bumps LastSeenAt.
func (r *Registry) RecordOrder(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.ensure(id)
	src.Received++
	src.LastSeenAt = time.Now()
}

// RecordFill increments the processed counter for id.
func (r *Registry) RecordFill(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.ensure(id)
	src.Processed++
	src.LastSeenAt = time.Now()
}

// RecordRejection increments the rejected counter for id.
func (r *Registry) RecordRejection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.ensure(id)
	src.Rejected++
	src.LastSeenAt = time.Now()
}

// Get retrieves a source by id, or nil if unknown.
func (r *Registry) Get(id string) *model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[id]
}

// Snapshot returns a point-in-time copy of every registered source, for
// the metrics surface.
func (r *Registry) Snapshot() []model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, *s)
	}
	return out
}

// Count returns the number of known sources.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
