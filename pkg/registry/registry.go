// Package registry holds the metric definitions known to the pipeline.
package registry

import (
	"sort"
	"sync"

	"github.com/go-faster/errors"

	"github.com/vjranagit/metricpipe/pkg/types"
)

// Registry is the single source of truth for metric definitions.
//
// It is read by every ingestion call and is safe for concurrent use.
// Definitions are copied in and out, so callers never share state with it.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]types.MetricDefinition
}

// New creates a registry pre-populated with defs.
func New(defs ...types.MetricDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[string]types.MetricDefinition, len(defs))}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a new definition.
func (r *Registry) Register(def types.MetricDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[def.Name]; ok {
		return errors.Wrapf(types.ErrDuplicateMetric, "register %q", def.Name)
	}
	r.defs[def.Name] = def.Clone()
	return nil
}

// Update replaces an existing definition.
func (r *Registry) Update(def types.MetricDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[def.Name]; !ok {
		return errors.Wrapf(types.ErrNotFound, "update %q", def.Name)
	}
	r.defs[def.Name] = def.Clone()
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (types.MetricDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return types.MetricDefinition{}, errors.Wrapf(types.ErrNotFound, "metric %q", name)
	}
	return def.Clone(), nil
}

// Lookup is the ingestion-path variant of Get.
//
// It reports ErrUnknownMetric or ErrMetricDisabled instead of ErrNotFound
// and avoids wrapping so it stays cheap.
func (r *Registry) Lookup(name string) (types.MetricDefinition, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()

	switch {
	case !ok:
		return types.MetricDefinition{}, types.ErrUnknownMetric
	case !def.Enabled:
		return types.MetricDefinition{}, types.ErrMetricDisabled
	}
	return def, nil
}

// Enable marks name as enabled.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable marks name as disabled without removing it.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[name]
	if !ok {
		return errors.Wrapf(types.ErrNotFound, "metric %q", name)
	}
	def.Enabled = enabled
	r.defs[name] = def
	return nil
}

// List returns every definition sorted by name.
func (r *Registry) List() []types.MetricDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.MetricDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enabled returns the enabled definitions sorted by name.
func (r *Registry) Enabled() []types.MetricDefinition {
	all := r.List()
	out := all[:0]
	for _, d := range all {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
