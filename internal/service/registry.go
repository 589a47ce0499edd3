package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/tabmodel"
)

// Registry tracks the live selectors of a runtime by selector index
type Registry struct {
	maxSelectors int

	mu        sync.RWMutex
	selectors map[int]*tabmodel.Selector
}

// NewRegistry creates an empty registry accepting indices below maxSelectors
func NewRegistry(maxSelectors int) *Registry {
	return &Registry{
		maxSelectors: maxSelectors,
		selectors:    make(map[int]*tabmodel.Selector),
	}
}

// MaxSelectors returns the number of selector indices
func (r *Registry) MaxSelectors() int {
	return r.maxSelectors
}

// Register claims index for s
func (r *Registry) Register(index int, s *tabmodel.Selector) error {
	if index < 0 || index >= r.maxSelectors {
		return fmt.Errorf("selector index %d out of range [0, %d)", index, r.maxSelectors)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.selectors[index]; ok && existing != s {
		return fmt.Errorf("selector index %d already in use", index)
	}
	r.selectors[index] = s
	return nil
}

// Unregister releases index when it is held by s
func (r *Registry) Unregister(index int, s *tabmodel.Selector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.selectors[index] == s {
		delete(r.selectors, index)
	}
}

// Selector returns the live selector at index, or nil
func (r *Registry) Selector(index int) *tabmodel.Selector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectors[index]
}

// Indices returns the live selector indices in ascending order
func (r *Registry) Indices() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int, 0, len(r.selectors))
	for index := range r.selectors {
		out = append(out, index)
	}
	sort.Ints(out)
	return out
}

// ActiveSelectorCount returns the number of live selectors
func (r *Registry) ActiveSelectorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.selectors)
}

// FindTab looks id up in every live selector, pending closures included.
// Selectors are looper-owned, so callers must be on the looper.
func (r *Registry) FindTab(id int) (index int, found *tabmodel.TabModel) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, s := range r.selectors {
		if m := s.ModelForTabID(id); m != nil {
			return i, m
		}
	}
	return model.InvalidIndex, nil
}

// IsTabLive reports whether any live selector holds id
func (r *Registry) IsTabLive(id int) bool {
	_, m := r.FindTab(id)
	return m != nil
}
