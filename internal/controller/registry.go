package controller

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/edgeflow/internal/flow"
)

// Factory builds a fresh processor instance.
type Factory func() flow.Processor

// TypeInfo describes a registered processor type.
type TypeInfo struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type registryEntry struct {
	info    TypeInfo
	factory Factory
}

// Registry stores processor factories by type name.
type Registry struct {
	mu    sync.RWMutex
	items map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]registryEntry)}
}

// Register adds a processor type.
func (r *Registry) Register(typeName, description string, factory Factory) error {
	typeName = strings.TrimSpace(typeName)
	if !isValidName(typeName) {
		return fmt.Errorf("%w: processor type %q", ErrInvalidName, typeName)
	}
	if factory == nil {
		return ErrFactoryNil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[typeName]; ok {
		return fmt.Errorf("%w: %s", ErrProcessorTypeExists, typeName)
	}
	r.items[typeName] = registryEntry{
		info:    TypeInfo{Type: typeName, Description: strings.TrimSpace(description)},
		factory: factory,
	}
	return nil
}

// New instantiates a processor of the given type.
func (r *Registry) New(typeName string) (flow.Processor, error) {
	r.mu.RLock()
	entry, ok := r.items[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessorType, typeName)
	}
	return entry.factory(), nil
}

// List returns registered types ordered by name.
func (r *Registry) List() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]TypeInfo, 0, len(r.items))
	for _, e := range r.items {
		list = append(list, e.info)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Type < list[j].Type
	})
	return list
}

// isValidName accepts letters, digits and single '.', '-', '_' separators
// that neither lead nor trail.
func isValidName(name string) bool {
	if name == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isAlpha || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
