package controller

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/edgeflow/internal/flow"
)

// PropertySet holds one processor's configuration. Updates replace the whole
// map so a snapshot never mixes values from two batches.
type PropertySet struct {
	owner string
	specs map[string]flow.PropertySpec

	mu      sync.RWMutex
	values  map[string]string
	version uint64
}

// NewPropertySet validates initial against the declared specs.
func NewPropertySet(owner string, specs []flow.PropertySpec, initial map[string]string) (*PropertySet, error) {
	ps := &PropertySet{
		owner:  owner,
		specs:  make(map[string]flow.PropertySpec, len(specs)),
		values: make(map[string]string, len(initial)),
	}
	for _, spec := range specs {
		ps.specs[spec.Name] = spec
	}
	for name, value := range initial {
		if err := ps.check(name); err != nil {
			return nil, err
		}
		ps.values[name] = value
	}
	return ps, nil
}

// Snapshot returns a private copy of the values and their version.
func (ps *PropertySet) Snapshot() (map[string]string, uint64) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make(map[string]string, len(ps.values))
	for k, v := range ps.values {
		out[k] = v
	}
	return out, ps.version
}

func (ps *PropertySet) Version() uint64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.version
}

func (ps *PropertySet) Get(name string) (string, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	v, ok := ps.values[name]
	return v, ok
}

func (ps *PropertySet) Set(name, value string) error {
	return ps.Apply(map[string]string{name: value})
}

// Apply validates every name, then swaps in the updated map in one step.
func (ps *PropertySet) Apply(updates map[string]string) error {
	for name := range updates {
		if err := ps.check(name); err != nil {
			return err
		}
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	next := make(map[string]string, len(ps.values)+len(updates))
	for k, v := range ps.values {
		next[k] = v
	}
	for k, v := range updates {
		next[k] = v
	}
	ps.values = next
	ps.version++
	return nil
}

// Specs returns the declared properties ordered by name.
func (ps *PropertySet) Specs() []flow.PropertySpec {
	out := make([]flow.PropertySpec, 0, len(ps.specs))
	for _, s := range ps.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (ps *PropertySet) check(name string) error {
	if _, ok := ps.specs[name]; !ok {
		return fmt.Errorf("%w: processor=%q property=%q", ErrUnknownProperty, ps.owner, name)
	}
	return nil
}
