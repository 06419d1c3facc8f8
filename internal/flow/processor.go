package flow

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// PropertySpec declares one configurable property of a processor.
type PropertySpec struct {
	Name        string
	Description string
	Default     string
	Required    bool
}

// Processor is the capability set the scheduler drives. Relationships and
// Properties are fixed for the life of the instance.
type Processor interface {
	Relationships() []Relationship
	Properties() []PropertySpec
	// OnSchedule resolves configuration. It runs before the first trigger
	// and again whenever the property set changes.
	OnSchedule(pc *ProcessContext) error
	// OnTrigger performs one unit of work in s. The scheduler commits s when
	// OnTrigger returns nil and rolls it back otherwise.
	OnTrigger(ctx context.Context, pc *ProcessContext, s *Session) error
}

// Stopper is implemented by processors holding resources across triggers.
type Stopper interface {
	OnStop()
}

// ProcessContext exposes an immutable property snapshot to one invocation.
type ProcessContext struct {
	Name    string
	Logger  zerolog.Logger
	props   map[string]string
	specs   map[string]PropertySpec
	version uint64
}

func NewProcessContext(name string, specs []PropertySpec, props map[string]string, version uint64, logger zerolog.Logger) *ProcessContext {
	byName := make(map[string]PropertySpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	return &ProcessContext{
		Name:    name,
		Logger:  logger,
		props:   props,
		specs:   byName,
		version: version,
	}
}

// Version identifies the property snapshot.
func (pc *ProcessContext) Version() uint64 { return pc.version }

// Property returns the configured value or the declared default.
func (pc *ProcessContext) Property(name string) (string, bool) {
	if v, ok := pc.props[name]; ok {
		return v, true
	}
	if spec, ok := pc.specs[name]; ok && spec.Default != "" {
		return spec.Default, true
	}
	return "", false
}

// Required is Property for properties that must be non-empty.
func (pc *ProcessContext) Required(name string) (string, error) {
	v, ok := pc.Property(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", pc.propertyErr(name, "required property not set")
	}
	return v, nil
}

func (pc *ProcessContext) Int(name string, fallback int) (int, error) {
	v, ok := pc.Property(name)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, pc.propertyErr(name, "not an integer: "+v)
	}
	return n, nil
}

func (pc *ProcessContext) Bool(name string, fallback bool) (bool, error) {
	v, ok := pc.Property(name)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, pc.propertyErr(name, "not a boolean: "+v)
	}
	return b, nil
}

// Duration accepts Go durations ("250ms") or bare milliseconds.
func (pc *ProcessContext) Duration(name string, fallback time.Duration) (time.Duration, error) {
	v, ok := pc.Property(name)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return fallback, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, pc.propertyErr(name, "not a duration: "+v)
	}
	return d, nil
}

func (pc *ProcessContext) propertyErr(name, reason string) *PropertyError {
	return &PropertyError{Processor: pc.Name, Property: name, Reason: reason}
}
