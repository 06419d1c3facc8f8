package controller

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSchedulingPeriod = time.Second
	DefaultYieldDuration    = time.Second
)

// FlowDefinition is the flow YAML: processors and the connections between
// them. Name is reported to the controller as the agent name.
type FlowDefinition struct {
	Name        string                 `yaml:"name"`
	Processors  []ProcessorDefinition  `yaml:"processors"`
	Connections []ConnectionDefinition `yaml:"connections"`
}

type ProcessorDefinition struct {
	Name             string            `yaml:"name"`
	Type             string            `yaml:"type"`
	SchedulingPeriod time.Duration     `yaml:"scheduling_period"`
	YieldDuration    time.Duration     `yaml:"yield_duration"`
	Properties       map[string]string `yaml:"properties"`
}

// ConnectionDefinition binds one source relationship to a queue. An empty
// destination makes the queue a terminal sink.
type ConnectionDefinition struct {
	Name         string `yaml:"name"`
	Source       string `yaml:"source"`
	Relationship string `yaml:"relationship"`
	Destination  string `yaml:"destination"`
	MaxQueueSize int    `yaml:"max_queue_size"`
}

// LoadFlow reads and validates a flow YAML file.
func LoadFlow(path string) (FlowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FlowDefinition{}, fmt.Errorf("controller: read flow %s: %w", path, err)
	}
	return ParseFlow(raw)
}

func ParseFlow(raw []byte) (FlowDefinition, error) {
	var def FlowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return FlowDefinition{}, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return FlowDefinition{}, err
	}
	return def, nil
}

// WithDefaults fills scheduling defaults and connection names.
func (d FlowDefinition) WithDefaults() FlowDefinition {
	d.Name = strings.TrimSpace(d.Name)
	procs := make([]ProcessorDefinition, len(d.Processors))
	for i, p := range d.Processors {
		p.Name = strings.TrimSpace(p.Name)
		p.Type = strings.TrimSpace(p.Type)
		if p.SchedulingPeriod <= 0 {
			p.SchedulingPeriod = DefaultSchedulingPeriod
		}
		if p.YieldDuration <= 0 {
			p.YieldDuration = DefaultYieldDuration
		}
		procs[i] = p
	}
	d.Processors = procs
	conns := make([]ConnectionDefinition, len(d.Connections))
	for i, c := range d.Connections {
		c.Source = strings.TrimSpace(c.Source)
		c.Relationship = strings.TrimSpace(c.Relationship)
		c.Destination = strings.TrimSpace(c.Destination)
		if strings.TrimSpace(c.Name) == "" {
			dest := c.Destination
			if dest == "" {
				dest = "sink"
			}
			c.Name = c.Source + "/" + c.Relationship + "/" + dest
		}
		conns[i] = c
	}
	d.Connections = conns
	return d
}

// Validate checks names and connection endpoints. Relationship names are
// checked against the processors when the controller is built.
func (d FlowDefinition) Validate() error {
	if !isValidName(d.Name) {
		return fmt.Errorf("%w: flow name %q", ErrInvalidFlow, d.Name)
	}
	if len(d.Processors) == 0 {
		return fmt.Errorf("%w: no processors", ErrInvalidFlow)
	}
	names := make(map[string]struct{}, len(d.Processors))
	for _, p := range d.Processors {
		if !isValidName(p.Name) {
			return fmt.Errorf("%w: processor name %q", ErrInvalidName, p.Name)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateProcessor, p.Name)
		}
		if p.Type == "" {
			return fmt.Errorf("%w: processor %q has no type", ErrInvalidFlow, p.Name)
		}
		names[p.Name] = struct{}{}
	}
	seen := make(map[string]struct{}, len(d.Connections))
	for _, c := range d.Connections {
		if _, ok := names[c.Source]; !ok {
			return fmt.Errorf("%w: connection %q source %q", ErrUnknownProcessor, c.Name, c.Source)
		}
		if c.Destination != "" {
			if _, ok := names[c.Destination]; !ok {
				return fmt.Errorf("%w: connection %q destination %q", ErrUnknownProcessor, c.Name, c.Destination)
			}
		}
		if c.Relationship == "" {
			return fmt.Errorf("%w: connection %q has no relationship", ErrInvalidFlow, c.Name)
		}
		key := c.Source + "\x00" + c.Relationship
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: relationship %s.%s bound twice", ErrInvalidFlow, c.Source, c.Relationship)
		}
		seen[key] = struct{}{}
	}
	return nil
}
