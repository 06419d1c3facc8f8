// Package controller runs a flow: it builds processor nodes from a flow
// definition, schedules them, and applies commands from the control
// protocol engine.
package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/edgeflow/internal/flow"
	"github.com/danmuck/edgeflow/internal/flow/content"
	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/danmuck/edgeflow/internal/protocol/engine"
	"github.com/rs/zerolog"
)

// QueueStatus is the depth of one connection.
type QueueStatus struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
	Full  bool   `json:"full"`
}

// FlowStatus is the controller snapshot served on the admin surface.
type FlowStatus struct {
	Name    string        `json:"name"`
	Running bool          `json:"running"`
	Nodes   []NodeStatus  `json:"nodes"`
	Queues  []QueueStatus `json:"queues"`
}

// Controller owns the nodes of one flow and implements
// engine.ControllerFacing.
type Controller struct {
	name   string
	nodes  map[string]*Node
	order  []string
	queues []*flow.Queue
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	// one group per Start; a forced stop leaves the previous one draining
	wg *sync.WaitGroup
}

var _ engine.ControllerFacing = (*Controller)(nil)

// New builds the flow graph. Every processor type, property name and
// relationship in def is resolved here.
func New(def FlowDefinition, registry *Registry, repo content.Repository) (*Controller, error) {
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if repo == nil {
		repo = content.NewMemoryRepository()
	}
	c := &Controller{
		name:   def.Name,
		nodes:  make(map[string]*Node, len(def.Processors)),
		logger: logging.Component("controller"),
	}

	for _, pd := range def.Processors {
		proc, err := registry.New(pd.Type)
		if err != nil {
			return nil, err
		}
		props, err := NewPropertySet(pd.Name, proc.Properties(), pd.Properties)
		if err != nil {
			return nil, err
		}
		c.nodes[pd.Name] = &Node{
			name:          pd.Name,
			typeName:      pd.Type,
			proc:          proc,
			props:         props,
			router:        flow.NewRouter(pd.Name),
			period:        pd.SchedulingPeriod,
			yieldDuration: pd.YieldDuration,
			repo:          repo,
			logger:        newNodeLogger(pd.Name, pd.Type),
			state:         NodeStopped,
		}
		c.order = append(c.order, pd.Name)
	}

	inputs := make(map[string][]*flow.Queue)
	for _, cd := range def.Connections {
		src := c.nodes[cd.Source]
		if !declares(src.proc, cd.Relationship) {
			return nil, fmt.Errorf("%w: processor=%q relationship=%q", flow.ErrUnknownRelationship, cd.Source, cd.Relationship)
		}
		q := flow.NewQueue(cd.Name, cd.MaxQueueSize)
		src.router.Bind(cd.Relationship, q)
		c.queues = append(c.queues, q)
		if cd.Destination != "" {
			inputs[cd.Destination] = append(inputs[cd.Destination], q)
		}
	}
	for name, n := range c.nodes {
		n.inputs = flow.NewInputSet(inputs[name]...)
	}
	return c, nil
}

func declares(p flow.Processor, relationship string) bool {
	for _, r := range p.Relationships() {
		if r.Name == relationship {
			return true
		}
	}
	return false
}

// Name is the flow name reported to the controller.
func (c *Controller) Name() string { return c.name }

// Node returns the named node.
func (c *Controller) Node(name string) (*Node, bool) {
	n, ok := c.nodes[name]
	return n, ok
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start schedules every node. Starting a running flow is a no-op.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	// join goroutines left behind by a forced stop
	if c.wg != nil {
		c.wg.Wait()
	}
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	c.cancel = cancel
	c.wg = wg
	c.running = true
	for _, name := range c.order {
		n := c.nodes[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.run(ctx)
		}()
	}
	c.logger.Info().Str("flow", c.name).Int("processors", len(c.order)).Msg("flow started")
	return nil
}

// Stop cancels every node. Without force it waits for in-flight triggers;
// with force it returns immediately and Shutdown or the next Start joins.
func (c *Controller) Stop(force bool) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	wg := c.wg
	c.mu.Unlock()

	if !force {
		wg.Wait()
	}
	c.logger.Info().Str("flow", c.name).Bool("force", force).Msg("flow stopped")
	return nil
}

// Shutdown stops the flow and waits for every node until ctx expires.
func (c *Controller) Shutdown(ctx context.Context) error {
	_ = c.Stop(true)
	c.mu.Lock()
	wg := c.wg
	c.mu.Unlock()
	if wg == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdatePropertyValue sets one property on one processor.
func (c *Controller) UpdatePropertyValue(processor, property, value string) error {
	return c.UpdatePropertyValues([]engine.PropertyUpdate{{
		Processor: processor,
		Property:  property,
		Value:     value,
	}})
}

// UpdatePropertyValues validates every update before applying any. Each
// processor's updates land as one property set swap.
func (c *Controller) UpdatePropertyValues(updates []engine.PropertyUpdate) error {
	grouped := make(map[string]map[string]string)
	for _, u := range updates {
		n, ok := c.nodes[u.Processor]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProcessor, u.Processor)
		}
		if err := n.props.check(u.Property); err != nil {
			return err
		}
		if grouped[u.Processor] == nil {
			grouped[u.Processor] = make(map[string]string)
		}
		grouped[u.Processor][u.Property] = u.Value
	}
	for name, values := range grouped {
		if err := c.nodes[name].props.Apply(values); err != nil {
			return err
		}
		c.logger.Info().Str("processor", name).Int("properties", len(values)).Msg("properties updated")
	}
	return nil
}

// Status returns node and queue snapshots in definition order.
func (c *Controller) Status() FlowStatus {
	st := FlowStatus{Name: c.name, Running: c.Running()}
	for _, name := range c.order {
		st.Nodes = append(st.Nodes, c.nodes[name].Status())
	}
	for _, q := range c.queues {
		st.Queues = append(st.Queues, QueueStatus{Name: q.Name(), Depth: q.Len(), Full: q.Full()})
	}
	sort.SliceStable(st.Queues, func(i, j int) bool { return st.Queues[i].Name < st.Queues[j].Name })
	return st
}

// Queue returns the named connection queue.
func (c *Controller) Queue(name string) (*flow.Queue, bool) {
	for _, q := range c.queues {
		if q.Name() == name {
			return q, true
		}
	}
	return nil, false
}
