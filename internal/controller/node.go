package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/edgeflow/internal/flow"
	"github.com/danmuck/edgeflow/internal/flow/content"
	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/danmuck/edgeflow/internal/observability"
	"github.com/rs/zerolog"
)

// NodeState is the scheduling state of one processor.
type NodeState string

const (
	NodeStopped  NodeState = "stopped"
	NodeRunning  NodeState = "running"
	NodeYielding NodeState = "yielding"
	NodeInvalid  NodeState = "invalid"
)

// NodeStatus is a point-in-time view of a node for the admin surface.
type NodeStatus struct {
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	State           NodeState `json:"state"`
	Triggers        uint64    `json:"triggers"`
	Failures        uint64    `json:"failures"`
	LastError       string    `json:"last_error,omitempty"`
	LastTriggerAt   time.Time `json:"last_trigger_at,omitempty"`
	Queued          int       `json:"queued"`
	PropertyVersion uint64    `json:"property_version"`
}

// Node is one scheduled processor instance.
type Node struct {
	name          string
	typeName      string
	proc          flow.Processor
	props         *PropertySet
	router        *flow.Router
	inputs        *flow.InputSet
	period        time.Duration
	yieldDuration time.Duration
	repo          content.Repository
	logger        zerolog.Logger

	// owned by the run goroutine
	scheduled        bool
	scheduledVersion uint64

	mu            sync.Mutex
	state         NodeState
	triggers      uint64
	failures      uint64
	lastError     string
	lastTriggerAt time.Time
}

func (n *Node) Name() string { return n.name }

func (n *Node) Properties() *PropertySet { return n.props }

func (n *Node) Router() *flow.Router { return n.router }

func (n *Node) Status() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NodeStatus{
		Name:            n.name,
		Type:            n.typeName,
		State:           n.state,
		Triggers:        n.triggers,
		Failures:        n.failures,
		LastError:       n.lastError,
		LastTriggerAt:   n.lastTriggerAt,
		Queued:          n.inputs.Len(),
		PropertyVersion: n.props.Version(),
	}
}

// run schedules the node until ctx is cancelled. In-flight triggers finish
// before it returns.
func (n *Node) run(ctx context.Context) {
	n.setState(NodeRunning, "")
	defer func() {
		n.scheduled = false
		if stopper, ok := n.proc.(flow.Stopper); ok {
			stopper.OnStop()
		}
		n.setState(NodeStopped, "")
	}()
	for {
		wait := n.tick(ctx)
		if ctx.Err() != nil {
			return
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick runs at most one trigger and returns the delay before the next.
func (n *Node) tick(ctx context.Context) time.Duration {
	props, version := n.props.Snapshot()
	pc := flow.NewProcessContext(n.name, n.proc.Properties(), props, version, n.logger)

	if !n.scheduled || version != n.scheduledVersion {
		n.scheduled = true
		n.scheduledVersion = version
		if err := n.proc.OnSchedule(pc); err != nil {
			var perr *flow.PropertyError
			if errors.As(err, &perr) {
				n.logger.Error().Err(err).Uint64("property_version", version).Msg("processor configuration invalid")
				n.setState(NodeInvalid, err.Error())
				return n.period
			}
			n.scheduled = false
			n.logger.Warn().Err(err).Msg("processor schedule failed, yielding")
			n.setState(NodeYielding, err.Error())
			return n.yieldDuration
		}
		n.setState(NodeRunning, "")
	}
	if n.currentState() == NodeInvalid {
		return n.period
	}

	if n.router.Backpressured() {
		return n.period
	}
	hasInputs := len(n.inputs.Queues()) > 0
	if hasInputs && n.inputs.Len() == 0 {
		return n.period
	}

	s := flow.NewSession(flow.SessionConfig{
		Processor:     n.name,
		Relationships: n.proc.Relationships(),
		Inputs:        n.inputs,
		Router:        n.router,
		Repository:    n.repo,
	})
	defer s.Close()

	err := n.proc.OnTrigger(ctx, pc, s)
	if err == nil {
		err = s.Commit()
	} else {
		s.Rollback()
	}
	n.recordTrigger(err)

	switch {
	case err == nil:
		n.setState(NodeRunning, "")
		if hasInputs && n.inputs.Len() > 0 {
			return 0
		}
		return n.period
	case errors.Is(err, flow.ErrYield):
		n.setState(NodeYielding, "")
		return n.yieldDuration
	default:
		n.logger.Warn().Err(err).Msg("processor trigger failed")
		n.setState(NodeYielding, err.Error())
		return n.yieldDuration
	}
}

func (n *Node) recordTrigger(err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, flow.ErrYield):
		outcome = "yield"
	default:
		outcome = "failure"
	}
	observability.RecordTrigger(n.name, outcome)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.triggers++
	n.lastTriggerAt = time.Now()
	if outcome == "failure" {
		n.failures++
	}
}

func (n *Node) setState(state NodeState, lastErr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = state
	if lastErr != "" {
		n.lastError = lastErr
	}
}

func (n *Node) currentState() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func newNodeLogger(name, typeName string) zerolog.Logger {
	return logging.Component("controller.node").With().Str("processor", name).Str("type", typeName).Logger()
}
