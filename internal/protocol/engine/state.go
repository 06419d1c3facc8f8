package engine

import (
	"time"

	"github.com/danmuck/edgeflow/internal/protocol"
)

// State is the engine's position in the register/report cycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateRegistering  State = "registering"
	StateRegistered   State = "registered"
	StateReporting    State = "reporting"
)

// ProtocolSession is the process-wide protocol state.
type ProtocolSession struct {
	Registered     bool
	SeqNumber      uint32
	ReportInterval time.Duration
	SerialNumber   [protocol.SerialNumberLen]byte
	AgentName      string
	State          State
	LastCycleAt    time.Time
	LastError      string
	Cycles         uint64
	Failures       uint64
}

// PropertyUpdate is one (processor, property, value) triple pushed by the
// controller.
type PropertyUpdate struct {
	Processor string
	Property  string
	Value     string
}

// ControllerFacing is the surface the engine drives on the local flow.
type ControllerFacing interface {
	Name() string
	UpdatePropertyValue(processor, property, value string) error
	// UpdatePropertyValues applies one report's updates as a single batch.
	UpdatePropertyValues(updates []PropertyUpdate) error
	Start() error
	Stop(force bool) error
}
