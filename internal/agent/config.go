package agent

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/edgeflow/internal/protocol/engine"
)

var (
	ErrFlowPathRequired = errors.New("agent: flow definition path required")
	ErrInvalidShutdown  = errors.New("agent: invalid shutdown timeout")
)

// ServiceConfig configures the agent process.
type ServiceConfig struct {
	// FlowPath is the flow YAML loaded at boot.
	FlowPath string
	// ContentDir holds the badger content repository. Empty keeps content
	// in memory.
	ContentDir      string
	AdminListenAddr string
	// AdminToken guards the POST routes. Empty leaves them open.
	AdminToken  string
	CORSOrigins []string
	// StartFlowOnBoot schedules processors before the first report.
	StartFlowOnBoot bool
	ShutdownTimeout time.Duration
	Engine          engine.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		FlowPath:        "flow.yml",
		AdminListenAddr: "127.0.0.1:9100",
		StartFlowOnBoot: true,
		ShutdownTimeout: 10 * time.Second,
		Engine:          engine.DefaultConfig(),
	}
}

// WithDefaults fills zero values from DefaultServiceConfig.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	d := DefaultServiceConfig()
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	c.Engine = c.Engine.WithDefaults()
	return c
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.FlowPath) == "" {
		return ErrFlowPathRequired
	}
	if c.ShutdownTimeout < 0 {
		return ErrInvalidShutdown
	}
	if strings.TrimSpace(c.Engine.Address) == "" {
		return engine.ErrControllerAddressRequired
	}
	return nil
}
