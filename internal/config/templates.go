package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/edgeflow/internal/controller"
	"github.com/google/renameio/v2"
)

const (
	KindAgent = "agent"
	KindFlow  = "flow"
)

var (
	ErrUnknownKind   = errors.New("config: unknown config kind")
	ErrAlreadyExists = errors.New("config: file already exists")
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindAgent:
		return agentTemplate, nil
	case KindFlow:
		return flowTemplate, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// WriteTemplate writes the starter file for kind atomically.
func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
	}
	return renameio.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind. Flows are built against registry without
// being started.
func Validate(kind, path string, registry *controller.Registry) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindAgent:
		cfg, err := LoadAgentConfig(path)
		if err != nil {
			return err
		}
		return cfg.Validate()
	case KindFlow:
		def, err := controller.LoadFlow(path)
		if err != nil {
			return err
		}
		_, err = controller.New(def, registry, nil)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

const agentTemplate = `flow = "flow.yml"
content_dir = ""
admin_listen = "127.0.0.1:9100"
admin_token = ""
cors_origins = ["http://localhost:3000"]
start_flow_on_boot = true
shutdown_timeout = "10s"

controller_address = "127.0.0.1:9090"
serial_number = ""
report_interval = "1s"
connect_timeout = "5s"
read_timeout = "30s"
write_timeout = "15s"
`

const flowTemplate = `name: edge-agent
processors:
  - name: generate
    type: GenerateFlowFile
    scheduling_period: 1s
    properties:
      File Size: "64"
  - name: log
    type: LogAttribute
    scheduling_period: 250ms
connections:
  - source: generate
    relationship: success
    destination: log
    max_queue_size: 100
  - source: log
    relationship: success
`
