// Package config loads the agent TOML file and writes starter configs.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgeflow/internal/agent"
)

// agentFile mirrors the agent TOML keys.
type agentFile struct {
	Flow             string   `toml:"flow"`
	ContentDir       string   `toml:"content_dir"`
	AdminListen      string   `toml:"admin_listen"`
	AdminToken       string   `toml:"admin_token"`
	CORSOrigins      []string `toml:"cors_origins"`
	StartFlowOnBoot  bool     `toml:"start_flow_on_boot"`
	ShutdownTimeout  string   `toml:"shutdown_timeout"`
	Controller       string   `toml:"controller_address"`
	SerialNumber     string   `toml:"serial_number"`
	ReportInterval   string   `toml:"report_interval"`
	ReportIntervalMS int64    `toml:"report_interval_ms"`
	ConnectTimeout   string   `toml:"connect_timeout"`
	ReadTimeout      string   `toml:"read_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	SendBufferBytes  int      `toml:"send_buffer_bytes"`
	MaxPayloadBytes  uint32   `toml:"max_payload_bytes"`
}

// LoadAgentConfig overlays the keys present in path onto
// agent.DefaultServiceConfig. Unknown keys are rejected.
func LoadAgentConfig(path string) (agent.ServiceConfig, error) {
	cfg := agent.DefaultServiceConfig()

	var raw agentFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agent.ServiceConfig{}, fmt.Errorf("load agent config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return agent.ServiceConfig{}, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}

	if meta.IsDefined("flow") {
		cfg.FlowPath = strings.TrimSpace(raw.Flow)
	}
	if meta.IsDefined("content_dir") {
		cfg.ContentDir = strings.TrimSpace(raw.ContentDir)
	}
	if meta.IsDefined("admin_listen") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("start_flow_on_boot") {
		cfg.StartFlowOnBoot = raw.StartFlowOnBoot
	}
	if meta.IsDefined("shutdown_timeout") {
		d, err := parseDuration("shutdown_timeout", raw.ShutdownTimeout)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.ShutdownTimeout = d
	}

	if meta.IsDefined("controller_address") {
		cfg.Engine.Address = strings.TrimSpace(raw.Controller)
	}
	if meta.IsDefined("serial_number") {
		cfg.Engine.SerialNumber = strings.TrimSpace(raw.SerialNumber)
	}
	if meta.IsDefined("report_interval") {
		d, err := parseDuration("report_interval", raw.ReportInterval)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.Engine.ReportInterval = d
	}
	if meta.IsDefined("report_interval_ms") {
		cfg.Engine.ReportInterval = time.Duration(raw.ReportIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("connect_timeout") {
		d, err := parseDuration("connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.Engine.ConnectTimeout = d
	}
	if meta.IsDefined("read_timeout") {
		d, err := parseDuration("read_timeout", raw.ReadTimeout)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.Engine.ReadTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := parseDuration("write_timeout", raw.WriteTimeout)
		if err != nil {
			return agent.ServiceConfig{}, err
		}
		cfg.Engine.WriteTimeout = d
	}
	if meta.IsDefined("send_buffer_bytes") {
		cfg.Engine.SendBufferBytes = raw.SendBufferBytes
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Engine.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	return cfg, nil
}

var ErrUnknownKey = errors.New("config: unknown key")

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
