package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/edgeflow/internal/agent"
	"github.com/danmuck/edgeflow/internal/config"
	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/danmuck/edgeflow/internal/processors"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "edgeflow: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("edgeflow", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "agent config TOML")
	flowPath := flags.StringP("flow", "f", "", "flow definition YAML")
	controllerAddr := flags.String("controller", "", "controller host:port")
	adminAddr := flags.String("admin", "", "admin HTTP listen address, empty disables")
	contentDir := flags.String("content-dir", "", "badger content repository directory")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logging.ConfigureRuntime()
	cfg := agent.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := config.LoadAgentConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flags.Changed("flow") {
		cfg.FlowPath = *flowPath
	}
	if flags.Changed("controller") {
		cfg.Engine.Address = *controllerAddr
	}
	if flags.Changed("admin") {
		cfg.AdminListenAddr = *adminAddr
	}
	if flags.Changed("content-dir") {
		cfg.ContentDir = *contentDir
	}

	registry, err := processors.NewRegistry()
	if err != nil {
		return err
	}
	svc, err := agent.NewService(cfg, registry)
	if err != nil {
		return err
	}
	return svc.Run()
}
