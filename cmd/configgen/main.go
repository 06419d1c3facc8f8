package main

import (
	"log"

	"github.com/danmuck/edgeflow/internal/config"
	"github.com/danmuck/edgeflow/internal/processors"
	"github.com/spf13/pflag"
)

func main() {
	kind := pflag.String("kind", config.KindAgent, "config kind: agent|flow")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to the per-kind example)")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		registry, err := processors.NewRegistry()
		if err != nil {
			log.Fatal(err)
		}
		if err := config.Validate(*kind, path, registry); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case config.KindAgent:
		return "cmd/edgeflow/config.toml"
	case config.KindFlow:
		return "cmd/edgeflow/flow.yml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
