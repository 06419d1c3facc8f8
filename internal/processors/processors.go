// Package processors holds the compiled-in processor set.
package processors

import (
	"errors"

	"github.com/danmuck/edgeflow/internal/controller"
	"github.com/danmuck/edgeflow/internal/flow"
)

const (
	TypeGenerateFlowFile = "GenerateFlowFile"
	TypeLogAttribute     = "LogAttribute"
	TypePutFile          = "PutFile"
	TypeTailFile         = "TailFile"
	TypeExecuteProcess   = "ExecuteProcess"
)

var ErrUnsafeFilename = errors.New("processors: unsafe filename")

// Register adds every built-in processor type to r.
func Register(r *controller.Registry) error {
	builtins := []struct {
		name        string
		description string
		factory     controller.Factory
	}{
		{TypeGenerateFlowFile, "creates records with random content", func() flow.Processor { return NewGenerateFlowFile() }},
		{TypeLogAttribute, "logs record attributes and optionally content", func() flow.Processor { return NewLogAttribute() }},
		{TypePutFile, "writes record content to a directory", func() flow.Processor { return NewPutFile() }},
		{TypeTailFile, "emits data appended to a file", func() flow.Processor { return NewTailFile() }},
		{TypeExecuteProcess, "runs a command and emits its output", func() flow.Processor { return NewExecuteProcess(nil) }},
	}
	for _, b := range builtins {
		if err := r.Register(b.name, b.description, b.factory); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in processors.
func NewRegistry() (*controller.Registry, error) {
	r := controller.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}
