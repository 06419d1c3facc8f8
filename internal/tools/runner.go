package tools

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
)

// CommandSpec describes one process launch.
type CommandSpec struct {
	Name string
	Args []string
	Dir  string
	// MergeStderr sends stderr to the same writer as stdout.
	MergeStderr bool
}

// CommandRunner abstracts process execution for processors that shell out.
type CommandRunner interface {
	// Run streams stdout into out and blocks until the process exits. stderr
	// is returned unless merged.
	Run(ctx context.Context, spec CommandSpec, out io.Writer) ([]byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (r ExecRunner) Run(ctx context.Context, spec CommandSpec, out io.Writer) ([]byte, int32, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = out
	var stderr bytes.Buffer
	if spec.MergeStderr {
		cmd.Stderr = out
	} else {
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	if err == nil {
		return stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stderr.Bytes(), exitCode, err
}
