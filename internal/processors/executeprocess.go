package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/danmuck/edgeflow/internal/flow"
	"github.com/danmuck/edgeflow/internal/tools"
)

const (
	PropCommand             = "Command"
	PropCommandArguments    = "Command Arguments"
	PropWorkingDirectory    = "Working Directory"
	PropBatchDuration       = "Batch Duration"
	PropRedirectErrorStream = "Redirect Error Stream"

	AttrCommand          = "command"
	AttrCommandArguments = "command.arguments"

	outputChunkSize = 4096
)

var ErrUnbalancedQuotes = errors.New("processors: unbalanced quotes in arguments")

// ExecuteProcess runs Command once per trigger and emits its output. Without
// a batch duration the whole output becomes one record; with one, each
// window of output becomes its own record.
type ExecuteProcess struct {
	runner tools.CommandRunner

	command  string
	rawArgs  string
	args     []string
	dir      string
	batch    time.Duration
	redirect bool
}

// NewExecuteProcess uses runner to launch commands. nil means the local host.
func NewExecuteProcess(runner tools.CommandRunner) *ExecuteProcess {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &ExecuteProcess{runner: runner}
}

func (e *ExecuteProcess) Relationships() []flow.Relationship {
	return []flow.Relationship{{Name: flow.RelSuccess.Name, Description: "records holding command output"}}
}

func (e *ExecuteProcess) Properties() []flow.PropertySpec {
	return []flow.PropertySpec{
		{Name: PropCommand, Description: "executable name or path", Required: true},
		{Name: PropCommandArguments, Description: "whitespace separated arguments, double quotes group"},
		{Name: PropWorkingDirectory, Description: "working directory of the command"},
		{Name: PropBatchDuration, Description: "split long running output into records per window", Default: "0"},
		{Name: PropRedirectErrorStream, Description: "merge stderr into the output", Default: "false"},
	}
}

func (e *ExecuteProcess) OnSchedule(pc *flow.ProcessContext) error {
	command, err := pc.Required(PropCommand)
	if err != nil {
		return err
	}
	rawArgs, _ := pc.Property(PropCommandArguments)
	args, err := splitArgs(rawArgs)
	if err != nil {
		return &flow.PropertyError{Processor: pc.Name, Property: PropCommandArguments, Reason: err.Error()}
	}
	batch, err := pc.Duration(PropBatchDuration, 0)
	if err != nil {
		return err
	}
	redirect, err := pc.Bool(PropRedirectErrorStream, false)
	if err != nil {
		return err
	}
	e.command = strings.TrimSpace(command)
	e.rawArgs = rawArgs
	e.args = args
	e.dir, _ = pc.Property(PropWorkingDirectory)
	e.batch = batch
	e.redirect = redirect
	return nil
}

func (e *ExecuteProcess) OnTrigger(ctx context.Context, pc *flow.ProcessContext, s *flow.Session) error {
	out := &outputWriter{
		s:     s,
		batch: e.batch,
		attrs: map[string]string{
			AttrCommand:          e.command,
			AttrCommandArguments: e.rawArgs,
		},
	}
	spec := tools.CommandSpec{Name: e.command, Args: e.args, Dir: e.dir, MergeStderr: e.redirect}
	pc.Logger.Info().Str("command", e.command).Strs("args", e.args).Msg("execute command")

	start := time.Now()
	stderr, code, runErr := e.runner.Run(ctx, spec, out)
	if out.err != nil {
		return out.err
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) || ctx.Err() != nil {
			return fmt.Errorf("execute %s: %w", e.command, runErr)
		}
	}
	if err := out.close(); err != nil {
		return err
	}
	event := pc.Logger.Info()
	if code != 0 {
		event = pc.Logger.Warn()
	}
	event.
		Str("command", e.command).
		Int32("exit_code", code).
		Int("records", out.records).
		Dur("duration", time.Since(start)).
		Msg("execute command complete")
	if len(stderr) > 0 {
		pc.Logger.Debug().Str("command", e.command).Bytes("stderr", stderr).Msg("command stderr")
	}
	return nil
}

// outputWriter cuts process output into records. Output is buffered per
// record and lands with a single Write when the record is sealed: at process
// exit or, with a batch duration, when output arrives after the window opened
// by the record's first byte has closed.
type outputWriter struct {
	s       *flow.Session
	batch   time.Duration
	attrs   map[string]string
	buf     bytes.Buffer
	opened  time.Time
	records int
	err     error
}

func (w *outputWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.batch > 0 && !w.opened.IsZero() && time.Since(w.opened) >= w.batch {
		if err := w.seal(); err != nil {
			return 0, err
		}
	}
	if len(p) > 0 && w.opened.IsZero() {
		w.opened = time.Now()
		w.buf.Grow(outputChunkSize)
	}
	return w.buf.Write(p)
}

func (w *outputWriter) seal() error {
	if w.buf.Len() == 0 {
		return nil
	}
	rec := w.s.Create()
	if err := w.s.PutAttributes(rec, w.attrs); err != nil {
		return w.fail(err)
	}
	err := w.s.Write(rec, func(dst io.Writer) error {
		_, err := w.buf.WriteTo(dst)
		return err
	})
	if err != nil {
		return w.fail(err)
	}
	if err := w.s.Transfer(rec, flow.RelSuccess.Name); err != nil {
		return w.fail(err)
	}
	w.buf.Reset()
	w.opened = time.Time{}
	w.records++
	return nil
}

func (w *outputWriter) close() error {
	if w.err != nil {
		return w.err
	}
	return w.seal()
}

func (w *outputWriter) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

// splitArgs splits on whitespace; double quotes group words and are
// stripped.
func splitArgs(raw string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		inWord  bool
	)
	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
			inWord = true
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inQuote {
		return nil, ErrUnbalancedQuotes
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
