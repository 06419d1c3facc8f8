package processors

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgeflow/internal/flow"
	"github.com/danmuck/edgeflow/internal/testutil/testlog"
	"github.com/danmuck/edgeflow/internal/tools"
	"github.com/stretchr/testify/require"
)

// scriptedRunner writes its output in the given pieces, pausing between
// them.
type scriptedRunner struct {
	pieces []string
	pause  time.Duration
	code   int32
	err    error
	spec   tools.CommandSpec
}

func (r *scriptedRunner) Run(_ context.Context, spec tools.CommandSpec, out io.Writer) ([]byte, int32, error) {
	r.spec = spec
	for i, p := range r.pieces {
		if i > 0 && r.pause > 0 {
			time.Sleep(r.pause)
		}
		if _, err := io.WriteString(out, p); err != nil {
			return nil, 1, err
		}
	}
	return nil, r.code, r.err
}

func TestExecuteProcessEmitsOutput(t *testing.T) {
	testlog.Start(t)
	r := newRig(t, NewExecuteProcess(nil), map[string]string{
		PropCommand:          "sh",
		PropCommandArguments: `-c "echo hello world"`,
	})
	require.NoError(t, r.schedule(t))
	require.NoError(t, r.trigger(t))

	recs := r.drain(t, flow.RelSuccess.Name)
	require.Len(t, recs, 1)
	require.Equal(t, "hello world\n", r.content(t, recs[0]))
	cmd, _ := recs[0].Attribute(AttrCommand)
	args, _ := recs[0].Attribute(AttrCommandArguments)
	require.Equal(t, "sh", cmd)
	require.Equal(t, `-c "echo hello world"`, args)
}

func TestExecuteProcessLargeOutputIsOneRecord(t *testing.T) {
	testlog.Start(t)
	big := strings.Repeat("x", outputChunkSize*2+100)
	runner := &scriptedRunner{pieces: []string{big[:5000], big[5000:]}}
	r := newRig(t, NewExecuteProcess(runner), map[string]string{
		PropCommand:             "gen",
		PropWorkingDirectory:    "/tmp",
		PropRedirectErrorStream: "true",
	})
	require.NoError(t, r.schedule(t))
	require.NoError(t, r.trigger(t))

	recs := r.drain(t, flow.RelSuccess.Name)
	require.Len(t, recs, 1)
	require.Equal(t, big, r.content(t, recs[0]))
	require.Equal(t, "/tmp", runner.spec.Dir)
	require.True(t, runner.spec.MergeStderr)
	require.Equal(t, 1, r.repo.Len())
}

func TestExecuteProcessManyPiecesLandInOneClaim(t *testing.T) {
	testlog.Start(t)
	piece := strings.Repeat("y", outputChunkSize)
	pieces := make([]string, 256)
	for i := range pieces {
		pieces[i] = piece
	}
	r := newRig(t, NewExecuteProcess(&scriptedRunner{pieces: pieces}), map[string]string{PropCommand: "gen"})
	require.NoError(t, r.schedule(t))
	require.NoError(t, r.trigger(t))

	recs := r.drain(t, flow.RelSuccess.Name)
	require.Len(t, recs, 1)
	require.EqualValues(t, 256*outputChunkSize, recs[0].Size())
	require.Equal(t, 1, r.repo.Len())
}

func TestExecuteProcessBatchesOutput(t *testing.T) {
	testlog.Start(t)
	runner := &scriptedRunner{pieces: []string{"a", "b", "c"}, pause: 30 * time.Millisecond}
	r := newRig(t, NewExecuteProcess(runner), map[string]string{
		PropCommand:       "gen",
		PropBatchDuration: "5",
	})
	require.NoError(t, r.schedule(t))
	require.NoError(t, r.trigger(t))
	recs := r.drain(t, flow.RelSuccess.Name)
	require.Len(t, recs, 3)
	require.Equal(t, "a", r.content(t, recs[0]))
	require.Equal(t, "c", r.content(t, recs[2]))
}

func TestExecuteProcessLaunchFailureRollsBack(t *testing.T) {
	testlog.Start(t)
	runner := &scriptedRunner{pieces: []string{"partial"}, code: 127, err: errors.New("exec: not found")}
	r := newRig(t, NewExecuteProcess(runner), map[string]string{PropCommand: "missing"})
	require.NoError(t, r.schedule(t))
	require.Error(t, r.trigger(t))
	require.Empty(t, r.drain(t, flow.RelSuccess.Name))
	require.Zero(t, r.repo.Len())
}

func TestExecuteProcessNonZeroExitKeepsOutput(t *testing.T) {
	testlog.Start(t)
	r := newRig(t, NewExecuteProcess(nil), map[string]string{
		PropCommand:          "sh",
		PropCommandArguments: `-c "echo partial; exit 2"`,
	})
	require.NoError(t, r.schedule(t))
	require.NoError(t, r.trigger(t))
	recs := r.drain(t, flow.RelSuccess.Name)
	require.Len(t, recs, 1)
	require.Equal(t, "partial\n", r.content(t, recs[0]))
}

func TestSplitArgs(t *testing.T) {
	testlog.Start(t)
	args, err := splitArgs(`-v  "two words" plain "" tail`)
	require.NoError(t, err)
	require.Equal(t, []string{"-v", "two words", "plain", "", "tail"}, args)

	args, err = splitArgs("   ")
	require.NoError(t, err)
	require.Empty(t, args)

	_, err = splitArgs(`"open`)
	require.ErrorIs(t, err, ErrUnbalancedQuotes)
}
