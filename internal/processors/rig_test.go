package processors

import (
	"context"
	"io"
	"testing"

	"github.com/danmuck/edgeflow/internal/flow"
	"github.com/danmuck/edgeflow/internal/flow/content"
	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/stretchr/testify/require"
)

// rig drives one processor the way a scheduler node does: one input queue,
// one output queue per declared relationship.
type rig struct {
	proc   flow.Processor
	repo   *content.MemoryRepository
	in     *flow.Queue
	inputs *flow.InputSet
	router *flow.Router
	out    map[string]*flow.Queue
	props  map[string]string
	pc     *flow.ProcessContext
}

func newRig(t *testing.T, proc flow.Processor, props map[string]string) *rig {
	t.Helper()
	r := &rig{
		proc:   proc,
		repo:   content.NewMemoryRepository(),
		in:     flow.NewQueue("in", 0),
		router: flow.NewRouter("under-test"),
		out:    make(map[string]*flow.Queue),
		props:  props,
	}
	r.inputs = flow.NewInputSet(r.in)
	for _, rel := range proc.Relationships() {
		q := flow.NewQueue(rel.Name, 0)
		r.router.Bind(rel.Name, q)
		r.out[rel.Name] = q
	}
	r.pc = flow.NewProcessContext("under-test", proc.Properties(), props, 1, logging.Component("processors.test"))
	return r
}

func (r *rig) schedule(t *testing.T) error {
	t.Helper()
	return r.proc.OnSchedule(r.pc)
}

// feed enqueues one record carrying data and attrs on the input queue.
func (r *rig) feed(t *testing.T, data string, attrs map[string]string) {
	t.Helper()
	router := flow.NewRouter("feeder")
	router.Bind(flow.RelSuccess.Name, r.in)
	s := flow.NewSession(flow.SessionConfig{
		Processor:     "feeder",
		Relationships: []flow.Relationship{flow.RelSuccess},
		Inputs:        flow.NewInputSet(),
		Router:        router,
		Repository:    r.repo,
	})
	defer s.Close()
	rec := s.Create()
	require.NoError(t, s.Write(rec, func(w io.Writer) error {
		_, err := io.WriteString(w, data)
		return err
	}))
	require.NoError(t, s.PutAttributes(rec, attrs))
	require.NoError(t, s.Transfer(rec, flow.RelSuccess.Name))
	require.NoError(t, s.Commit())
}

// trigger runs one invocation and commits on success.
func (r *rig) trigger(t *testing.T) error {
	t.Helper()
	s := flow.NewSession(flow.SessionConfig{
		Processor:     "under-test",
		Relationships: r.proc.Relationships(),
		Inputs:        r.inputs,
		Router:        r.router,
		Repository:    r.repo,
	})
	defer s.Close()
	if err := r.proc.OnTrigger(context.Background(), r.pc, s); err != nil {
		s.Rollback()
		return err
	}
	return s.Commit()
}

func (r *rig) drain(t *testing.T, relationship string) []*flow.Record {
	t.Helper()
	q, ok := r.out[relationship]
	require.True(t, ok, "relationship %s not declared", relationship)
	var out []*flow.Record
	for {
		rec, ok := q.Poll()
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func (r *rig) content(t *testing.T, rec *flow.Record) string {
	t.Helper()
	if rec.Size() == 0 {
		return ""
	}
	rc, err := r.repo.Open(rec.Claim())
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}
