package flow

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgeflow/internal/flow/content"
	"github.com/danmuck/edgeflow/internal/testutil/testlog"
)

type fixture struct {
	repo    *content.MemoryRepository
	in      *Queue
	success *Queue
	failure *Queue
	router  *Router
}

func newFixture() *fixture {
	f := &fixture{
		repo:    content.NewMemoryRepository(),
		in:      NewQueue("upstream/success/proc", 0),
		success: NewQueue("proc/success/sink", 0),
		failure: NewQueue("proc/failure/sink", 0),
		router:  NewRouter("proc"),
	}
	f.router.Bind(RelSuccess.Name, f.success)
	f.router.Bind(RelFailure.Name, f.failure)
	return f
}

func (f *fixture) session() *Session {
	return NewSession(SessionConfig{
		Processor:     "proc",
		Relationships: []Relationship{RelSuccess, RelFailure},
		Inputs:        NewInputSet(f.in),
		Router:        f.router,
		Repository:    f.repo,
	})
}

// seed commits records with the given payloads into q.
func (f *fixture) seed(t *testing.T, q *Queue, payloads ...string) {
	t.Helper()
	r := NewRouter("seed")
	r.Bind(RelSuccess.Name, q)
	s := NewSession(SessionConfig{
		Processor:     "seed",
		Relationships: []Relationship{RelSuccess},
		Router:        r,
		Repository:    f.repo,
	})
	for _, p := range payloads {
		rec := s.Create()
		if err := s.PutAttribute(rec, "payload", p); err != nil {
			t.Fatalf("put attribute: %v", err)
		}
		writeString(t, s, rec, p)
		if err := s.Transfer(rec, RelSuccess.Name); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
}

func writeString(t *testing.T, s *Session, rec *Record, v string) {
	t.Helper()
	err := s.Write(rec, func(w io.Writer) error {
		_, err := io.WriteString(w, v)
		return err
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readString(t *testing.T, s *Session, rec *Record) string {
	t.Helper()
	var buf bytes.Buffer
	if err := s.Read(rec, func(r io.Reader) error {
		_, err := io.Copy(&buf, r)
		return err
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf.String()
}

func TestAttributesKeepInsertionOrder(t *testing.T) {
	testlog.Start(t)
	a := NewAttributes()
	a.Put("b", "1")
	a.Put("a", "2")
	a.Put("c", "3")
	a.Put("b", "4")
	if got := strings.Join(a.Keys(), ","); got != "b,a,c" {
		t.Fatalf("keys=%s", got)
	}
	if v, _ := a.Get("b"); v != "4" {
		t.Fatalf("b=%s", v)
	}
	a.Remove("a")
	c := a.Clone()
	c.Put("d", "5")
	if a.Len() != 2 || c.Len() != 3 {
		t.Fatalf("clone shares state: a=%d c=%d", a.Len(), c.Len())
	}
}

func TestCreateSetsCoreAttributes(t *testing.T) {
	testlog.Start(t)
	s := newFixture().session()
	rec := s.Create()
	if rec.Size() != 0 || !rec.Claim().IsZero() {
		t.Fatalf("new record must be empty: size=%d", rec.Size())
	}
	if id, _ := rec.Attribute(AttrUUID); id != rec.ID().String() {
		t.Fatalf("uuid attribute=%q id=%s", id, rec.ID())
	}
	if rec.EntryTime().IsZero() || !rec.LineageStart().Equal(rec.EntryTime()) {
		t.Fatalf("unexpected timestamps")
	}
}

func TestGetOnEmptyInputReturnsNone(t *testing.T) {
	testlog.Start(t)
	s := newFixture().session()
	if rec, ok := s.Get(); ok || rec != nil {
		t.Fatalf("expected no record")
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("empty commit: %v", err)
	}
}

func TestCreateThenRollbackLeavesDestinationUntouched(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	s := f.session()
	rec := s.Create()
	writeString(t, s, rec, "discard me")
	if err := s.Transfer(rec, RelSuccess.Name); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	s.Rollback()
	if f.success.Len() != 0 {
		t.Fatalf("destination len=%d", f.success.Len())
	}
	if f.repo.Len() != 0 {
		t.Fatalf("staged content leaked: %d claims", f.repo.Len())
	}
	if err := s.Commit(); err != nil || f.success.Len() != 0 {
		t.Fatalf("commit after rollback: err=%v len=%d", err, f.success.Len())
	}
}

func TestCommitRoutesTransferredRecords(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.seed(t, f.in, "alpha", "beta")

	s := f.session()
	for i := 0; i < 2; i++ {
		rec, ok := s.Get()
		if !ok {
			t.Fatalf("get %d: empty", i)
		}
		rel := RelSuccess.Name
		if readString(t, s, rec) == "beta" {
			rel = RelFailure.Name
		}
		if err := s.Transfer(rec, rel); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}
	if f.in.Len() != 0 {
		t.Fatalf("fetched records still queued")
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if f.success.Len() != 1 || f.failure.Len() != 1 {
		t.Fatalf("success=%d failure=%d", f.success.Len(), f.failure.Len())
	}
	if v, _ := f.failure.Snapshot()[0].Attribute("payload"); v != "beta" {
		t.Fatalf("failure payload=%q", v)
	}
	if f.repo.Len() != 2 {
		t.Fatalf("unmodified content must be kept: %d claims", f.repo.Len())
	}
}

func TestCommitTwiceIsNoop(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	s := f.session()
	rec := s.Create()
	if err := s.Transfer(rec, RelSuccess.Name); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if f.success.Len() != 1 {
		t.Fatalf("duplicate records visible: %d", f.success.Len())
	}
}

func TestWriteFailureMakesNothingVisible(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	s := f.session()
	boom := errors.New("disk full")

	recs := []*Record{s.Create(), s.Create(), s.Create()}
	for _, rec := range recs[:2] {
		writeString(t, s, rec, "ok")
		if err := s.Transfer(rec, RelSuccess.Name); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}
	err := s.Write(recs[2], func(w io.Writer) error {
		_, _ = io.WriteString(w, "half")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected producer error, got %v", err)
	}
	if recs[2].Size() != 0 {
		t.Fatalf("failed write changed size: %d", recs[2].Size())
	}
	if err := s.Commit(); !errors.Is(err, ErrSessionFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrSessionFailed wrapping cause, got %v", err)
	}
	if f.success.Len() != 0 || f.failure.Len() != 0 {
		t.Fatalf("partial commit visible: success=%d failure=%d", f.success.Len(), f.failure.Len())
	}
	if f.repo.Len() != 0 {
		t.Fatalf("content leaked: %d claims", f.repo.Len())
	}
}

func TestMutationAfterTransferFails(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	s := f.session()
	rec := s.Create()
	writeString(t, s, rec, "v1")
	if err := s.Transfer(rec, RelSuccess.Name); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	claim := rec.Claim()
	checks := map[string]error{
		"write": s.Write(rec, func(w io.Writer) error {
			_, err := io.WriteString(w, "v2")
			return err
		}),
		"append":  s.Append(rec, func(io.Writer) error { return nil }),
		"put":     s.PutAttribute(rec, "k", "v"),
		"remove":  s.RemoveAttribute(rec, AttrPath),
		"putmany": s.PutAttributes(rec, map[string]string{"k": "v"}),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrInvalidRecordState) {
			t.Fatalf("%s: expected ErrInvalidRecordState, got %v", name, err)
		}
	}
	if rec.Claim() != claim {
		t.Fatalf("content changed after transfer")
	}
	if _, ok := rec.Attribute("k"); ok {
		t.Fatalf("attribute changed after transfer")
	}
	if got := readString(t, s, rec); got != "v1" {
		t.Fatalf("read after transfer=%q", got)
	}
	if s.Err() != nil {
		t.Fatalf("rejected mutation must not fail the session: %v", s.Err())
	}
}

func TestTransferUnknownRelationship(t *testing.T) {
	testlog.Start(t)
	s := newFixture().session()
	rec := s.Create()
	if err := s.Transfer(rec, "original"); !errors.Is(err, ErrUnknownRelationship) {
		t.Fatalf("expected ErrUnknownRelationship, got %v", err)
	}
}

func TestForeignRecordRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	other := f.session().Create()
	s := f.session()
	if err := s.Transfer(other, RelSuccess.Name); !errors.Is(err, ErrInvalidRecordState) {
		t.Fatalf("expected ErrInvalidRecordState, got %v", err)
	}
}

func TestUnroutableRecordDroppedOthersCommitted(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.router.Unbind(RelFailure.Name)
	s := f.session()

	good := s.Create()
	writeString(t, s, good, "good")
	lost := s.Create()
	writeString(t, s, lost, "lost")
	_ = s.Transfer(good, RelSuccess.Name)
	_ = s.Transfer(lost, RelFailure.Name)

	if err := s.Commit(); err != nil {
		t.Fatalf("commit must not fail on unroutable record: %v", err)
	}
	if f.success.Len() != 1 {
		t.Fatalf("success=%d", f.success.Len())
	}
	if f.repo.Len() != 1 {
		t.Fatalf("dropped record content not released: %d claims", f.repo.Len())
	}
}

func TestUntransferredRecordFailsCommit(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.seed(t, f.in, "x")
	s := f.session()
	rec, _ := s.Get()
	created := s.Create()
	_ = s.Transfer(created, RelSuccess.Name)
	_ = rec

	if err := s.Commit(); !errors.Is(err, ErrInvalidRecordState) {
		t.Fatalf("expected ErrInvalidRecordState, got %v", err)
	}
	if f.in.Len() != 1 || f.success.Len() != 0 {
		t.Fatalf("expected rollback: in=%d success=%d", f.in.Len(), f.success.Len())
	}
}

func TestRemoveReleasesContent(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.seed(t, f.in, "gone")
	s := f.session()
	rec, _ := s.Get()
	if err := s.Remove(rec); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(rec); !errors.Is(err, ErrInvalidRecordState) {
		t.Fatalf("double remove: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if f.in.Len() != 0 || f.success.Len() != 0 || f.repo.Len() != 0 {
		t.Fatalf("in=%d success=%d claims=%d", f.in.Len(), f.success.Len(), f.repo.Len())
	}
}

func TestRepeatedAppendHoldsOneClaim(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	s := f.session()
	rec := s.Create()
	chunk := bytes.Repeat([]byte{'x'}, 4096)
	appendChunk := func(w io.Writer) error {
		_, err := w.Write(chunk)
		return err
	}
	if err := s.Write(rec, appendChunk); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 255; i++ {
		if err := s.Append(rec, appendChunk); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if f.repo.Len() != 1 {
			t.Fatalf("append %d: %d claims held", i, f.repo.Len())
		}
	}
	if got := rec.Claim().Size; got != 256*4096 {
		t.Fatalf("size=%d", got)
	}
	if err := s.Transfer(rec, RelSuccess.Name); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if f.repo.Len() != 1 || f.success.Len() != 1 {
		t.Fatalf("claims=%d success=%d", f.repo.Len(), f.success.Len())
	}
}

func TestAppendToFetchedRecordKeepsOriginalUntilCommit(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.seed(t, f.in, "a")
	s := f.session()
	rec, _ := s.Get()
	for _, part := range []string{"b", "c", "d"} {
		if err := s.Append(rec, func(w io.Writer) error {
			_, err := io.WriteString(w, part)
			return err
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if f.repo.Len() != 2 {
		t.Fatalf("claims=%d, want original plus latest", f.repo.Len())
	}
	if got := readString(t, s, rec); got != "abcd" {
		t.Fatalf("content=%q", got)
	}
	s.Rollback()
	if f.repo.Len() != 1 || f.in.Len() != 1 {
		t.Fatalf("after rollback claims=%d in=%d", f.repo.Len(), f.in.Len())
	}
	s = f.session()
	back, _ := s.Get()
	if got := readString(t, s, back); got != "a" {
		t.Fatalf("original content=%q", got)
	}
	s.Close()
}

func TestReadEvictedContentUnavailable(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.seed(t, f.in, "payload")
	s := f.session()
	rec, _ := s.Get()
	f.repo.Evict(rec.Claim().ID)

	err := s.Read(rec, func(io.Reader) error { return nil })
	if !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("expected ErrContentUnavailable, got %v", err)
	}
	err = s.Append(rec, func(io.Writer) error { return nil })
	if !errors.Is(err, ErrContentUnavailable) {
		t.Fatalf("append: expected ErrContentUnavailable, got %v", err)
	}
	if err := s.Transfer(rec, RelFailure.Name); err != nil {
		t.Fatalf("route to failure: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if f.failure.Len() != 1 {
		t.Fatalf("failure=%d", f.failure.Len())
	}
}

func TestRollbackReturnsFetchedRecordsInOrder(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.seed(t, f.in, "a", "b", "c")
	s := f.session()
	first, _ := s.Get()
	second, _ := s.Get()
	writeString(t, s, second, "rewritten")
	_ = s.PutAttribute(first, "touched", "yes")
	s.Rollback()

	queued := f.in.Snapshot()
	if len(queued) != 3 {
		t.Fatalf("queue len=%d", len(queued))
	}
	for i, want := range []string{"a", "b", "c"} {
		if v, _ := queued[i].Attribute("payload"); v != want {
			t.Fatalf("position %d payload=%q want %q", i, v, want)
		}
	}
	if _, ok := queued[0].Attribute("touched"); ok {
		t.Fatalf("rollback leaked attribute change")
	}
	if f.repo.Len() != 3 {
		t.Fatalf("staged content not released: %d claims", f.repo.Len())
	}
	s2 := f.session()
	rec, _ := s2.Get()
	_, _ = s2.Get()
	if got := readString(t, s2, rec); got != "a" {
		t.Fatalf("content after rollback=%q", got)
	}
	s2.Close()
}

func TestWriteReplacesAndAppendExtends(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.seed(t, f.in, "head")
	s := f.session()
	rec, _ := s.Get()
	if err := s.Append(rec, func(w io.Writer) error {
		_, err := io.WriteString(w, "-tail")
		return err
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Size() != int64(len("head-tail")) || readString(t, s, rec) != "head-tail" {
		t.Fatalf("append result size=%d", rec.Size())
	}
	writeString(t, s, rec, "new")
	if rec.Size() != 3 {
		t.Fatalf("write size=%d", rec.Size())
	}
	_ = s.Transfer(rec, RelSuccess.Name)
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if f.repo.Len() != 1 {
		t.Fatalf("superseded claims not released: %d", f.repo.Len())
	}
}

func TestGetRoundRobinAcrossInputs(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	other := NewQueue("other/success/proc", 0)
	f.seed(t, f.in, "in1", "in2")
	f.seed(t, other, "o1", "o2")
	s := NewSession(SessionConfig{
		Processor:     "proc",
		Relationships: []Relationship{RelSuccess},
		Inputs:        NewInputSet(f.in, other),
		Router:        f.router,
		Repository:    f.repo,
	})
	var got []string
	for {
		rec, ok := s.Get()
		if !ok {
			break
		}
		v, _ := rec.Attribute("payload")
		got = append(got, v)
	}
	if strings.Join(got, ",") != "in1,o1,in2,o2" {
		t.Fatalf("order=%v", got)
	}
	s.Close()
	if f.in.Len() != 2 || other.Len() != 2 {
		t.Fatalf("close must roll back: in=%d other=%d", f.in.Len(), other.Len())
	}
	if err := s.Commit(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestCommitVisibilityIsAtomic(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	var (
		stop    atomic.Bool
		wg      sync.WaitGroup
		partial atomic.Int64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			unlock := lockAll([]*Queue{f.failure, f.success})
			s, fl := len(f.success.items), len(f.failure.items)
			unlock()
			if s != fl {
				partial.Add(1)
			}
		}
	}()
	for i := 0; i < 200; i++ {
		s := f.session()
		a, b := s.Create(), s.Create()
		_ = s.Transfer(a, RelSuccess.Name)
		_ = s.Transfer(b, RelFailure.Name)
		if err := s.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	stop.Store(true)
	wg.Wait()
	if partial.Load() != 0 {
		t.Fatalf("observer saw %d partial commits", partial.Load())
	}
}

func TestQueueBackpressure(t *testing.T) {
	testlog.Start(t)
	q := NewQueue("bounded", 2)
	r := NewRouter("p")
	r.Bind("success", q)
	q.Offer(newRecord(time.Now()))
	if q.Full() || r.Backpressured() {
		t.Fatalf("not yet full")
	}
	q.Offer(newRecord(time.Now()))
	if !q.Full() || !r.Backpressured() {
		t.Fatalf("expected back-pressure at max depth")
	}
	if rec, ok := q.Poll(); !ok || rec == nil || q.Len() != 1 {
		t.Fatalf("poll failed")
	}
}
