package flow

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/edgeflow/internal/flow/content"
	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/danmuck/edgeflow/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type disposition uint8

const (
	dispositionPending disposition = iota
	dispositionTransferred
	dispositionRemoved
)

// tracked is the session's view of one record. rec is the working copy handed
// to the processor; original is the queued record for fetched records.
type tracked struct {
	rec          *Record
	original     *Record
	source       *Queue
	disposition  disposition
	relationship string
	staged       []content.Claim
}

func (t *tracked) created() bool { return t.original == nil }

// claims returns every claim the record referenced during the session.
func (t *tracked) claims() []content.Claim {
	out := make([]content.Claim, 0, len(t.staged)+1)
	if t.original != nil && !t.original.claim.IsZero() {
		out = append(out, t.original.claim)
	}
	return append(out, t.staged...)
}

// replace points the record at claim. A claim staged earlier in the same
// session has no other reference and is released at once.
func (t *tracked) replace(claim content.Claim, release func([]content.Claim)) {
	prev := t.rec.claim
	t.rec.claim = claim
	for i, c := range t.staged {
		if c.ID == prev.ID {
			t.staged = append(t.staged[:i], t.staged[i+1:]...)
			release([]content.Claim{c})
			break
		}
	}
	t.staged = append(t.staged, claim)
}

// superseded returns claims the committed record no longer references.
func (t *tracked) superseded() []content.Claim {
	var out []content.Claim
	for _, c := range t.claims() {
		if c.ID != t.rec.claim.ID {
			out = append(out, c)
		}
	}
	return out
}

// SessionConfig wires a session to its processor's queues and content.
type SessionConfig struct {
	Processor     string
	Relationships []Relationship
	Inputs        *InputSet
	Router        *Router
	Repository    content.Repository
}

// Session is the transaction scope of one processor invocation. Nothing the
// session does is visible downstream until Commit. A Session is not safe for
// concurrent use.
type Session struct {
	cfg           SessionConfig
	relationships map[string]struct{}
	logger        zerolog.Logger

	records map[uuid.UUID]*tracked
	order   []uuid.UUID
	failed  error
	closed  bool
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Repository == nil {
		cfg.Repository = content.NewMemoryRepository()
	}
	rels := make(map[string]struct{}, len(cfg.Relationships))
	for _, r := range cfg.Relationships {
		rels[r.Name] = struct{}{}
	}
	return &Session{
		cfg:           cfg,
		relationships: rels,
		logger:        logging.Component("flow.session").With().Str("processor", cfg.Processor).Logger(),
		records:       make(map[uuid.UUID]*tracked),
	}
}

// Create returns a new empty record owned by the session.
func (s *Session) Create() *Record {
	rec := newRecord(time.Now())
	s.track(&tracked{rec: rec})
	return rec
}

// Get takes the next record from the input queues. ok is false when every
// input is empty.
func (s *Session) Get() (*Record, bool) {
	if s.closed {
		return nil, false
	}
	orig, q, ok := s.cfg.Inputs.poll()
	if !ok {
		return nil, false
	}
	rec := orig.clone()
	s.track(&tracked{rec: rec, original: orig, source: q})
	return rec, true
}

// Read streams the record's current content to fn.
func (s *Session) Read(rec *Record, fn func(io.Reader) error) error {
	t, err := s.lookup(rec)
	if err != nil {
		return err
	}
	if t.disposition == dispositionRemoved {
		return fmt.Errorf("%w: record %s removed", ErrInvalidRecordState, rec.id)
	}
	rc, err := s.cfg.Repository.Open(rec.claim)
	if err != nil {
		return contentErr(rec, err)
	}
	defer rc.Close()
	return fn(rc)
}

// Write replaces the record's content with what fn produces. A producer
// failure keeps the previous content and fails the session.
func (s *Session) Write(rec *Record, fn func(io.Writer) error) error {
	t, err := s.mutable(rec)
	if err != nil {
		return err
	}
	w, err := s.cfg.Repository.NewWriter()
	if err != nil {
		return err
	}
	return s.finish(t, w, fn)
}

// Append adds what fn produces after the record's current content.
func (s *Session) Append(rec *Record, fn func(io.Writer) error) error {
	t, err := s.mutable(rec)
	if err != nil {
		return err
	}
	w, err := s.cfg.Repository.NewWriter()
	if err != nil {
		return err
	}
	if !rec.claim.IsZero() {
		rc, err := s.cfg.Repository.Open(rec.claim)
		if err != nil {
			_ = w.Discard()
			return contentErr(rec, err)
		}
		_, err = io.Copy(w, rc)
		_ = rc.Close()
		if err != nil {
			_ = w.Discard()
			s.fail(err)
			return err
		}
	}
	return s.finish(t, w, fn)
}

func (s *Session) finish(t *tracked, w content.Writer, fn func(io.Writer) error) error {
	if err := fn(w); err != nil {
		_ = w.Discard()
		s.fail(err)
		return err
	}
	claim, err := w.Finish()
	if err != nil {
		s.fail(err)
		return err
	}
	t.replace(claim, s.release)
	return nil
}

func (s *Session) PutAttribute(rec *Record, key, value string) error {
	if _, err := s.mutable(rec); err != nil {
		return err
	}
	rec.attrs.Put(key, value)
	return nil
}

func (s *Session) PutAttributes(rec *Record, attrs map[string]string) error {
	if _, err := s.mutable(rec); err != nil {
		return err
	}
	for k, v := range attrs {
		rec.attrs.Put(k, v)
	}
	return nil
}

func (s *Session) RemoveAttribute(rec *Record, key string) error {
	if _, err := s.mutable(rec); err != nil {
		return err
	}
	rec.attrs.Remove(key)
	return nil
}

// Transfer assigns the record to a declared relationship. Transferring again
// replaces the earlier assignment.
func (s *Session) Transfer(rec *Record, relationship string) error {
	if _, ok := s.relationships[relationship]; !ok {
		return fmt.Errorf("%w: processor=%q relationship=%q", ErrUnknownRelationship, s.cfg.Processor, relationship)
	}
	t, err := s.lookup(rec)
	if err != nil {
		return err
	}
	if t.disposition == dispositionRemoved {
		return fmt.Errorf("%w: record %s removed", ErrInvalidRecordState, rec.id)
	}
	t.disposition = dispositionTransferred
	t.relationship = relationship
	return nil
}

// Remove drops the record on commit and releases its content.
func (s *Session) Remove(rec *Record) error {
	t, err := s.lookup(rec)
	if err != nil {
		return err
	}
	if t.disposition == dispositionRemoved {
		return fmt.Errorf("%w: record %s already removed", ErrInvalidRecordState, rec.id)
	}
	t.disposition = dispositionRemoved
	t.relationship = ""
	return nil
}

// Commit makes every transferred record visible in its destination queue at
// once. Records without a destination are logged and dropped. A session with
// untransferred records or a failed write is rolled back instead.
func (s *Session) Commit() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.failed != nil {
		cause := s.failed
		s.rollback("failed")
		return fmt.Errorf("%w: %w", ErrSessionFailed, cause)
	}
	if len(s.order) == 0 {
		return nil
	}
	for _, id := range s.order {
		if s.records[id].disposition == dispositionPending {
			s.rollback("invalid")
			return fmt.Errorf("%w: record %s neither transferred nor removed", ErrInvalidRecordState, id)
		}
	}

	type delivery struct {
		t *tracked
		q *Queue
	}
	var (
		deliveries []delivery
		queues     []*Queue
		release    []content.Claim
	)
	for _, id := range s.order {
		t := s.records[id]
		if t.disposition == dispositionRemoved {
			release = append(release, t.claims()...)
			continue
		}
		q, err := s.cfg.Router.route(t.relationship)
		if err != nil {
			s.logger.Warn().Err(err).Str("record", id.String()).Msg("dropping unroutable record")
			observability.RecordRouted(s.cfg.Processor, t.relationship, "unroutable")
			release = append(release, t.claims()...)
			continue
		}
		deliveries = append(deliveries, delivery{t: t, q: q})
		queues = append(queues, q)
		release = append(release, t.superseded()...)
	}

	unlock := lockAll(queues)
	for _, d := range deliveries {
		d.q.offerLocked(d.t.rec)
	}
	unlock()

	for _, d := range deliveries {
		observability.RecordRouted(s.cfg.Processor, d.t.relationship, "routed")
	}
	s.release(release)
	s.logger.Debug().Int("routed", len(deliveries)).Int("tracked", len(s.order)).Msg("session committed")
	s.reset()
	observability.RecordSessionCommit(s.cfg.Processor, "committed")
	return nil
}

// Rollback returns fetched records to the head of their queues unchanged and
// discards created records and staged content.
func (s *Session) Rollback() {
	if s.closed {
		return
	}
	s.rollback("rolled_back")
}

// Close rolls back uncommitted work and ends the session.
func (s *Session) Close() {
	if s.closed {
		return
	}
	if len(s.order) > 0 {
		s.rollback("rolled_back")
	}
	s.closed = true
}

// Pending is the number of records tracked since the last commit or rollback.
func (s *Session) Pending() int { return len(s.order) }

// Err returns the write failure that will fail the next commit.
func (s *Session) Err() error { return s.failed }

func (s *Session) rollback(outcome string) {
	var (
		release []content.Claim
		sources []*Queue
		returns = make(map[*Queue][]*Record)
	)
	for _, id := range s.order {
		t := s.records[id]
		release = append(release, t.staged...)
		if t.created() {
			continue
		}
		if _, ok := returns[t.source]; !ok {
			sources = append(sources, t.source)
		}
		returns[t.source] = append(returns[t.source], t.original)
	}
	for _, q := range sources {
		q.pushFront(returns[q]...)
	}
	s.release(release)
	if len(s.order) > 0 {
		s.logger.Debug().Int("tracked", len(s.order)).Str("outcome", outcome).Msg("session rolled back")
		observability.RecordSessionCommit(s.cfg.Processor, outcome)
	}
	s.reset()
}

func (s *Session) reset() {
	s.records = make(map[uuid.UUID]*tracked)
	s.order = nil
	s.failed = nil
}

func (s *Session) release(claims []content.Claim) {
	for _, c := range claims {
		if err := s.cfg.Repository.Release(c); err != nil {
			s.logger.Warn().Err(err).Str("claim", c.ID).Msg("release content claim failed")
		}
	}
}

func (s *Session) track(t *tracked) {
	s.records[t.rec.id] = t
	s.order = append(s.order, t.rec.id)
}

func (s *Session) fail(err error) {
	if s.failed == nil {
		s.failed = err
	}
}

func (s *Session) lookup(rec *Record) (*tracked, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidRecordState)
	}
	t, ok := s.records[rec.id]
	if !ok || t.rec != rec {
		return nil, fmt.Errorf("%w: record %s not owned by session", ErrInvalidRecordState, rec.id)
	}
	return t, nil
}

func (s *Session) mutable(rec *Record) (*tracked, error) {
	t, err := s.lookup(rec)
	if err != nil {
		return nil, err
	}
	switch t.disposition {
	case dispositionTransferred:
		return nil, fmt.Errorf("%w: record %s already transferred to %q", ErrInvalidRecordState, rec.id, t.relationship)
	case dispositionRemoved:
		return nil, fmt.Errorf("%w: record %s removed", ErrInvalidRecordState, rec.id)
	}
	return t, nil
}

func contentErr(rec *Record, err error) error {
	if errors.Is(err, content.ErrUnavailable) || errors.Is(err, content.ErrCorrupt) {
		return fmt.Errorf("%w: record %s claim %s: %w", ErrContentUnavailable, rec.id, rec.claim.ID, err)
	}
	return err
}
