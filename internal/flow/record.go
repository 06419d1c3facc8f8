package flow

import (
	"time"

	"github.com/danmuck/edgeflow/internal/flow/content"
	"github.com/google/uuid"
)

// Core attribute keys set on every new record.
const (
	AttrUUID     = "uuid"
	AttrFilename = "filename"
	AttrPath     = "path"
)

// Record is one unit of data in flight. Content lives in a repository claim;
// the record only references it. Records are mutated through a Session.
type Record struct {
	id           uuid.UUID
	claim        content.Claim
	attrs        *Attributes
	entryTime    time.Time
	lineageStart time.Time
}

func newRecord(now time.Time) *Record {
	id := uuid.New()
	attrs := NewAttributes()
	attrs.Put(AttrUUID, id.String())
	attrs.Put(AttrFilename, id.String())
	attrs.Put(AttrPath, "./")
	return &Record{
		id:           id,
		attrs:        attrs,
		entryTime:    now,
		lineageStart: now,
	}
}

func (r *Record) ID() uuid.UUID { return r.id }

// Size is the content length in bytes.
func (r *Record) Size() int64 { return r.claim.Size }

func (r *Record) Claim() content.Claim { return r.claim }

func (r *Record) Attribute(key string) (string, bool) { return r.attrs.Get(key) }

// Attributes returns a copy of the attribute map in insertion order.
func (r *Record) Attributes() *Attributes { return r.attrs.Clone() }

func (r *Record) EntryTime() time.Time { return r.entryTime }

func (r *Record) LineageStart() time.Time { return r.lineageStart }

func (r *Record) clone() *Record {
	c := *r
	c.attrs = r.attrs.Clone()
	return &c
}
