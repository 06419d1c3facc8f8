package processors

import (
	"bytes"
	"context"
	"io"

	"github.com/danmuck/edgeflow/internal/flow"
	"github.com/rs/zerolog"
)

const (
	PropLogLevel   = "Log Level"
	PropLogPayload = "Log Payload"
	PropLogPrefix  = "Log Prefix"
	PropMaxPayload = "Max Payload Bytes"
)

// LogAttribute logs every incoming record and passes it on to success.
type LogAttribute struct {
	level      zerolog.Level
	payload    bool
	prefix     string
	maxPayload int
}

func NewLogAttribute() *LogAttribute { return &LogAttribute{} }

func (l *LogAttribute) Relationships() []flow.Relationship {
	return []flow.Relationship{flow.RelSuccess}
}

func (l *LogAttribute) Properties() []flow.PropertySpec {
	return []flow.PropertySpec{
		{Name: PropLogLevel, Description: "zerolog level name", Default: "info"},
		{Name: PropLogPayload, Description: "include content in the log line", Default: "false"},
		{Name: PropLogPrefix, Description: "text prepended to the log message"},
		{Name: PropMaxPayload, Description: "content bytes logged at most", Default: "1024"},
	}
}

func (l *LogAttribute) OnSchedule(pc *flow.ProcessContext) error {
	name, _ := pc.Property(PropLogLevel)
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return &flow.PropertyError{Processor: pc.Name, Property: PropLogLevel, Reason: err.Error()}
	}
	payload, err := pc.Bool(PropLogPayload, false)
	if err != nil {
		return err
	}
	maxPayload, err := pc.Int(PropMaxPayload, 1024)
	if err != nil {
		return err
	}
	l.level, l.payload, l.maxPayload = level, payload, maxPayload
	l.prefix, _ = pc.Property(PropLogPrefix)
	return nil
}

func (l *LogAttribute) OnTrigger(_ context.Context, pc *flow.ProcessContext, s *flow.Session) error {
	for {
		rec, ok := s.Get()
		if !ok {
			return nil
		}
		event := pc.Logger.WithLevel(l.level).
			Str("record", rec.ID().String()).
			Int64("size", rec.Size()).
			Time("entry_time", rec.EntryTime()).
			Time("lineage_start", rec.LineageStart()).
			Interface("attributes", rec.Attributes().Map())
		if l.payload && rec.Size() > 0 {
			var buf bytes.Buffer
			if err := s.Read(rec, func(r io.Reader) error {
				_, err := io.Copy(&buf, io.LimitReader(r, int64(l.maxPayload)))
				return err
			}); err != nil {
				return err
			}
			event = event.Str("payload", buf.String())
		}
		event.Msg(l.prefix + "record attributes")
		if err := s.Transfer(rec, flow.RelSuccess.Name); err != nil {
			return err
		}
	}
}
