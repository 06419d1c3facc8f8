package processors

import (
	"context"
	"io"
	"math/rand/v2"

	"github.com/danmuck/edgeflow/internal/flow"
)

const (
	PropFileSize       = "File Size"
	PropBatchSize      = "Batch Size"
	PropDataFormat     = "Data Format"
	PropUniqueContents = "Unique FlowFiles"

	DataFormatBinary = "Binary"
	DataFormatText   = "Text"
)

const textAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 \n"

// GenerateFlowFile creates Batch Size records of File Size random bytes per
// trigger.
type GenerateFlowFile struct {
	size   int
	batch  int
	text   bool
	unique bool
	fixed  []byte
}

func NewGenerateFlowFile() *GenerateFlowFile { return &GenerateFlowFile{} }

func (g *GenerateFlowFile) Relationships() []flow.Relationship {
	return []flow.Relationship{flow.RelSuccess}
}

func (g *GenerateFlowFile) Properties() []flow.PropertySpec {
	return []flow.PropertySpec{
		{Name: PropFileSize, Description: "bytes of content per record", Default: "1024"},
		{Name: PropBatchSize, Description: "records per trigger", Default: "1"},
		{Name: PropDataFormat, Description: "Binary or Text", Default: DataFormatBinary},
		{Name: PropUniqueContents, Description: "generate fresh content for every record", Default: "true"},
	}
}

func (g *GenerateFlowFile) OnSchedule(pc *flow.ProcessContext) error {
	size, err := pc.Int(PropFileSize, 1024)
	if err != nil {
		return err
	}
	if size < 0 {
		return &flow.PropertyError{Processor: pc.Name, Property: PropFileSize, Reason: "must not be negative"}
	}
	batch, err := pc.Int(PropBatchSize, 1)
	if err != nil {
		return err
	}
	if batch < 1 {
		return &flow.PropertyError{Processor: pc.Name, Property: PropBatchSize, Reason: "must be at least 1"}
	}
	format, _ := pc.Property(PropDataFormat)
	switch format {
	case DataFormatBinary, DataFormatText:
	default:
		return &flow.PropertyError{Processor: pc.Name, Property: PropDataFormat, Reason: "unknown format " + format}
	}
	unique, err := pc.Bool(PropUniqueContents, true)
	if err != nil {
		return err
	}
	g.size, g.batch, g.text, g.unique = size, batch, format == DataFormatText, unique
	g.fixed = nil
	if !unique {
		g.fixed = g.generate()
	}
	return nil
}

func (g *GenerateFlowFile) OnTrigger(_ context.Context, _ *flow.ProcessContext, s *flow.Session) error {
	for i := 0; i < g.batch; i++ {
		data := g.fixed
		if g.unique {
			data = g.generate()
		}
		rec := s.Create()
		if err := s.Write(rec, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}); err != nil {
			return err
		}
		if err := s.Transfer(rec, flow.RelSuccess.Name); err != nil {
			return err
		}
	}
	return nil
}

func (g *GenerateFlowFile) generate() []byte {
	buf := make([]byte, g.size)
	for i := range buf {
		if g.text {
			buf[i] = textAlphabet[rand.IntN(len(textAlphabet))]
		} else {
			buf[i] = byte(rand.Uint32())
		}
	}
	return buf
}
