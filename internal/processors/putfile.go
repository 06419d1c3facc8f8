package processors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/edgeflow/internal/flow"
	"github.com/google/renameio/v2"
)

const (
	PropOutputDirectory    = "Output Directory"
	PropConflictResolution = "Conflict Resolution Strategy"

	ConflictReplace = "replace"
	ConflictIgnore  = "ignore"
	ConflictFail    = "fail"
)

// PutFile writes each record's content to Output Directory under its
// filename attribute. Files appear atomically via a temp file and rename.
type PutFile struct {
	dir      string
	conflict string
}

func NewPutFile() *PutFile { return &PutFile{} }

func (p *PutFile) Relationships() []flow.Relationship {
	return []flow.Relationship{
		{Name: flow.RelSuccess.Name, Description: "records written to disk"},
		{Name: flow.RelFailure.Name, Description: "records rejected by conflict resolution or a write failure"},
	}
}

func (p *PutFile) Properties() []flow.PropertySpec {
	return []flow.PropertySpec{
		{Name: PropOutputDirectory, Description: "directory receiving the files", Default: "."},
		{Name: PropConflictResolution, Description: "replace, ignore or fail when the file exists", Default: ConflictFail},
	}
}

func (p *PutFile) OnSchedule(pc *flow.ProcessContext) error {
	dir, err := pc.Required(PropOutputDirectory)
	if err != nil {
		return err
	}
	conflict, _ := pc.Property(PropConflictResolution)
	switch conflict {
	case ConflictReplace, ConflictIgnore, ConflictFail:
	default:
		return &flow.PropertyError{Processor: pc.Name, Property: PropConflictResolution, Reason: "unknown strategy " + conflict}
	}
	p.dir, p.conflict = dir, conflict
	return nil
}

func (p *PutFile) OnTrigger(_ context.Context, pc *flow.ProcessContext, s *flow.Session) error {
	rec, ok := s.Get()
	if !ok {
		return nil
	}
	name, _ := rec.Attribute(flow.AttrFilename)
	dest, err := p.destination(name)
	if err != nil {
		pc.Logger.Warn().Err(err).Str("record", rec.ID().String()).Msg("put file rejected")
		return s.Transfer(rec, flow.RelFailure.Name)
	}

	if _, err := os.Stat(dest); err == nil {
		pc.Logger.Info().Str("file", dest).Str("strategy", p.conflict).Msg("destination exists")
		switch p.conflict {
		case ConflictIgnore:
			return s.Transfer(rec, flow.RelSuccess.Name)
		case ConflictFail:
			return s.Transfer(rec, flow.RelFailure.Name)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		pc.Logger.Warn().Err(err).Str("file", dest).Msg("stat destination failed")
		return s.Transfer(rec, flow.RelFailure.Name)
	}

	if err := p.write(s, rec, dest); err != nil {
		pc.Logger.Warn().Err(err).Str("file", dest).Msg("put file failed")
		return s.Transfer(rec, flow.RelFailure.Name)
	}
	pc.Logger.Debug().Str("file", dest).Int64("size", rec.Size()).Msg("put file written")
	return s.Transfer(rec, flow.RelSuccess.Name)
}

func (p *PutFile) destination(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	}
	return filepath.Join(p.dir, name), nil
}

func (p *PutFile) write(s *flow.Session, rec *flow.Record, dest string) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(dest, renameio.WithTempDir(p.dir), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if rec.Size() > 0 {
		if err := s.Read(rec, func(r io.Reader) error {
			_, err := io.Copy(pending, r)
			return err
		}); err != nil {
			return err
		}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace file: %w", err)
	}
	return nil
}
