package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgeflow/internal/flow"
	"github.com/google/renameio/v2"
)

const (
	PropFileToTail = "File to Tail"
	PropStateFile  = "State File"

	AttrTailSource = "tailfile.source"
)

// tailState is the persisted read position.
type tailState struct {
	File     string `toml:"file"`
	Position int64  `toml:"position"`
}

// TailFile emits the bytes appended to a file since the last trigger. The
// read position survives restarts through State File. A file shorter than
// the position is treated as rotated and read from the start.
type TailFile struct {
	file      string
	stateFile string
	position  int64
}

func NewTailFile() *TailFile { return &TailFile{} }

func (t *TailFile) Relationships() []flow.Relationship {
	return []flow.Relationship{flow.RelSuccess}
}

func (t *TailFile) Properties() []flow.PropertySpec {
	return []flow.PropertySpec{
		{Name: PropFileToTail, Description: "file to follow", Required: true},
		{Name: PropStateFile, Description: "file storing the read position", Default: "TailFileState"},
	}
}

func (t *TailFile) OnSchedule(pc *flow.ProcessContext) error {
	file, err := pc.Required(PropFileToTail)
	if err != nil {
		return err
	}
	stateFile, err := pc.Required(PropStateFile)
	if err != nil {
		return err
	}
	t.file, t.stateFile, t.position = file, stateFile, 0

	st, err := loadTailState(stateFile)
	switch {
	case err != nil:
		pc.Logger.Warn().Err(err).Str("state_file", stateFile).Msg("tail state unreadable, starting from the beginning")
	case st.File == file:
		t.position = st.Position
		pc.Logger.Info().Str("file", file).Int64("position", st.Position).Msg("tail state recovered")
	}
	return nil
}

func (t *TailFile) OnTrigger(_ context.Context, pc *flow.ProcessContext, s *flow.Session) error {
	info, err := os.Stat(t.file)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", flow.ErrYield, t.file)
	}
	if err != nil {
		return err
	}
	size := info.Size()
	if size < t.position {
		pc.Logger.Info().Str("file", t.file).Int64("position", t.position).Int64("size", size).Msg("file rolled over")
		t.position = 0
	}
	if size == t.position {
		return nil
	}

	f, err := os.Open(t.file)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(t.position, io.SeekStart); err != nil {
		return err
	}

	start, end := t.position, size
	rec := s.Create()
	if err := s.Write(rec, func(w io.Writer) error {
		_, err := io.CopyN(w, f, end-start)
		return err
	}); err != nil {
		return err
	}
	if err := s.PutAttributes(rec, map[string]string{
		flow.AttrFilename: chunkName(t.file, start, end),
		flow.AttrPath:     filepath.Dir(t.file) + string(filepath.Separator),
		AttrTailSource:    t.file,
	}); err != nil {
		return err
	}
	if err := s.Transfer(rec, flow.RelSuccess.Name); err != nil {
		return err
	}

	t.position = end
	if err := storeTailState(t.stateFile, tailState{File: t.file, Position: end}); err != nil {
		pc.Logger.Warn().Err(err).Str("state_file", t.stateFile).Msg("store tail state failed")
	}
	return nil
}

// chunkName names a chunk base.start-end.ext, end inclusive.
func chunkName(path string, start, end int64) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s.%d-%d%s", stem, start, end-1, ext)
}

func loadTailState(path string) (tailState, error) {
	var st tailState
	if _, err := toml.DecodeFile(path, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tailState{}, nil
		}
		return tailState{}, err
	}
	return st, nil
}

func storeTailState(path string, st tailState) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(st); err != nil {
		return err
	}
	return renameio.WriteFile(path, buf.Bytes(), 0o644)
}
