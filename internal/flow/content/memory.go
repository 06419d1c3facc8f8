package content

import (
	"bytes"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository keeps claims in process memory. Content is lost on exit.
type MemoryRepository struct {
	mu     sync.RWMutex
	claims map[string][]byte
	closed bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{claims: make(map[string][]byte)}
}

func (r *MemoryRepository) NewWriter() (Writer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	return &memoryWriter{repo: r}, nil
}

func (r *MemoryRepository) Open(claim Claim) (io.ReadCloser, error) {
	if claim.IsZero() {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	r.mu.RLock()
	data, ok := r.claims[claim.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnavailable
	}
	if Sum(data) != claim.Digest {
		return nil, ErrCorrupt
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *MemoryRepository) Release(claim Claim) error {
	if claim.IsZero() {
		return nil
	}
	r.mu.Lock()
	delete(r.claims, claim.ID)
	r.mu.Unlock()
	return nil
}

// Evict drops a claim while it is still referenced.
func (r *MemoryRepository) Evict(id string) {
	r.mu.Lock()
	delete(r.claims, id)
	r.mu.Unlock()
}

func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.claims)
}

func (r *MemoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.claims = make(map[string][]byte)
	return nil
}

type memoryWriter struct {
	repo *MemoryRepository
	buf  bytes.Buffer
	done bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrFinished
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Finish() (Claim, error) {
	if w.done {
		return Claim{}, ErrFinished
	}
	w.done = true
	data := w.buf.Bytes()
	claim := Claim{ID: uuid.NewString(), Size: int64(len(data)), Digest: Sum(data)}
	w.repo.mu.Lock()
	defer w.repo.mu.Unlock()
	if w.repo.closed {
		return Claim{}, ErrClosed
	}
	w.repo.claims[claim.ID] = data
	return claim, nil
}

func (w *memoryWriter) Discard() error {
	w.done = true
	w.buf.Reset()
	return nil
}
