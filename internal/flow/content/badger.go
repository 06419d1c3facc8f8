package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	codecRaw  uint8 = 0
	codecZstd uint8 = 1
)

var (
	claimPrefix = []byte("claim:")

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("content: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("content: zstd decoder initialization failed: " + err.Error())
	}
}

// claimMeta is stored CBOR-encoded next to the claim bytes.
type claimMeta struct {
	Size       int64  `cbor:"1,keyasint"`
	Digest     []byte `cbor:"2,keyasint"`
	Codec      uint8  `cbor:"3,keyasint"`
	StoredSize int64  `cbor:"4,keyasint"`
	CreatedAt  int64  `cbor:"5,keyasint"`
}

// BadgerRepository keeps claims in a badger database on disk so content
// does not have to fit in memory. Queues are not persisted, so claims left
// from a previous run are unreferenced and are swept on open.
type BadgerRepository struct {
	db *badger.DB
}

// OpenBadgerRepository opens or creates the repository at dir and drops every
// claim it already holds.
func OpenBadgerRepository(dir string) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("content: open badger %s: %w", dir, err)
	}
	r := &BadgerRepository{db: db}
	if n := r.Len(); n > 0 {
		if err := db.DropPrefix(claimPrefix); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("content: sweep orphaned claims in %s: %w", dir, err)
		}
		log := logging.Component("content")
		log.Info().Str("dir", dir).Int("claims", n).Msg("swept orphaned claims")
	}
	return r, nil
}

func (r *BadgerRepository) Close() error { return r.db.Close() }

func (r *BadgerRepository) NewWriter() (Writer, error) {
	if r.db.IsClosed() {
		return nil, ErrClosed
	}
	return &badgerWriter{repo: r}, nil
}

func (r *BadgerRepository) Open(claim Claim) (io.ReadCloser, error) {
	if claim.IsZero() {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	var (
		meta   claimMeta
		stored []byte
	)
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(claim.ID))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &meta)
		}); err != nil {
			return err
		}
		item, err = txn.Get(dataKey(claim.ID))
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, err
	}

	data := stored
	if meta.Codec == codecZstd {
		data, err = zstdDecoder.DecodeAll(stored, make([]byte, 0, meta.Size))
		if err != nil {
			return nil, fmt.Errorf("content: zstd decompress %s: %w", claim.ID, err)
		}
	}
	if Sum(data) != claim.Digest || !bytes.Equal(meta.Digest, claim.Digest[:]) {
		return nil, ErrCorrupt
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *BadgerRepository) Release(claim Claim) error {
	if claim.IsZero() {
		return nil
	}
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(metaKey(claim.ID)); err != nil {
			return err
		}
		return txn.Delete(dataKey(claim.ID))
	})
}

// Len counts stored claims.
func (r *BadgerRepository) Len() int {
	n := 0
	_ = r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = claimPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if bytes.HasSuffix(it.Item().Key(), []byte(":meta")) {
				n++
			}
		}
		return nil
	})
	return n
}

func (r *BadgerRepository) put(data []byte) (Claim, error) {
	claim := Claim{ID: uuid.NewString(), Size: int64(len(data)), Digest: Sum(data)}
	stored, codec := data, codecRaw
	if compressed := zstdEncoder.EncodeAll(data, nil); len(compressed) < len(data) {
		stored, codec = compressed, codecZstd
	}
	meta, err := cbor.Marshal(claimMeta{
		Size:       claim.Size,
		Digest:     claim.Digest[:],
		Codec:      codec,
		StoredSize: int64(len(stored)),
		CreatedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		return Claim{}, err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(claim.ID), stored); err != nil {
			return err
		}
		return txn.Set(metaKey(claim.ID), meta)
	})
	if err != nil {
		return Claim{}, fmt.Errorf("content: store claim: %w", err)
	}
	return claim, nil
}

func metaKey(id string) []byte { return []byte("claim:" + id + ":meta") }

func dataKey(id string) []byte { return []byte("claim:" + id + ":data") }

type badgerWriter struct {
	repo *BadgerRepository
	buf  bytes.Buffer
	done bool
}

func (w *badgerWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrFinished
	}
	return w.buf.Write(p)
}

func (w *badgerWriter) Finish() (Claim, error) {
	if w.done {
		return Claim{}, ErrFinished
	}
	w.done = true
	return w.repo.put(w.buf.Bytes())
}

func (w *badgerWriter) Discard() error {
	w.done = true
	w.buf.Reset()
	return nil
}
