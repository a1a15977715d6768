// Package payload implements content-addressed blob storage for the
// audit plane. The recorder stores only SHA-256 references; blobs live
// here and can be purged without touching audit metadata.
package payload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// shardPrefixLen is the number of leading hex characters used as the
// shard directory name.
const shardPrefixLen = 2

// ErrNotFound is returned when a hash has no stored blob.
var ErrNotFound = errors.New("payload: hash not found")

// IntegrityError reports stored bytes whose re-hash no longer matches
// their reference. This means the store itself is corrupt.
type IntegrityError struct {
	Hash   string
	Actual string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("payload: integrity failure for %s (stored bytes hash to %s)", e.Hash, e.Actual)
}

// Store is the content-addressed payload contract. Storing identical
// content twice returns the same hash without a duplicate write.
type Store interface {
	// Store persists data and returns its SHA-256 hex reference.
	Store(data []byte) (string, error)
	// Retrieve returns the bytes for hash, verifying integrity.
	Retrieve(hash string) ([]byte, error)
	// Exists reports whether hash has a stored blob.
	Exists(hash string) bool
	// Delete removes the blob for hash. Deleting a missing hash is not
	// an error; the bool result reports whether a blob was removed.
	Delete(hash string) (bool, error)
}

// FSStore stores blobs on the filesystem sharded by hash prefix:
// base/<first-2-hex>/<full-hash>. Hashes are always computed over the
// uncompressed bytes, so enabling compression never changes a reference.
type FSStore struct {
	base     string
	compress bool
	cache    *blobCache
	journal  *Journal
}

// Option configures an FSStore.
type Option func(*FSStore)

// WithCompression enables lz4 frame compression of stored blobs.
func WithCompression() Option {
	return func(s *FSStore) { s.compress = true }
}

// WithCache attaches an LRU read cache bounded to maxBytes.
func WithCache(maxBytes int64) Option {
	return func(s *FSStore) { s.cache = newBlobCache(maxBytes) }
}

// WithJournal mirrors every insert into a JSONL change journal.
func WithJournal(j *Journal) Option {
	return func(s *FSStore) { s.journal = j }
}

// NewFSStore creates a filesystem store rooted at base.
func NewFSStore(base string, opts ...Option) (*FSStore, error) {
	err := os.MkdirAll(base, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create payload base dir: %w", err)
	}

	s := &FSStore{base: base}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Store implements Store.Store.
func (s *FSStore) Store(data []byte) (string, error) {
	hash := canonical.HashBytes(data)
	path := s.path(hash)

	if _, statErr := os.Stat(path); statErr == nil {
		// Identical content already present; no duplicate write.
		return hash, nil
	}

	mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755)
	if mkdirErr != nil {
		return "", fmt.Errorf("create shard dir: %w", mkdirErr)
	}

	payloadBytes := data

	if s.compress {
		var buf bytes.Buffer

		w := lz4.NewWriter(&buf)

		_, writeErr := w.Write(data)
		if writeErr != nil {
			return "", fmt.Errorf("compress payload: %w", writeErr)
		}

		closeErr := w.Close()
		if closeErr != nil {
			return "", fmt.Errorf("finish compressed payload: %w", closeErr)
		}

		payloadBytes = buf.Bytes()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create payload temp file: %w", err)
	}

	_, writeErr := tmp.Write(payloadBytes)

	closeErr := tmp.Close()

	if writeErr != nil {
		_ = os.Remove(tmp.Name())

		return "", fmt.Errorf("write payload: %w", writeErr)
	}

	if closeErr != nil {
		_ = os.Remove(tmp.Name())

		return "", fmt.Errorf("close payload temp file: %w", closeErr)
	}

	renameErr := os.Rename(tmp.Name(), path)
	if renameErr != nil {
		_ = os.Remove(tmp.Name())

		return "", fmt.Errorf("rename payload: %w", renameErr)
	}

	if s.cache != nil {
		s.cache.put(hash, data)
	}

	if s.journal != nil {
		journalErr := s.journal.RecordInsert(hash, int64(len(data)))
		if journalErr != nil {
			return "", journalErr
		}
	}

	return hash, nil
}

// Retrieve implements Store.Retrieve. Bytes are re-hashed on every read;
// a mismatch is an IntegrityError.
func (s *FSStore) Retrieve(hash string) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.get(hash); ok {
			return data, nil
		}
	}

	raw, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}

		return nil, fmt.Errorf("read payload %s: %w", hash, err)
	}

	data := raw

	if s.compress {
		r := lz4.NewReader(bytes.NewReader(raw))

		decompressed, readErr := io.ReadAll(r)
		if readErr != nil {
			return nil, fmt.Errorf("decompress payload %s: %w", hash, readErr)
		}

		data = decompressed
	}

	actual := canonical.HashBytes(data)
	if actual != hash {
		return nil, &IntegrityError{Hash: hash, Actual: actual}
	}

	if s.cache != nil {
		s.cache.put(hash, data)
	}

	return data, nil
}

// Exists implements Store.Exists.
func (s *FSStore) Exists(hash string) bool {
	if s.cache != nil && s.cache.contains(hash) {
		return true
	}

	_, err := os.Stat(s.path(hash))

	return err == nil
}

// Delete implements Store.Delete.
func (s *FSStore) Delete(hash string) (bool, error) {
	if s.cache != nil {
		s.cache.remove(hash)
	}

	err := os.Remove(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("delete payload %s: %w", hash, err)
	}

	return true, nil
}

func (s *FSStore) path(hash string) string {
	if len(hash) < shardPrefixLen {
		return filepath.Join(s.base, "invalid", hash)
	}

	return filepath.Join(s.base, hash[:shardPrefixLen], hash)
}
