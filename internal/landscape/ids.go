package landscape

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Entity IDs are ULIDs so that ordering by (created_at, id) is stable
// even when two records share a timestamp. Run IDs are UUIDv4 because
// they are the externally quoted handle and carry no ordering meaning.

var entropyPool = sync.Pool{
	New: func() any {
		return ulid.Monotonic(rand.Reader, 0)
	},
}

// NewID returns a sortable unique identifier for audit entities.
func NewID() string {
	entropy := entropyPool.Get().(*ulid.MonotonicEntropy)
	defer entropyPool.Put(entropy)

	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}
