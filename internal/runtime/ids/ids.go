package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID used as the broker message id.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCorrelationID returns a random UUIDv4 used to match an RPC reply to its call.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewInstanceID returns the identifier that scopes this process's fanout queue.
func NewInstanceID() string {
	return uuid.NewString()
}
