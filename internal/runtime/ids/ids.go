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

// NewMessageID returns a time-sortable ULID encoded as a 26-character string.
// Message ids are generated exactly once per logical message.
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewInstanceName returns a random identifier suitable for naming a single
// bus instance within an application.
func NewInstanceName() string {
	return uuid.NewString()
}
