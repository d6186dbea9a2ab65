package client

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// NewKey returns a fresh idempotency key. Allocated exactly once per logical
// user action, before the first transport attempt; retries of the same action
// reuse the key, which is what makes re-submission harmless.
func NewKey() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	// No cryptographic randomness available: high-resolution timestamp with
	// a random suffix still gives collision odds low enough for one user's
	// submissions.
	return fmt.Sprintf("k-%x-%04x", time.Now().UnixNano(), rand.Intn(0x10000))
}
