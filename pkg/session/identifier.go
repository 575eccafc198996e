package session

import (
	crand "crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewSessionID generates a sortable, collision-resistant session identifier.
func NewSessionID() string {
	id := ulid.MustNew(ulid.Now(), ulid.Monotonic(crand.Reader, 0))
	return "sess-" + strings.ToLower(id.String())
}
