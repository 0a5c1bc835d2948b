package storage

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sablewood/reverie/pkg/types"
)

// ErrInvalidInput indicates that the input parameters are invalid at the
// storage boundary (nil record, empty required field). Domain-level
// validation failures use the typed errors in pkg/types instead.
var ErrInvalidInput = errors.New("invalid input")

// AuditRecord is one append-only refinement-protocol event.
type AuditRecord struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Action    string          `json:"action"`
	Actor     types.Actor     `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewID returns a lexicographically sortable unique identifier. ULIDs sort
// by creation time, which keeps "newest first" scans cheap without a
// secondary index on created_at.
func NewID() string {
	return ulid.Make().String()
}

// EscapeLike escapes LIKE/ILIKE metacharacters in a user-supplied query so
// the query matches literally. Without this, a search for "100%" becomes a
// wildcard scan matching any "100<anything>". The backslash is the declared
// ESCAPE character in every query that uses this helper.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
