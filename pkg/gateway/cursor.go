package gateway

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/ledgerline/casegov/pkg/domain"
)

// CodeInvalidCursor rejects cursors the server did not mint.
const CodeInvalidCursor = "INVALID_CURSOR"

// Pagination bounds.
const (
	DefaultPageSize = 30
	MaxPageSize     = 100
)

// Cursor is an opaque position in a case's message history. The (createdAt,
// id) pair matches the listing index, so pagination is stable under
// concurrent inserts.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// Encode renders the cursor in the form handed to clients.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a client-supplied cursor. An empty string means start
// from the newest message.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, domain.E(CodeInvalidCursor, "cursor is not valid base64url")
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, domain.E(CodeInvalidCursor, "cursor payload is malformed")
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return nil, domain.E(CodeInvalidCursor, "cursor is missing its position")
	}
	return &c, nil
}

// ClampLimit normalizes a requested page size into the allowed range.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
