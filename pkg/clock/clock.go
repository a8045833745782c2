// Package clock allocates the global monotonic logical clock backing ledger
// ordering, and validates entity identifiers at boundaries.
//
// The clock is a database sequence, not wall time: concurrent commits across
// all tenants receive distinct, strictly increasing values, and the database
// is the single arbiter.
package clock

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/ledgerline/casegov/pkg/database"
)

// Sequencer hands out the next logical timestamp. It fails only when the
// database is unavailable.
type Sequencer struct {
	dialect database.Dialect
}

// NewSequencer creates a Sequencer for the given engine.
func NewSequencer(dialect database.Dialect) *Sequencer {
	return &Sequencer{dialect: dialect}
}

// NextTS allocates the next value of ledger_global_seq. The Querier may be a
// transaction so the allocation participates in the caller's atomicity.
func (s *Sequencer) NextTS(ctx context.Context, q database.Querier) (int64, error) {
	var ts int64
	var err error
	switch s.dialect {
	case database.DialectPostgres:
		err = q.QueryRowContext(ctx, `SELECT nextval('ledger_global_seq')`).Scan(&ts)
	default:
		err = q.QueryRowContext(ctx,
			`UPDATE ledger_global_seq SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&ts)
	}
	if err != nil {
		return 0, fmt.Errorf("clock: next ts: %w", err)
	}
	return ts, nil
}

// NewID returns a fresh UUID string.
func NewID() string {
	return uuid.New().String()
}

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ValidUUID reports whether s is a canonical lowercase hex UUID (versions 1
// through 5). Every boundary that accepts an identifier runs it through this.
func ValidUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// MustParse panics on malformed ids; reserved for test fixtures.
func MustParse(s string) uuid.UUID {
	return uuid.MustParse(s)
}
