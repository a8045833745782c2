package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/database"
)

// ErrNotFound is returned by point reads that match no commit.
var ErrNotFound = errors.New("ledger: commit not found")

const commitColumns = `id, tenant_id, case_id, event_type, ts, actor_kind,
	actor_user_id, authority_proof, intent_context, payload,
	supersedes_commit_id, superseded_by_id, commitment_hash, signature,
	request_id, created_at`

// Store is the SQL persistence for commits. Methods take a Querier so the
// caller controls transaction composition; Store itself never opens one.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Insert(ctx context.Context, q database.Querier, c *Commit) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal payload: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO ledger_commits (`+commitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.TenantID, nullable(c.CaseID), string(c.EventType), c.TS,
		string(c.ActorKind), nullable(c.ActorUserID), c.AuthorityProof,
		nullableRaw(c.IntentContext), string(payload),
		nullable(c.SupersedesCommitID), nullable(c.SupersededByID),
		c.CommitmentHash, c.Signature, nullable(c.RequestID), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: insert commit: %w", err)
	}
	return nil
}

// GetByID reads a single commit. Tenant scoping is the service's concern.
func (s *Store) GetByID(ctx context.Context, q database.Querier, id string) (*Commit, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+commitColumns+` FROM ledger_commits WHERE id = $1`, id)
	return scanCommit(row)
}

// MarkSuperseded sets the write-once back-pointer. It fails when the pointer
// is already set, which closes the race between two concurrent supersessors.
func (s *Store) MarkSuperseded(ctx context.Context, q database.Querier, targetID, byID string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE ledger_commits SET superseded_by_id = $1
		 WHERE id = $2 AND superseded_by_id IS NULL`, byID, targetID)
	if err != nil {
		return fmt.Errorf("ledger: mark superseded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: mark superseded rows: %w", err)
	}
	if n == 0 {
		return errors.New("ledger: back-pointer already written")
	}
	return nil
}

// ListByCase returns the case's trail in ascending ts order.
func (s *Store) ListByCase(ctx context.Context, q database.Querier, tenantID, caseID string) ([]Commit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+commitColumns+` FROM ledger_commits
		 WHERE tenant_id = $1 AND case_id = $2 ORDER BY ts ASC`, tenantID, caseID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by case: %w", err)
	}
	return collect(rows)
}

// ListByTenant returns every commit in the tenant, ascending ts.
func (s *Store) ListByTenant(ctx context.Context, q database.Querier, tenantID string) ([]Commit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+commitColumns+` FROM ledger_commits
		 WHERE tenant_id = $1 ORDER BY ts ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by tenant: %w", err)
	}
	return collect(rows)
}

// ListAll streams the full ledger ascending; used by chain verification.
func (s *Store) ListAll(ctx context.Context, q database.Querier) ([]Commit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+commitColumns+` FROM ledger_commits ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list all: %w", err)
	}
	return collect(rows)
}

// Head returns the commit count and the highest allocated ts.
func (s *Store) Head(ctx context.Context, q database.Querier) (count int64, headTS int64, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(ts), 0) FROM ledger_commits`).Scan(&count, &headTS)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: head: %w", err)
	}
	return count, headTS, nil
}

func collect(rows *sql.Rows) ([]Commit, error) {
	defer func() { _ = rows.Close() }()

	out := make([]Commit, 0)
	for rows.Next() {
		c, err := scanCommitRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(row *sql.Row) (*Commit, error) {
	c, err := scanCommitRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func scanCommitRow(r rowScanner) (*Commit, error) {
	var c Commit
	var caseID, actorUserID, intent, supersedes, supersededBy, requestID sql.NullString
	var eventType, actorKind, payload string

	err := r.Scan(&c.ID, &c.TenantID, &caseID, &eventType, &c.TS, &actorKind,
		&actorUserID, &c.AuthorityProof, &intent, &payload,
		&supersedes, &supersededBy, &c.CommitmentHash, &c.Signature,
		&requestID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: scan commit: %w", err)
	}

	c.CaseID = caseID.String
	c.EventType = EventType(eventType)
	c.ActorKind = authority.ActorKind(actorKind)
	c.ActorUserID = actorUserID.String
	if intent.Valid && intent.String != "" {
		c.IntentContext = json.RawMessage(intent.String)
	}
	c.Payload, _ = ParseEnvelope([]byte(payload))
	c.SupersedesCommitID = supersedes.String
	c.SupersededByID = supersededBy.String
	c.RequestID = requestID.String
	return &c, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
