package disbursement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/database"
)

// ErrNotFound is returned by point reads that match no disbursement.
var ErrNotFound = errors.New("disbursement: not found")

const disbursementColumns = `id, tenant_id, case_id, type, status, amount,
	currency, payee_kind, payee_id, actor_kind, actor_user_id, authority_proof,
	verification_record_id, execution_id, authorized_at, executed_at,
	failed_at, failure_reason`

// Store is the SQL persistence for disbursements.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Insert(ctx context.Context, q database.Querier, d *Disbursement) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO disbursements (`+disbursementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		d.ID, d.TenantID, d.CaseID, d.Type, d.Status, d.Amount,
		d.Currency, d.PayeeKind, d.PayeeID, string(d.ActorKind),
		nullable(d.ActorUserID), d.AuthorityProof, d.VerificationRecordID,
		d.ExecutionID, d.AuthorizedAt, d.ExecutedAt, d.FailedAt,
		nullable(d.FailureReason))
	if err != nil {
		return fmt.Errorf("disbursement: insert: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, q database.Querier, tenantID, id string) (*Disbursement, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+disbursementColumns+` FROM disbursements
		WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanDisbursement(row)
}

// GetByCase returns the case's disbursement, which is unique by schema.
func (s *Store) GetByCase(ctx context.Context, q database.Querier, tenantID, caseID string) (*Disbursement, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+disbursementColumns+` FROM disbursements
		WHERE tenant_id = $1 AND case_id = $2`, tenantID, caseID)
	return scanDisbursement(row)
}

// TransitionStatus moves the disbursement between protocol states. The WHERE
// clause carries the expected current status so concurrent executors cannot
// both win.
func (s *Store) TransitionStatus(ctx context.Context, q database.Querier, tenantID, id, from, to string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE disbursements SET status = $1
		WHERE tenant_id = $2 AND id = $3 AND status = $4`,
		to, tenantID, id, from)
	if err != nil {
		return fmt.Errorf("disbursement: transition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("disbursement: transition status rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("disbursement: %s is not in status %s", id, from)
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, q database.Querier, tenantID, id string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE disbursements SET status = $1, executed_at = $2
		WHERE tenant_id = $3 AND id = $4`,
		StatusCompleted, at, tenantID, id)
	if err != nil {
		return fmt.Errorf("disbursement: mark completed: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, q database.Querier, tenantID, id, reason string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE disbursements SET status = $1, failed_at = $2, failure_reason = $3
		WHERE tenant_id = $4 AND id = $5`,
		StatusFailed, at, reason, tenantID, id)
	if err != nil {
		return fmt.Errorf("disbursement: mark failed: %w", err)
	}
	return nil
}

// ListStalled returns AUTHORIZED disbursements whose authorization is older
// than the cutoff, meaning execution never started.
func (s *Store) ListStalled(ctx context.Context, q database.Querier, tenantID string, cutoff time.Time) ([]Disbursement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+disbursementColumns+` FROM disbursements
		WHERE tenant_id = $1 AND status = $2 AND authorized_at < $3
		ORDER BY authorized_at ASC`,
		tenantID, StatusAuthorized, cutoff)
	if err != nil {
		return nil, fmt.Errorf("disbursement: list stalled: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Disbursement, 0)
	for rows.Next() {
		d, err := scanDisbursementRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("disbursement: stalled rows: %w", err)
	}
	return out, nil
}

func scanDisbursement(row *sql.Row) (*Disbursement, error) {
	d, err := scanDisbursementRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDisbursementRow(r interface{ Scan(...any) error }) (*Disbursement, error) {
	var d Disbursement
	var actorKind string
	var actorUserID, failureReason sql.NullString
	var executedAt, failedAt sql.NullTime

	err := r.Scan(&d.ID, &d.TenantID, &d.CaseID, &d.Type, &d.Status, &d.Amount,
		&d.Currency, &d.PayeeKind, &d.PayeeID, &actorKind, &actorUserID,
		&d.AuthorityProof, &d.VerificationRecordID, &d.ExecutionID,
		&d.AuthorizedAt, &executedAt, &failedAt, &failureReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("disbursement: scan: %w", err)
	}
	d.ActorKind = authority.ActorKind(actorKind)
	d.ActorUserID = actorUserID.String
	d.FailureReason = failureReason.String
	if executedAt.Valid {
		t := executedAt.Time
		d.ExecutedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		d.FailedAt = &t
	}
	return &d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
