package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/domain"
)

// CodeCaseNotFound is returned when a tenant-scoped case read misses. A case
// in another tenant is indistinguishable from a nonexistent one.
const CodeCaseNotFound = "CASE_NOT_FOUND"

// Store reads and writes projection rows. Like the ledger store it is
// stateless and takes a Querier per call, so callers compose transactions.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) CreateCase(ctx context.Context, q database.Querier, c *Case) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cases (id, tenant_id, reference_code, lifecycle, status,
			author_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.TenantID, c.ReferenceCode, c.Lifecycle, c.Status,
		c.AuthorUserID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("projection: create case: %w", err)
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, q database.Querier, tenantID, caseID string) (*Case, error) {
	var c Case
	err := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, reference_code, lifecycle, status,
			author_user_id, created_at, updated_at
		FROM cases WHERE tenant_id = $1 AND id = $2`, tenantID, caseID).
		Scan(&c.ID, &c.TenantID, &c.ReferenceCode, &c.Lifecycle, &c.Status,
			&c.AuthorUserID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.E(CodeCaseNotFound, "case %s not found", caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("projection: get case: %w", err)
	}
	return &c, nil
}

// UpdateCaseLifecycle writes the cached lifecycle. Only the transition
// service and the reconciler call this; handlers never do.
func (s *Store) UpdateCaseLifecycle(ctx context.Context, q database.Querier, tenantID, caseID, lifecycle string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE cases SET lifecycle = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4`,
		lifecycle, time.Now().UTC(), tenantID, caseID)
	if err != nil {
		return fmt.Errorf("projection: update lifecycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("projection: update lifecycle rows: %w", err)
	}
	if n == 0 {
		return domain.E(CodeCaseNotFound, "case %s not found", caseID)
	}
	return nil
}

// ListCaseIDs returns the tenant's case ids in creation order. The
// reconciler walks this sequentially.
func (s *Store) ListCaseIDs(ctx context.Context, q database.Querier, tenantID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM cases WHERE tenant_id = $1 ORDER BY created_at ASC, id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("projection: list case ids: %w", err)
	}
	return collectStrings(rows)
}

// ListTenantIDs returns every tenant that owns at least one case.
func (s *Store) ListTenantIDs(ctx context.Context, q database.Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM cases ORDER BY tenant_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("projection: list tenants: %w", err)
	}
	return collectStrings(rows)
}

// InsertDecision records a decision. The caller supersedes the previous
// authoritative decision of the same type first, inside the same transaction.
func (s *Store) InsertDecision(ctx context.Context, q database.Querier, d *Decision) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO decisions (id, tenant_id, case_id, decision_type, actor_kind,
			actor_user_id, decided_at, reason, intent_context,
			superseded_at, supersedes_decision_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.TenantID, d.CaseID, d.DecisionType, string(d.ActorKind),
		nullable(d.ActorUserID), d.DecidedAt, d.Reason, nullable(d.IntentContext),
		d.SupersededAt, nullable(d.SupersedesDecisionID))
	if err != nil {
		return fmt.Errorf("projection: insert decision: %w", err)
	}
	return nil
}

// MarkDecisionSuperseded stamps superseded_at on the outgoing decision so at
// most one live decision per (case, type) remains.
func (s *Store) MarkDecisionSuperseded(ctx context.Context, q database.Querier, tenantID, decisionID string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE decisions SET superseded_at = $1
		WHERE tenant_id = $2 AND id = $3 AND superseded_at IS NULL`,
		at, tenantID, decisionID)
	if err != nil {
		return fmt.Errorf("projection: supersede decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("projection: supersede decision rows: %w", err)
	}
	if n == 0 {
		return errors.New("projection: decision missing or already superseded")
	}
	return nil
}

// GetAuthoritativeDecision returns the single live decision of the given
// type, or nil when none exists.
func (s *Store) GetAuthoritativeDecision(ctx context.Context, q database.Querier, tenantID, caseID, decisionType string) (*Decision, error) {
	row := q.QueryRowContext(ctx, decisionSelect+`
		WHERE tenant_id = $1 AND case_id = $2 AND decision_type = $3
			AND superseded_at IS NULL`,
		tenantID, caseID, decisionType)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ListDecisionChain returns all decisions of the type, oldest first, so a
// reader can follow supersessions end to end.
func (s *Store) ListDecisionChain(ctx context.Context, q database.Querier, tenantID, caseID, decisionType string) ([]Decision, error) {
	rows, err := q.QueryContext(ctx, decisionSelect+`
		WHERE tenant_id = $1 AND case_id = $2 AND decision_type = $3
		ORDER BY decided_at ASC, id ASC`,
		tenantID, caseID, decisionType)
	if err != nil {
		return nil, fmt.Errorf("projection: decision chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Decision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("projection: decision chain rows: %w", err)
	}
	return out, nil
}

const decisionSelect = `
	SELECT id, tenant_id, case_id, decision_type, actor_kind, actor_user_id,
		decided_at, reason, intent_context, superseded_at, supersedes_decision_id
	FROM decisions`

func scanDecision(r interface{ Scan(...any) error }) (*Decision, error) {
	var d Decision
	var actorKind string
	var actorUserID, intent, supersedes sql.NullString
	var supersededAt sql.NullTime

	err := r.Scan(&d.ID, &d.TenantID, &d.CaseID, &d.DecisionType, &actorKind,
		&actorUserID, &d.DecidedAt, &d.Reason, &intent, &supersededAt, &supersedes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("projection: scan decision: %w", err)
	}
	d.ActorKind = authority.ActorKind(actorKind)
	d.ActorUserID = actorUserID.String
	d.IntentContext = intent.String
	d.SupersedesDecisionID = supersedes.String
	if supersededAt.Valid {
		t := supersededAt.Time
		d.SupersededAt = &t
	}
	return &d, nil
}

func (s *Store) InsertExecution(ctx context.Context, q database.Querier, e *Execution) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO executions (id, tenant_id, case_id, status, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TenantID, e.CaseID, e.Status, e.StartedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("projection: insert execution: %w", err)
	}
	return nil
}

// GetExecutionByCase returns the latest execution for the case, or nil.
func (s *Store) GetExecutionByCase(ctx context.Context, q database.Querier, tenantID, caseID string) (*Execution, error) {
	var e Execution
	var started, completed sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, case_id, status, started_at, completed_at
		FROM executions WHERE tenant_id = $1 AND case_id = $2
		ORDER BY started_at DESC, id DESC LIMIT 1`, tenantID, caseID).
		Scan(&e.ID, &e.TenantID, &e.CaseID, &e.Status, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("projection: get execution: %w", err)
	}
	if started.Valid {
		t := started.Time
		e.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

func (s *Store) SetExecutionStatus(ctx context.Context, q database.Querier, tenantID, executionID, status string, completedAt *time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE executions SET status = $1, completed_at = $2
		WHERE tenant_id = $3 AND id = $4`,
		status, completedAt, tenantID, executionID)
	if err != nil {
		return fmt.Errorf("projection: set execution status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("projection: set execution status rows: %w", err)
	}
	if n == 0 {
		return errors.New("projection: execution not found")
	}
	return nil
}

func (s *Store) InsertMilestone(ctx context.Context, q database.Querier, m *ExecutionMilestone) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO execution_milestones (id, tenant_id, execution_id, title, completed, ordinal)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.TenantID, m.ExecutionID, m.Title, m.Completed, m.Ordinal)
	if err != nil {
		return fmt.Errorf("projection: insert milestone: %w", err)
	}
	return nil
}

func (s *Store) ListMilestones(ctx context.Context, q database.Querier, tenantID, executionID string) ([]ExecutionMilestone, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant_id, execution_id, title, completed, ordinal
		FROM execution_milestones
		WHERE tenant_id = $1 AND execution_id = $2 ORDER BY ordinal ASC`,
		tenantID, executionID)
	if err != nil {
		return nil, fmt.Errorf("projection: list milestones: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]ExecutionMilestone, 0)
	for rows.Next() {
		var m ExecutionMilestone
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ExecutionID, &m.Title,
			&m.Completed, &m.Ordinal); err != nil {
			return nil, fmt.Errorf("projection: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("projection: milestone rows: %w", err)
	}
	return out, nil
}

// InsertVerification writes the record and its required roles together.
func (s *Store) InsertVerification(ctx context.Context, q database.Querier, v *VerificationRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO verification_records (id, tenant_id, case_id,
			required_verifiers, consensus_reached, routed_at, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.TenantID, v.CaseID, v.RequiredVerifiers, v.ConsensusReached,
		v.RoutedAt, v.VerifiedAt)
	if err != nil {
		return fmt.Errorf("projection: insert verification: %w", err)
	}
	for _, role := range v.RequiredRoles {
		_, err := q.ExecContext(ctx, `
			INSERT INTO verification_required_roles (verification_id, tenant_id, role)
			VALUES ($1, $2, $3)`, v.ID, v.TenantID, role)
		if err != nil {
			return fmt.Errorf("projection: insert required role: %w", err)
		}
	}
	return nil
}

// SetConsensus marks the verification round decided.
func (s *Store) SetConsensus(ctx context.Context, q database.Querier, tenantID, verificationID string, reached bool, verifiedAt time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE verification_records SET consensus_reached = $1, verified_at = $2
		WHERE tenant_id = $3 AND id = $4`,
		reached, verifiedAt, tenantID, verificationID)
	if err != nil {
		return fmt.Errorf("projection: set consensus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("projection: set consensus rows: %w", err)
	}
	if n == 0 {
		return errors.New("projection: verification record not found")
	}
	return nil
}

// ListVerificationsByCase returns the case's verification rounds with their
// required roles, oldest first.
func (s *Store) ListVerificationsByCase(ctx context.Context, q database.Querier, tenantID, caseID string) ([]VerificationRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant_id, case_id, required_verifiers, consensus_reached,
			routed_at, verified_at
		FROM verification_records
		WHERE tenant_id = $1 AND case_id = $2 ORDER BY routed_at ASC, id ASC`,
		tenantID, caseID)
	if err != nil {
		return nil, fmt.Errorf("projection: list verifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]VerificationRecord, 0)
	for rows.Next() {
		var v VerificationRecord
		var verifiedAt sql.NullTime
		if err := rows.Scan(&v.ID, &v.TenantID, &v.CaseID, &v.RequiredVerifiers,
			&v.ConsensusReached, &v.RoutedAt, &verifiedAt); err != nil {
			return nil, fmt.Errorf("projection: scan verification: %w", err)
		}
		if verifiedAt.Valid {
			t := verifiedAt.Time
			v.VerifiedAt = &t
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("projection: verification rows: %w", err)
	}

	for i := range out {
		roles, err := s.listRequiredRoles(ctx, q, tenantID, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].RequiredRoles = roles
	}
	return out, nil
}

func (s *Store) listRequiredRoles(ctx context.Context, q database.Querier, tenantID, verificationID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT role FROM verification_required_roles
		WHERE tenant_id = $1 AND verification_id = $2 ORDER BY role ASC`,
		tenantID, verificationID)
	if err != nil {
		return nil, fmt.Errorf("projection: list required roles: %w", err)
	}
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()

	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("projection: scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("projection: rows: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
