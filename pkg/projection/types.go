// Package projection persists the materialized views derived from the ledger:
// case lifecycle, decisions, execution sub-state and verification records.
// Nothing here is authoritative; every row must be rebuildable from the
// ledger plus static configuration, and drift against the ledger is a
// reportable condition, never a tolerated one.
package projection

import (
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
)

// Case is the lifecycle projection row. Lifecycle caches the ledger-derived
// state.
type Case struct {
	ID            string
	TenantID      string
	ReferenceCode string
	Lifecycle     string
	Status        string
	AuthorUserID  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Case statuses (operational, orthogonal to lifecycle).
const (
	CaseStatusActive   = "ACTIVE"
	CaseStatusInactive = "INACTIVE"
)

// Decision is a recorded adjudication. At most one non-superseded decision
// exists per (caseId, decisionType) at a time.
type Decision struct {
	ID                   string
	TenantID             string
	CaseID               string
	DecisionType         string
	ActorKind            authority.ActorKind
	ActorUserID          string
	DecidedAt            time.Time
	Reason               string
	IntentContext        string
	SupersededAt         *time.Time
	SupersedesDecisionID string
}

// Execution is the execution sub-state projection.
type Execution struct {
	ID          string
	TenantID    string
	CaseID      string
	Status      string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Execution statuses.
const (
	ExecutionPending   = "PENDING"
	ExecutionRunning   = "RUNNING"
	ExecutionCompleted = "COMPLETED"
	ExecutionAborted   = "ABORTED"
)

// ExecutionMilestone is a named checkpoint within an execution.
type ExecutionMilestone struct {
	ID          string
	TenantID    string
	ExecutionID string
	Title       string
	Completed   bool
	Ordinal     int
}

// VerificationRecord tracks a verification round for a case. Required roles
// are children inheriting the tenant through the parent.
type VerificationRecord struct {
	ID                string
	TenantID          string
	CaseID            string
	RequiredVerifiers int
	ConsensusReached  bool
	RoutedAt          time.Time
	VerifiedAt        *time.Time
	RequiredRoles     []string
}
