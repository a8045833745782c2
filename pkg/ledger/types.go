// Package ledger implements the Ledger Authority: the append-only, globally
// ordered, signed commit log that is the sole cause of all case state. Every
// other persistent structure in the system is a projection of this log.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
)

// EventType enumerates every commit cause the ledger accepts. The set is
// closed; additions are backward-compatible because replay ignores unknown
// types.
type EventType string

const (
	EventCaseCreated          EventType = "CASE_CREATED"
	EventCaseUpdated          EventType = "CASE_UPDATED"
	EventCaseFlagged          EventType = "CASE_FLAGGED"
	EventCaseRejected         EventType = "CASE_REJECTED"
	EventCaseArchived         EventType = "CASE_ARCHIVED"
	EventRouted               EventType = "ROUTED"
	EventRoutingSuperseded    EventType = "ROUTING_SUPERSEDED"
	EventExecutionStarted     EventType = "EXECUTION_STARTED"
	EventExecutionCompleted   EventType = "EXECUTION_COMPLETED"
	EventExecutionAborted     EventType = "EXECUTION_ABORTED"
	EventVerificationStarted  EventType = "VERIFICATION_STARTED"
	EventVerificationSubmit   EventType = "VERIFICATION_SUBMITTED"
	EventVerified             EventType = "VERIFIED"
	EventVerificationTimedOut EventType = "VERIFICATION_TIMED_OUT"
	EventAppealOpened         EventType = "APPEAL_OPENED"
	EventAppealResolved       EventType = "APPEAL_RESOLVED"
	EventDisbursementAuth     EventType = "DISBURSEMENT_AUTHORIZED"
	EventDisbursementDone     EventType = "DISBURSEMENT_COMPLETED"
	EventDisbursementFailed   EventType = "DISBURSEMENT_FAILED"
	EventDisbursementStalled  EventType = "DISBURSEMENT_STALLED"
	EventLifecycleRepaired    EventType = "LIFECYCLE_REPAIRED"
	EventCaseAccepted         EventType = "CASE_ACCEPTED"
	EventCaseEscalated        EventType = "CASE_ESCALATED"
	EventGrantCreated         EventType = "GRANT_CREATED"
	EventGrantPolicyApplied   EventType = "GRANT_POLICY_APPLIED"
	EventBudgetAllocated      EventType = "BUDGET_ALLOCATED"
	EventTrancheReleased      EventType = "TRANCHE_RELEASED"
	EventBudgetSuperseded     EventType = "BUDGET_SUPERSEDED"
	EventTrancheReversed      EventType = "TRANCHE_REVERSED"
)

var knownEventTypes = map[EventType]struct{}{
	EventCaseCreated: {}, EventCaseUpdated: {}, EventCaseFlagged: {},
	EventCaseRejected: {}, EventCaseArchived: {}, EventRouted: {},
	EventRoutingSuperseded: {}, EventExecutionStarted: {},
	EventExecutionCompleted: {}, EventExecutionAborted: {},
	EventVerificationStarted: {}, EventVerificationSubmit: {},
	EventVerified: {}, EventVerificationTimedOut: {}, EventAppealOpened: {},
	EventAppealResolved: {}, EventDisbursementAuth: {},
	EventDisbursementDone: {}, EventDisbursementFailed: {},
	EventDisbursementStalled: {}, EventLifecycleRepaired: {},
	EventCaseAccepted: {}, EventCaseEscalated: {}, EventGrantCreated: {},
	EventGrantPolicyApplied: {}, EventBudgetAllocated: {},
	EventTrancheReleased: {}, EventBudgetSuperseded: {}, EventTrancheReversed: {},
}

// Known reports whether t is a member of the closed event-type set.
func Known(t EventType) bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Commit is one immutable ledger row. Once written the only permitted change
// is the write-once superseded_by_id back-pointer.
type Commit struct {
	ID                 string
	TenantID           string
	CaseID             string // empty for tenant-scoped commits
	EventType          EventType
	TS                 int64 // logical clock, not wall time
	ActorKind          authority.ActorKind
	ActorUserID        string
	AuthorityProof     string
	IntentContext      json.RawMessage
	Payload            Envelope
	SupersedesCommitID string
	SupersededByID     string
	CommitmentHash     string
	Signature          string
	RequestID          string
	CreatedAt          time.Time
}

// Actor returns the commit's actor in authority-policy form.
func (c *Commit) Actor() authority.Actor {
	return authority.Actor{
		Kind:           c.ActorKind,
		UserID:         c.ActorUserID,
		AuthorityProof: c.AuthorityProof,
	}
}

// AppendInput is the caller-supplied portion of a commit. TS, hash, signature
// and id are assigned by the authority.
type AppendInput struct {
	TenantID           string
	CaseID             string
	EventType          EventType
	Actor              authority.Actor
	IntentContext      json.RawMessage
	Payload            Envelope
	SupersedesCommitID string
	// Escalated marks an explicit escalation, the only path through
	// equal-authority supersession.
	Escalated bool
	RequestID string
}

// Status is the ledger health summary served by GetStatus.
type Status struct {
	TotalCommits int64  `json:"totalCommits"`
	HeadTS       int64  `json:"headTs"`
	PublicKey    string `json:"publicKey"`
	ChainValid   bool   `json:"chainValid"`
	ChainError   string `json:"chainError,omitempty"`
}
