// Package disbursement implements the two-phase payout protocol: an
// authorization gated on verified case state, then an execution tracked
// through the ledger. A case carries at most one disbursement.
package disbursement

import (
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
)

// Disbursement statuses. AUTHORIZED -> EXECUTING -> COMPLETED | FAILED.
const (
	StatusAuthorized = "AUTHORIZED"
	StatusExecuting  = "EXECUTING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Disbursement types.
const (
	TypePayout       = "PAYOUT"
	TypeReimburse    = "REIMBURSEMENT"
	TypeGrantTranche = "GRANT_TRANCHE"
)

// Payee kinds.
const (
	PayeeUser     = "USER"
	PayeeExternal = "EXTERNAL"
)

// Disbursement is the payout record for a case.
type Disbursement struct {
	ID                   string
	TenantID             string
	CaseID               string
	Type                 string
	Status               string
	Amount               int64 // minor units
	Currency             string
	PayeeKind            string
	PayeeID              string
	ActorKind            authority.ActorKind
	ActorUserID          string
	AuthorityProof       string
	VerificationRecordID string
	ExecutionID          string
	AuthorizedAt         time.Time
	ExecutedAt           *time.Time
	FailedAt             *time.Time
	FailureReason        string
}

// AuthorizeResult is the outcome of an authorization attempt. Kind is
// AUTHORIZED or DENIED; a denial lists every failed precondition rather than
// only the first.
type AuthorizeResult struct {
	Kind         string        `json:"kind"`
	Disbursement *Disbursement `json:"disbursement,omitempty"`
	Reasons      []string      `json:"reasons,omitempty"`
}

// AuthorizeResult kinds.
const (
	ResultAuthorized = "AUTHORIZED"
	ResultDenied     = "DENIED"
)
