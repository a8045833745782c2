package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/canonical"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/keystore"
	"github.com/ledgerline/casegov/pkg/observability"
)

// Supersession and validation error codes.
const (
	CodeInvalidCommitInput   = "INVALID_COMMIT_INPUT"
	CodeSupersededNotFound   = "SUPERSEDED_COMMIT_NOT_FOUND"
	CodeCrossTenantForbidden = "CROSS_TENANT_SUPERSESSION_FORBIDDEN"
	CodeAlreadySuperseded    = "COMMIT_ALREADY_SUPERSEDED"
	CodeLedgerWritesDisabled = "LEDGER_WRITES_DISABLED"
)

// Authority is the single process-wide ledger writer, composed at startup and
// passed explicitly into every component that commits. It validates,
// sequences, hashes, signs and persists commits, and serves trail reads.
type Authority struct {
	db    *database.DB
	seq   *clock.Sequencer
	keys  *keystore.KeyStore
	store *Store

	// Flipped on hash/signature machinery failure. Once set, the process
	// refuses writes until restart with valid keys.
	corrupted atomic.Bool
}

func NewAuthority(db *database.DB, seq *clock.Sequencer, keys *keystore.KeyStore) *Authority {
	return &Authority{db: db, seq: seq, keys: keys, store: NewStore()}
}

// PublicKey exposes the hex verification key.
func (a *Authority) PublicKey() string {
	return a.keys.PublicKey()
}

// AppendEntry validates, sequences, seals and persists one commit. When tx is
// non-nil the append joins the caller's transaction so projection updates and
// the commit succeed or fail together.
func (a *Authority) AppendEntry(ctx context.Context, tx *sql.Tx, in AppendInput) (*Commit, error) {
	if a.corrupted.Load() {
		return nil, domain.E(CodeLedgerWritesDisabled,
			"signature machinery failed earlier; restart with valid keys")
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	var out *Commit
	err := database.WithTx(ctx, a.db, tx, func(tx *sql.Tx) error {
		c, err := a.appendInTx(ctx, tx, in)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.LedgerCommits.Add(ctx, 1)
	return out, nil
}

func (a *Authority) appendInTx(ctx context.Context, tx *sql.Tx, in AppendInput) (*Commit, error) {
	var target *Commit
	if in.SupersedesCommitID != "" {
		t, err := a.checkSupersession(ctx, tx, in)
		if err != nil {
			return nil, err
		}
		target = t
	}

	ts, err := a.seq.NextTS(ctx, tx)
	if err != nil {
		return nil, err
	}

	c := &Commit{
		ID:                 clock.NewID(),
		TenantID:           in.TenantID,
		CaseID:             in.CaseID,
		EventType:          in.EventType,
		TS:                 ts,
		ActorKind:          in.Actor.Kind,
		ActorUserID:        in.Actor.UserID,
		AuthorityProof:     in.Actor.AuthorityProof,
		IntentContext:      in.IntentContext,
		Payload:            in.Payload,
		SupersedesCommitID: in.SupersedesCommitID,
		RequestID:          in.RequestID,
		CreatedAt:          time.Now().UTC(),
	}

	if err := a.seal(c); err != nil {
		// Hash/signature failure is fatal: refuse further writes.
		a.corrupted.Store(true)
		slog.Error("ledger sealing failed, writes disabled", "error", err)
		return nil, fmt.Errorf("ledger: seal: %w", err)
	}

	if err := a.store.Insert(ctx, tx, c); err != nil {
		return nil, err
	}
	if target != nil {
		if err := a.store.MarkSuperseded(ctx, tx, target.ID, c.ID); err != nil {
			return nil, domain.E(CodeAlreadySuperseded,
				"commit %s was superseded concurrently", target.ID)
		}
	}
	return c, nil
}

func (a *Authority) checkSupersession(ctx context.Context, tx *sql.Tx, in AppendInput) (*Commit, error) {
	target, err := a.store.GetByID(ctx, tx, in.SupersedesCommitID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, domain.E(CodeSupersededNotFound,
				"commit %s does not exist", in.SupersedesCommitID)
		}
		return nil, err
	}
	if target.TenantID != in.TenantID {
		return nil, domain.E(CodeCrossTenantForbidden,
			"commit %s belongs to another tenant", target.ID)
	}
	if target.SupersededByID != "" {
		return nil, domain.E(CodeAlreadySuperseded,
			"commit %s is already superseded by %s", target.ID, target.SupersededByID)
	}
	if err := authority.ValidateSupersession(in.Actor, target.Actor(), in.Escalated); err != nil {
		return nil, err
	}
	return target, nil
}

// hashRecord is the authoritative field set under the commitment hash.
// Optional fields serialize as null so absence is part of the commitment.
type hashRecord struct {
	TenantID           string          `json:"tenantId"`
	CaseID             *string         `json:"caseId"`
	EventType          EventType       `json:"eventType"`
	TS                 int64           `json:"ts"`
	ActorKind          string          `json:"actorKind"`
	ActorUserID        *string         `json:"actorUserId"`
	AuthorityProof     string          `json:"authorityProof"`
	IntentContext      json.RawMessage `json:"intentContext"`
	SupersedesCommitID *string         `json:"supersedesCommitId"`
	Payload            Envelope        `json:"payload"`
}

func (a *Authority) seal(c *Commit) error {
	rec := hashRecord{
		TenantID:           c.TenantID,
		CaseID:             optional(c.CaseID),
		EventType:          c.EventType,
		TS:                 c.TS,
		ActorKind:          string(c.ActorKind),
		ActorUserID:        optional(c.ActorUserID),
		AuthorityProof:     c.AuthorityProof,
		IntentContext:      c.IntentContext,
		SupersedesCommitID: optional(c.SupersedesCommitID),
		Payload:            c.Payload,
	}
	hash, err := canonical.Hash(rec)
	if err != nil {
		return err
	}
	c.CommitmentHash = hash
	c.Signature = a.keys.Sign([]byte(hash))
	return nil
}

// VerifyCommit recomputes the commitment hash and checks the signature.
func (a *Authority) VerifyCommit(c *Commit) error {
	rec := hashRecord{
		TenantID:           c.TenantID,
		CaseID:             optional(c.CaseID),
		EventType:          c.EventType,
		TS:                 c.TS,
		ActorKind:          string(c.ActorKind),
		ActorUserID:        optional(c.ActorUserID),
		AuthorityProof:     c.AuthorityProof,
		IntentContext:      c.IntentContext,
		SupersedesCommitID: optional(c.SupersedesCommitID),
		Payload:            c.Payload,
	}
	hash, err := canonical.Hash(rec)
	if err != nil {
		return fmt.Errorf("ledger: rehash %s: %w", c.ID, err)
	}
	if hash != c.CommitmentHash {
		return fmt.Errorf("ledger: hash mismatch on commit %s", c.ID)
	}
	if !a.keys.Verify([]byte(hash), c.Signature) {
		return fmt.Errorf("ledger: signature invalid on commit %s", c.ID)
	}
	return nil
}

// GetAuditTrail returns the case's commits in ascending ts order. A nil
// Querier reads from the pool; callers holding a transaction pass it so the
// read does not contend for a second connection.
func (a *Authority) GetAuditTrail(ctx context.Context, q database.Querier, tenantID, caseID string) ([]Commit, error) {
	if q == nil {
		q = a.db
	}
	return a.store.ListByCase(ctx, q, tenantID, caseID)
}

// ListByTenant returns every commit in the tenant across all of its cases in
// ascending ts order. This is the tenant-wide read behind evidence export and
// offline chain verification; per-case reads go through GetAuditTrail.
func (a *Authority) ListByTenant(ctx context.Context, tenantID string) ([]Commit, error) {
	return a.store.ListByTenant(ctx, a.db, tenantID)
}

// GetStatus summarizes the ledger and verifies the full trail. A verification
// failure downgrades health to CORRUPTED but does not panic.
func (a *Authority) GetStatus(ctx context.Context) (*Status, error) {
	count, head, err := a.store.Head(ctx, a.db)
	if err != nil {
		return nil, err
	}
	st := &Status{
		TotalCommits: count,
		HeadTS:       head,
		PublicKey:    a.keys.PublicKey(),
		ChainValid:   true,
	}

	commits, err := a.store.ListAll(ctx, a.db)
	if err != nil {
		return nil, err
	}
	var prev int64
	for i := range commits {
		c := &commits[i]
		if c.TS <= prev {
			st.ChainValid = false
			st.ChainError = fmt.Sprintf("ts not strictly increasing at commit %s", c.ID)
			break
		}
		prev = c.TS
		if err := a.VerifyCommit(c); err != nil {
			st.ChainValid = false
			st.ChainError = err.Error()
			break
		}
	}
	return st, nil
}

func validateInput(in AppendInput) error {
	if !clock.ValidUUID(in.TenantID) {
		return domain.E(CodeInvalidCommitInput, "tenantId must be a canonical UUID")
	}
	if in.CaseID != "" && !clock.ValidUUID(in.CaseID) {
		return domain.E(CodeInvalidCommitInput, "caseId must be a canonical UUID")
	}
	if !Known(in.EventType) {
		return domain.E(CodeInvalidCommitInput, "unknown event type %q", in.EventType)
	}
	if in.Actor.AuthorityProof == "" {
		return domain.E(CodeInvalidCommitInput, "authorityProof is required")
	}
	switch in.Actor.Kind {
	case authority.ActorHuman:
		if !clock.ValidUUID(in.Actor.UserID) {
			return domain.E(CodeInvalidCommitInput, "HUMAN actor requires a valid actorUserId")
		}
	case authority.ActorSystem:
		if in.Actor.UserID != "" {
			return domain.E(CodeInvalidCommitInput, "SYSTEM actor must not carry actorUserId")
		}
	default:
		return domain.E(CodeInvalidCommitInput, "actorKind must be HUMAN or SYSTEM")
	}
	if in.SupersedesCommitID != "" && !clock.ValidUUID(in.SupersedesCommitID) {
		return domain.E(CodeInvalidCommitInput, "supersedesCommitId must be a canonical UUID")
	}
	if !IsV1(in.Payload) {
		return domain.E(CodeInvalidCommitInput, "payload must be a v1 authority envelope")
	}
	if err := validatePayload(in.Payload); err != nil {
		return domain.E(CodeInvalidCommitInput, "%v", err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
