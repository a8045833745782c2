package disbursement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/config"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/lifecycle"
	"github.com/ledgerline/casegov/pkg/projection"
)

// Error codes.
const (
	CodeNotFound           = "DISBURSEMENT_NOT_FOUND"
	CodeInvariantViolation = "LIFECYCLE_INVARIANT_VIOLATION"
)

// ReconciliationProof is the authority proof carried by sweep-originated
// commits.
const ReconciliationProof = "RECONCILIATION_JOB"

// Rail executes the actual payout against an external payment system. The
// call happens outside any database transaction; its outcome is recorded
// afterwards.
type Rail interface {
	Pay(ctx context.Context, d *Disbursement) error
}

// NoopRail accepts every payout. Used in lite mode and tests.
type NoopRail struct{}

func (NoopRail) Pay(context.Context, *Disbursement) error { return nil }

// Service runs the two-phase protocol.
type Service struct {
	db         *database.DB
	auth       *ledger.Authority
	projection *projection.Store
	store      *Store
	rail       Rail
	policy     *config.TenantProfile
}

func NewService(db *database.DB, auth *ledger.Authority, proj *projection.Store, rail Rail) *Service {
	if rail == nil {
		rail = NoopRail{}
	}
	return &Service{db: db, auth: auth, projection: proj, store: NewStore(), rail: rail}
}

// UsePolicy applies a tenant profile overlay. Amount caps and currency
// allowlists from the profile become authorization gates.
func (s *Service) UsePolicy(p *config.TenantProfile) {
	s.policy = p
}

// AuthorizeInput describes a payout authorization request.
type AuthorizeInput struct {
	TenantID  string
	CaseID    string
	Type      string
	Amount    int64
	Currency  string
	PayeeKind string
	PayeeID   string
	Actor     authority.Actor
	RequestID string
}

// Authorize gates a payout on the case's verified state: lifecycle VERIFIED,
// execution COMPLETED and exactly one consensus-reached verification round.
// A second authorization for the same case returns the existing record
// instead of failing, making the call idempotent at the protocol level.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (*AuthorizeResult, error) {
	var result *AuthorizeResult
	err := database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		existing, err := s.store.GetByCase(ctx, tx, in.TenantID, in.CaseID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			result = resultForExisting(existing)
			return nil
		}

		c, err := s.projection.GetCase(ctx, tx, in.TenantID, in.CaseID)
		if err != nil {
			return err
		}
		reasons, verificationID, executionID, err := s.checkPreconditions(ctx, tx, in.TenantID, in.CaseID, c)
		if err != nil {
			return err
		}
		reasons = append(reasons, s.checkPolicy(in)...)
		if len(reasons) > 0 {
			result = &AuthorizeResult{Kind: ResultDenied, Reasons: reasons}
			return nil
		}

		d := &Disbursement{
			ID:                   clock.NewID(),
			TenantID:             in.TenantID,
			CaseID:               in.CaseID,
			Type:                 in.Type,
			Status:               StatusAuthorized,
			Amount:               in.Amount,
			Currency:             in.Currency,
			PayeeKind:            in.PayeeKind,
			PayeeID:              in.PayeeID,
			ActorKind:            in.Actor.Kind,
			ActorUserID:          in.Actor.UserID,
			AuthorityProof:       in.Actor.AuthorityProof,
			VerificationRecordID: verificationID,
			ExecutionID:          executionID,
			AuthorizedAt:         time.Now().UTC(),
		}

		data, err := json.Marshal(map[string]any{
			"disbursementId": d.ID,
			"amount":         d.Amount,
			"currency":       d.Currency,
		})
		if err != nil {
			return fmt.Errorf("disbursement: marshal authorization: %w", err)
		}
		_, err = s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
			TenantID:  in.TenantID,
			CaseID:    in.CaseID,
			EventType: ledger.EventDisbursementAuth,
			Actor:     in.Actor,
			Payload:   ledger.NewEnvelope(ledger.DomainDisbursement, string(ledger.EventDisbursementAuth), data),
			RequestID: in.RequestID,
		})
		if err != nil {
			return err
		}
		if err := s.store.Insert(ctx, tx, d); err != nil {
			return err
		}
		result = &AuthorizeResult{Kind: ResultAuthorized, Disbursement: d}
		return nil
	})
	if err != nil {
		// A concurrent Authorize can win the case_id uniqueness race after the
		// pre-check; the winner's row is the idempotent answer.
		if database.IsUniqueViolation(err) {
			winner, gerr := s.store.GetByCase(ctx, s.db, in.TenantID, in.CaseID)
			if gerr == nil && winner != nil {
				result = resultForExisting(winner)
			}
		}
		if result == nil {
			return nil, err
		}
	}
	if result.Kind == ResultAuthorized {
		slog.Info("disbursement authorized",
			"tenant", in.TenantID, "case", in.CaseID, "disbursement", result.Disbursement.ID)
	} else {
		slog.Info("disbursement denied",
			"tenant", in.TenantID, "case", in.CaseID, "reasons", result.Reasons)
	}
	return result, nil
}

// resultForExisting maps an already-present disbursement to the idempotent
// answer: AUTHORIZED rows are returned as-is, anything further along denies.
func resultForExisting(d *Disbursement) *AuthorizeResult {
	if d.Status == StatusAuthorized {
		return &AuthorizeResult{Kind: ResultAuthorized, Disbursement: d}
	}
	return &AuthorizeResult{Kind: ResultDenied, Reasons: []string{
		fmt.Sprintf("disbursement %s already exists with status %s", d.ID, d.Status),
	}}
}

// checkPolicy applies the tenant profile overlay, if one is configured.
func (s *Service) checkPolicy(in AuthorizeInput) []string {
	if s.policy == nil {
		return nil
	}
	var reasons []string
	if max := s.policy.Disbursement.MaxAmount; max > 0 && in.Amount > max {
		reasons = append(reasons,
			fmt.Sprintf("amount %d exceeds the %s profile cap of %d", in.Amount, s.policy.Code, max))
	}
	if !s.policy.CurrencyAllowed(in.Currency) {
		reasons = append(reasons,
			fmt.Sprintf("currency %s is not allowed by the %s profile", in.Currency, s.policy.Code))
	}
	return reasons
}

// checkPreconditions collects every failed gate so a denial explains itself
// fully.
func (s *Service) checkPreconditions(ctx context.Context, tx *sql.Tx, tenantID, caseID string, c *projection.Case) (reasons []string, verificationID, executionID string, err error) {
	if c.Lifecycle != string(lifecycle.StateVerified) {
		reasons = append(reasons,
			fmt.Sprintf("case lifecycle is %s, requires %s", c.Lifecycle, lifecycle.StateVerified))
	}

	exec, err := s.projection.GetExecutionByCase(ctx, tx, tenantID, caseID)
	if err != nil {
		return nil, "", "", err
	}
	switch {
	case exec == nil:
		reasons = append(reasons, "case has no execution record")
	case exec.Status != projection.ExecutionCompleted:
		reasons = append(reasons,
			fmt.Sprintf("execution is %s, requires %s", exec.Status, projection.ExecutionCompleted))
	default:
		executionID = exec.ID
	}

	verifications, err := s.projection.ListVerificationsByCase(ctx, tx, tenantID, caseID)
	if err != nil {
		return nil, "", "", err
	}
	consensus := make([]string, 0, 1)
	for _, v := range verifications {
		if v.ConsensusReached {
			consensus = append(consensus, v.ID)
		}
	}
	if len(consensus) != 1 {
		reasons = append(reasons,
			fmt.Sprintf("case has %d consensus verifications, requires exactly 1", len(consensus)))
	} else {
		verificationID = consensus[0]
	}
	return reasons, verificationID, executionID, nil
}

// Execute runs phase two. The payout must be AUTHORIZED; anything else is a
// protocol violation, not a retryable condition. The rail call happens
// between two transactions so a slow payment system never holds locks.
func (s *Service) Execute(ctx context.Context, tenantID, disbursementID string, actor authority.Actor, requestID string) (*Disbursement, error) {
	var d *Disbursement
	err := database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		got, err := s.store.GetByID(ctx, tx, tenantID, disbursementID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return domain.E(CodeNotFound, "disbursement %s not found", disbursementID)
			}
			return err
		}
		if got.Status != StatusAuthorized {
			return domain.E(CodeInvariantViolation,
				"disbursement %s is %s, execution requires %s", got.ID, got.Status, StatusAuthorized)
		}
		if err := s.store.TransitionStatus(ctx, tx, tenantID, got.ID, StatusAuthorized, StatusExecuting); err != nil {
			return domain.E(CodeInvariantViolation, "disbursement %s claimed concurrently", got.ID)
		}
		got.Status = StatusExecuting
		d = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	payErr := s.rail.Pay(ctx, d)
	now := time.Now().UTC()

	err = database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		if payErr != nil {
			return s.recordFailure(ctx, tx, d, payErr, actor, requestID, now)
		}
		return s.recordCompletion(ctx, tx, d, actor, requestID, now)
	})
	if err != nil {
		return nil, err
	}
	if payErr != nil {
		d.Status = StatusFailed
		d.FailedAt = &now
		d.FailureReason = payErr.Error()
		slog.Warn("disbursement failed",
			"tenant", tenantID, "disbursement", d.ID, "error", payErr)
	} else {
		d.Status = StatusCompleted
		d.ExecutedAt = &now
		slog.Info("disbursement completed", "tenant", tenantID, "disbursement", d.ID)
	}
	return d, nil
}

func (s *Service) recordCompletion(ctx context.Context, tx *sql.Tx, d *Disbursement, actor authority.Actor, requestID string, now time.Time) error {
	data, err := json.Marshal(map[string]any{
		"disbursementId": d.ID,
		"amount":         d.Amount,
		"currency":       d.Currency,
	})
	if err != nil {
		return fmt.Errorf("disbursement: marshal completion: %w", err)
	}
	_, err = s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
		TenantID:  d.TenantID,
		CaseID:    d.CaseID,
		EventType: ledger.EventDisbursementDone,
		Actor:     actor,
		Payload:   ledger.NewEnvelope(ledger.DomainDisbursement, string(ledger.EventDisbursementDone), data),
		RequestID: requestID,
	})
	if err != nil {
		return err
	}
	if err := s.store.MarkCompleted(ctx, tx, d.TenantID, d.ID, now); err != nil {
		return err
	}
	return s.projection.UpdateCaseLifecycle(ctx, tx, d.TenantID, d.CaseID, string(lifecycle.StateDisbursed))
}

func (s *Service) recordFailure(ctx context.Context, tx *sql.Tx, d *Disbursement, payErr error, actor authority.Actor, requestID string, now time.Time) error {
	data, err := json.Marshal(map[string]string{
		"disbursementId": d.ID,
		"reason":         payErr.Error(),
	})
	if err != nil {
		return fmt.Errorf("disbursement: marshal failure: %w", err)
	}
	_, err = s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
		TenantID:  d.TenantID,
		CaseID:    d.CaseID,
		EventType: ledger.EventDisbursementFailed,
		Actor:     actor,
		Payload:   ledger.NewEnvelope(ledger.DomainDisbursement, string(ledger.EventDisbursementFailed), data),
		RequestID: requestID,
	})
	if err != nil {
		return err
	}
	return s.store.MarkFailed(ctx, tx, d.TenantID, d.ID, payErr.Error(), now)
}

// ReconcileStalled flags AUTHORIZED disbursements whose authorization is
// older than maxAge with a DISBURSEMENT_STALLED commit. The flag is
// informational: lifecycle does not move, and each stall is committed at most
// once.
func (s *Service) ReconcileStalled(ctx context.Context, tenantID string, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	stalled, err := s.store.ListStalled(ctx, s.db, tenantID, cutoff)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for i := range stalled {
		d := &stalled[i]
		already, err := s.alreadyFlagged(ctx, tenantID, d.CaseID)
		if err != nil {
			return flagged, err
		}
		if already {
			continue
		}

		data, err := json.Marshal(map[string]string{"disbursementId": d.ID})
		if err != nil {
			return flagged, fmt.Errorf("disbursement: marshal stall: %w", err)
		}
		_, err = s.auth.AppendEntry(ctx, nil, ledger.AppendInput{
			TenantID:  tenantID,
			CaseID:    d.CaseID,
			EventType: ledger.EventDisbursementStalled,
			Actor:     authority.Actor{Kind: authority.ActorSystem, AuthorityProof: ReconciliationProof},
			Payload:   ledger.NewEnvelope(ledger.DomainDisbursement, string(ledger.EventDisbursementStalled), data),
		})
		if err != nil {
			return flagged, err
		}
		flagged++
		slog.Warn("disbursement stalled",
			"tenant", tenantID, "case", d.CaseID, "disbursement", d.ID)
	}
	return flagged, nil
}

func (s *Service) alreadyFlagged(ctx context.Context, tenantID, caseID string) (bool, error) {
	trail, err := s.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
	if err != nil {
		return false, err
	}
	for i := range trail {
		if trail[i].EventType == ledger.EventDisbursementStalled {
			return true, nil
		}
	}
	return false, nil
}
