package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/projection"
)

// CodeIllegalTransition rejects moves the state machine does not permit.
const CodeIllegalTransition = "ILLEGAL_LIFECYCLE_TRANSITION"

// transitionEvents maps each direct transition target to the commit cause
// recorded for it. DISBURSED is deliberately absent: that state is reached
// only through the disbursement protocol.
var transitionEvents = map[State]ledger.EventType{
	StateRouted:    ledger.EventRouted,
	StateExecuting: ledger.EventExecutionStarted,
	StateVerified:  ledger.EventVerified,
	StateClosed:    ledger.EventCaseAccepted,
	StateFlagged:   ledger.EventCaseFlagged,
	StateRejected:  ledger.EventCaseRejected,
	StateArchived:  ledger.EventCaseArchived,
}

// Service commits lifecycle changes. Ledger commit and projection update
// happen in one transaction; the projection is never written without its
// causing commit.
type Service struct {
	db         *database.DB
	auth       *ledger.Authority
	projection *projection.Store
}

func NewService(db *database.DB, auth *ledger.Authority, proj *projection.Store) *Service {
	return &Service{db: db, auth: auth, projection: proj}
}

// CreateInput describes a new case.
type CreateInput struct {
	TenantID      string
	ReferenceCode string
	Actor         authority.Actor
	IntentContext json.RawMessage
	RequestID     string
}

// CreateCase opens a case in INTAKED with its CASE_CREATED commit.
func (s *Service) CreateCase(ctx context.Context, in CreateInput) (*projection.Case, error) {
	now := time.Now().UTC()
	c := &projection.Case{
		ID:            clock.NewID(),
		TenantID:      in.TenantID,
		ReferenceCode: in.ReferenceCode,
		Lifecycle:     string(StateIntaked),
		Status:        projection.CaseStatusActive,
		AuthorUserID:  in.Actor.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	data, _ := json.Marshal(map[string]string{"referenceCode": in.ReferenceCode})
	err := database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		_, err := s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
			TenantID:      in.TenantID,
			CaseID:        c.ID,
			EventType:     ledger.EventCaseCreated,
			Actor:         in.Actor,
			IntentContext: in.IntentContext,
			Payload:       ledger.NewEnvelope(ledger.DomainCaseLifecycle, "CASE_CREATED", data),
			RequestID:     in.RequestID,
		})
		if err != nil {
			return err
		}
		return s.projection.CreateCase(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("case created", "tenant", in.TenantID, "case", c.ID)
	return c, nil
}

// TransitionInput describes a requested lifecycle move.
type TransitionInput struct {
	TenantID      string
	CaseID        string
	Target        State
	Actor         authority.Actor
	IntentContext json.RawMessage
	RequestID     string
}

// Transition validates the move against the state machine, appends the
// transition commit and updates the cached lifecycle, atomically.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (*projection.Case, error) {
	var out *projection.Case
	err := database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		c, err := s.transitionTx(ctx, tx, in)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("lifecycle transition",
		"tenant", in.TenantID, "case", in.CaseID, "to", in.Target)
	return out, nil
}

// transitionTx is the transition body, reusable inside a caller's
// transaction.
func (s *Service) transitionTx(ctx context.Context, tx *sql.Tx, in TransitionInput) (*projection.Case, error) {
	if !Known(in.Target) {
		return nil, domain.E(CodeIllegalTransition, "unknown lifecycle state %q", in.Target)
	}
	eventType, ok := transitionEvents[in.Target]
	if !ok {
		return nil, domain.E(CodeIllegalTransition,
			"state %s cannot be entered by direct transition", in.Target)
	}

	c, err := s.projection.GetCase(ctx, tx, in.TenantID, in.CaseID)
	if err != nil {
		return nil, err
	}
	from := State(c.Lifecycle)
	if !CanTransition(from, in.Target) {
		return nil, domain.E(CodeIllegalTransition,
			"transition %s -> %s is not permitted", from, in.Target)
	}

	data, err := json.Marshal(map[string]string{
		"from": string(from),
		"to":   string(in.Target),
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: marshal transition: %w", err)
	}
	_, err = s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
		TenantID:      in.TenantID,
		CaseID:        in.CaseID,
		EventType:     eventType,
		Actor:         in.Actor,
		IntentContext: in.IntentContext,
		Payload:       ledger.NewEnvelope(ledger.DomainCaseLifecycle, ledger.EventTransition, data),
		RequestID:     in.RequestID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.projection.UpdateCaseLifecycle(ctx, tx, in.TenantID, in.CaseID, string(in.Target)); err != nil {
		return nil, err
	}

	c.Lifecycle = string(in.Target)
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}
