// Package decision records adjudications and their supersession chains. A
// decision's id is the id of its ledger commit, so superseding a decision is
// exactly a ledger supersession, with the authority policy enforced there.
package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/projection"
)

// Decision types.
const (
	TypeRouting      = "ROUTING"
	TypeVerification = "VERIFICATION"
	TypeAppeal       = "APPEAL"
)

// CodeInvalidDecision rejects malformed decision input.
const CodeInvalidDecision = "INVALID_DECISION_INPUT"

// decisionEvents maps (type, superseding) to the commit cause.
func decisionEvent(decisionType string, superseding bool) (ledger.EventType, string, error) {
	switch decisionType {
	case TypeRouting:
		if superseding {
			return ledger.EventRoutingSuperseded, ledger.DomainRouting, nil
		}
		return ledger.EventRouted, ledger.DomainRouting, nil
	case TypeVerification:
		return ledger.EventVerificationSubmit, ledger.DomainVerification, nil
	case TypeAppeal:
		return ledger.EventAppealResolved, ledger.DomainCaseLifecycle, nil
	default:
		return "", "", domain.E(CodeInvalidDecision, "unknown decision type %q", decisionType)
	}
}

// Service records decisions through the ledger.
type Service struct {
	db         *database.DB
	auth       *ledger.Authority
	projection *projection.Store
}

func NewService(db *database.DB, auth *ledger.Authority, proj *projection.Store) *Service {
	return &Service{db: db, auth: auth, projection: proj}
}

// RecordInput describes a decision to record.
type RecordInput struct {
	TenantID             string
	CaseID               string
	DecisionType         string
	Reason               string
	Actor                authority.Actor
	IntentContext        json.RawMessage
	SupersedesDecisionID string
	Escalated            bool
	RequestID            string
}

// Record commits the decision and mirrors it into the projection. When
// superseding, the old decision's commit is superseded under the authority
// policy and its row is stamped, all in one transaction.
func (s *Service) Record(ctx context.Context, in RecordInput) (*projection.Decision, error) {
	if in.Reason == "" {
		return nil, domain.E(CodeInvalidDecision, "reason is required")
	}
	eventType, envDomain, err := decisionEvent(in.DecisionType, in.SupersedesDecisionID != "")
	if err != nil {
		return nil, err
	}

	var out *projection.Decision
	err = database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		if _, err := s.projection.GetCase(ctx, tx, in.TenantID, in.CaseID); err != nil {
			return err
		}

		data, err := json.Marshal(map[string]string{
			"decisionType": in.DecisionType,
			"reason":       in.Reason,
		})
		if err != nil {
			return fmt.Errorf("decision: marshal payload: %w", err)
		}
		commit, err := s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
			TenantID:           in.TenantID,
			CaseID:             in.CaseID,
			EventType:          eventType,
			Actor:              in.Actor,
			IntentContext:      in.IntentContext,
			Payload:            ledger.NewEnvelope(envDomain, string(eventType), data),
			SupersedesCommitID: in.SupersedesDecisionID,
			Escalated:          in.Escalated,
			RequestID:          in.RequestID,
		})
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if in.SupersedesDecisionID != "" {
			if err := s.projection.MarkDecisionSuperseded(ctx, tx, in.TenantID, in.SupersedesDecisionID, now); err != nil {
				return err
			}
		}

		d := &projection.Decision{
			ID:                   commit.ID,
			TenantID:             in.TenantID,
			CaseID:               in.CaseID,
			DecisionType:         in.DecisionType,
			ActorKind:            in.Actor.Kind,
			ActorUserID:          in.Actor.UserID,
			DecidedAt:            now,
			Reason:               in.Reason,
			IntentContext:        string(in.IntentContext),
			SupersedesDecisionID: in.SupersedesDecisionID,
		}
		if err := s.projection.InsertDecision(ctx, tx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("decision recorded",
		"tenant", in.TenantID, "case", in.CaseID,
		"type", in.DecisionType, "decision", out.ID,
		"superseded", in.SupersedesDecisionID != "")
	return out, nil
}
