// Package query is the read-only surface over ledger and projections. It
// never writes; drift it observes is reported, and repairing it is the
// reconciler's job.
package query

import (
	"context"

	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/lifecycle"
	"github.com/ledgerline/casegov/pkg/projection"
)

// Service answers read queries.
type Service struct {
	db         *database.DB
	auth       *ledger.Authority
	projection *projection.Store
}

func NewService(db *database.DB, auth *ledger.Authority, proj *projection.Store) *Service {
	return &Service{db: db, auth: auth, projection: proj}
}

// GetCase returns the case projection row.
func (s *Service) GetCase(ctx context.Context, tenantID, caseID string) (*projection.Case, error) {
	return s.projection.GetCase(ctx, s.db, tenantID, caseID)
}

// GetAuthoritativeDecision returns the single live decision of the type, or
// nil when the case has none.
func (s *Service) GetAuthoritativeDecision(ctx context.Context, tenantID, caseID, decisionType string) (*projection.Decision, error) {
	if _, err := s.projection.GetCase(ctx, s.db, tenantID, caseID); err != nil {
		return nil, err
	}
	return s.projection.GetAuthoritativeDecision(ctx, s.db, tenantID, caseID, decisionType)
}

// GetDecisionChain returns every decision of the type oldest first, so the
// supersession history reads top to bottom.
func (s *Service) GetDecisionChain(ctx context.Context, tenantID, caseID, decisionType string) ([]projection.Decision, error) {
	if _, err := s.projection.GetCase(ctx, s.db, tenantID, caseID); err != nil {
		return nil, err
	}
	return s.projection.ListDecisionChain(ctx, s.db, tenantID, caseID, decisionType)
}

// LifecycleExplanation compares the cached lifecycle against a fresh
// derivation from the trail.
type LifecycleExplanation struct {
	CaseID                 string `json:"caseId"`
	StoredLifecycle        string `json:"storedLifecycle"`
	LedgerDerivedLifecycle string `json:"ledgerDerivedLifecycle"`
	Drift                  bool   `json:"drift"`
	TrailLength            int    `json:"trailLength"`
}

// ExplainLifecycle derives the lifecycle from the ledger and reports drift
// against the projection without repairing it.
func (s *Service) ExplainLifecycle(ctx context.Context, tenantID, caseID string) (*LifecycleExplanation, error) {
	c, err := s.projection.GetCase(ctx, s.db, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	trail, err := s.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	derived := string(lifecycle.Derive(trail))
	return &LifecycleExplanation{
		CaseID:                 caseID,
		StoredLifecycle:        c.Lifecycle,
		LedgerDerivedLifecycle: derived,
		Drift:                  derived != c.Lifecycle,
		TrailLength:            len(trail),
	}, nil
}

// GetLedgerTrail returns the case's full commit trail in ledger order.
func (s *Service) GetLedgerTrail(ctx context.Context, tenantID, caseID string) ([]ledger.Commit, error) {
	if _, err := s.projection.GetCase(ctx, s.db, tenantID, caseID); err != nil {
		return nil, err
	}
	return s.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
}

// RoutingCounterfactual contrasts the routing that holds now with the first
// routing ever committed, surfacing what supersession changed.
type RoutingCounterfactual struct {
	CaseID            string          `json:"caseId"`
	Authoritative     *ledger.Commit  `json:"authoritative,omitempty"`
	Original          *ledger.Commit  `json:"original,omitempty"`
	SupersessionChain []ledger.Commit `json:"supersessionChain"`
	SupersessionCount int             `json:"supersessionCount"`
	RoutingUnchanged  bool            `json:"routingUnchanged"`
}

// GetRoutingCounterfactual walks the routing commits of the trail. The
// authoritative routing is the latest non-superseded one; the original is the
// first ever committed.
func (s *Service) GetRoutingCounterfactual(ctx context.Context, tenantID, caseID string) (*RoutingCounterfactual, error) {
	if _, err := s.projection.GetCase(ctx, s.db, tenantID, caseID); err != nil {
		return nil, err
	}
	trail, err := s.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
	if err != nil {
		return nil, err
	}

	chain := make([]ledger.Commit, 0)
	for i := range trail {
		t := trail[i].EventType
		if t == ledger.EventRouted || t == ledger.EventRoutingSuperseded {
			chain = append(chain, trail[i])
		}
	}

	out := &RoutingCounterfactual{CaseID: caseID, SupersessionChain: chain}
	if len(chain) == 0 {
		out.RoutingUnchanged = true
		return out, nil
	}
	out.Original = &chain[0]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].SupersededByID == "" {
			out.Authoritative = &chain[i]
			break
		}
	}
	out.SupersessionCount = len(chain) - 1
	out.RoutingUnchanged = out.Authoritative != nil && out.Original != nil &&
		out.Authoritative.ID == out.Original.ID
	return out, nil
}
