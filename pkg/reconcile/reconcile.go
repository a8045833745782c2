// Package reconcile detects and repairs drift between the ledger and the
// lifecycle projection. Repair is itself a ledger commit; the projection is
// corrected only as that commit's effect, never directly.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/disbursement"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/lifecycle"
	"github.com/ledgerline/casegov/pkg/observability"
	"github.com/ledgerline/casegov/pkg/projection"
)

// Service repairs a single case's lifecycle drift.
type Service struct {
	db         *database.DB
	auth       *ledger.Authority
	projection *projection.Store
}

func NewService(db *database.DB, auth *ledger.Authority, proj *projection.Store) *Service {
	return &Service{db: db, auth: auth, projection: proj}
}

// ReconcileCase re-derives the case's lifecycle from its trail and, on
// drift, commits LIFECYCLE_REPAIRED and corrects the projection in the same
// transaction. Returns whether a repair was made.
func (s *Service) ReconcileCase(ctx context.Context, tenantID, caseID string) (bool, error) {
	repaired := false
	err := database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		c, err := s.projection.GetCase(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		trail, err := s.auth.GetAuditTrail(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		derived := lifecycle.Derive(trail)
		if string(derived) == c.Lifecycle {
			return nil
		}

		data, err := json.Marshal(map[string]string{
			"from": c.Lifecycle,
			"to":   string(derived),
		})
		if err != nil {
			return fmt.Errorf("reconcile: marshal repair: %w", err)
		}
		_, err = s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
			TenantID:  tenantID,
			CaseID:    caseID,
			EventType: ledger.EventLifecycleRepaired,
			Actor: authority.Actor{
				Kind:           authority.ActorSystem,
				AuthorityProof: disbursement.ReconciliationProof,
			},
			Payload: ledger.NewEnvelope(ledger.DomainReconcile, ledger.EventRepair, data),
		})
		if err != nil {
			return err
		}
		if err := s.projection.UpdateCaseLifecycle(ctx, tx, tenantID, caseID, string(derived)); err != nil {
			return err
		}
		repaired = true
		slog.Warn("lifecycle drift repaired",
			"tenant", tenantID, "case", caseID,
			"stored", c.Lifecycle, "derived", derived)
		return nil
	})
	if err != nil {
		return false, err
	}
	if repaired {
		observability.ReconcileRepairs.Add(ctx, 1)
	}
	return repaired, nil
}

// TenantJob sweeps one tenant: every case sequentially, then the stalled
// disbursement scan. A failing case is logged and skipped so one bad trail
// cannot block the rest of the tenant.
type TenantJob struct {
	db            *database.DB
	service       *Service
	projection    *projection.Store
	disbursements *disbursement.Service
}

func NewTenantJob(db *database.DB, svc *Service, proj *projection.Store, disb *disbursement.Service) *TenantJob {
	return &TenantJob{db: db, service: svc, projection: proj, disbursements: disb}
}

// Run reconciles the tenant and returns the number of repairs made.
func (j *TenantJob) Run(ctx context.Context, tenantID string, cfg SweepConfig) (int, error) {
	caseIDs, err := j.projection.ListCaseIDs(ctx, j.db, tenantID)
	if err != nil {
		return 0, err
	}

	repairs := 0
	for _, caseID := range caseIDs {
		if err := ctx.Err(); err != nil {
			return repairs, err
		}
		repaired, err := j.service.ReconcileCase(ctx, tenantID, caseID)
		if err != nil {
			slog.Error("reconcile case failed",
				"tenant", tenantID, "case", caseID, "error", err)
			continue
		}
		if repaired {
			repairs++
		}
	}

	flagged, err := j.disbursements.ReconcileStalled(ctx, tenantID, cfg.DisbursementTimeout)
	if err != nil {
		slog.Error("stalled disbursement scan failed", "tenant", tenantID, "error", err)
	} else if flagged > 0 {
		slog.Warn("stalled disbursements flagged", "tenant", tenantID, "count", flagged)
	}
	return repairs, nil
}
