package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/projection"
)

// Execution and verification operations. These pair a lifecycle transition
// (or a non-transitioning commit) with the matching sub-state projection
// write, inside one transaction.

// StartExecution moves the case to EXECUTING and opens its execution record.
func (s *Service) StartExecution(ctx context.Context, tenantID, caseID string, actor authority.Actor, requestID string) (*projection.Execution, error) {
	now := time.Now().UTC()
	exec := &projection.Execution{
		ID:        clock.NewID(),
		TenantID:  tenantID,
		CaseID:    caseID,
		Status:    projection.ExecutionRunning,
		StartedAt: &now,
	}
	err := database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		if _, err := s.transitionTx(ctx, tx, TransitionInput{
			TenantID:  tenantID,
			CaseID:    caseID,
			Target:    StateExecuting,
			Actor:     actor,
			RequestID: requestID,
		}); err != nil {
			return err
		}
		return s.projection.InsertExecution(ctx, tx, exec)
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// CompleteExecution records EXECUTION_COMPLETED and closes the execution
// record. The lifecycle stays EXECUTING until verification concludes.
func (s *Service) CompleteExecution(ctx context.Context, tenantID, caseID string, actor authority.Actor, requestID string) error {
	return database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		c, err := s.projection.GetCase(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		if c.Lifecycle != string(StateExecuting) {
			return domain.E(CodeIllegalTransition,
				"execution completion requires %s, case is %s", StateExecuting, c.Lifecycle)
		}
		exec, err := s.projection.GetExecutionByCase(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		if exec == nil || exec.Status != projection.ExecutionRunning {
			return domain.E(CodeIllegalTransition, "case has no running execution")
		}

		data, err := json.Marshal(map[string]string{"executionId": exec.ID})
		if err != nil {
			return fmt.Errorf("lifecycle: marshal completion: %w", err)
		}
		_, err = s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
			TenantID:  tenantID,
			CaseID:    caseID,
			EventType: ledger.EventExecutionCompleted,
			Actor:     actor,
			Payload:   ledger.NewEnvelope(ledger.DomainExecution, string(ledger.EventExecutionCompleted), data),
			RequestID: requestID,
		})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		return s.projection.SetExecutionStatus(ctx, tx, tenantID, exec.ID,
			projection.ExecutionCompleted, &now)
	})
}

// AbortExecution cancels a running execution and returns the case to ROUTED,
// matching the replay fold.
func (s *Service) AbortExecution(ctx context.Context, tenantID, caseID, reason string, actor authority.Actor, requestID string) error {
	return database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		c, err := s.projection.GetCase(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		if c.Lifecycle != string(StateExecuting) {
			return domain.E(CodeIllegalTransition,
				"execution abort requires %s, case is %s", StateExecuting, c.Lifecycle)
		}
		exec, err := s.projection.GetExecutionByCase(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		if exec == nil || exec.Status != projection.ExecutionRunning {
			return domain.E(CodeIllegalTransition, "case has no running execution")
		}

		data, err := json.Marshal(map[string]string{
			"executionId": exec.ID,
			"reason":      reason,
		})
		if err != nil {
			return fmt.Errorf("lifecycle: marshal abort: %w", err)
		}
		_, err = s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
			TenantID:  tenantID,
			CaseID:    caseID,
			EventType: ledger.EventExecutionAborted,
			Actor:     actor,
			Payload:   ledger.NewEnvelope(ledger.DomainExecution, string(ledger.EventExecutionAborted), data),
			RequestID: requestID,
		})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := s.projection.SetExecutionStatus(ctx, tx, tenantID, exec.ID,
			projection.ExecutionAborted, &now); err != nil {
			return err
		}
		return s.projection.UpdateCaseLifecycle(ctx, tx, tenantID, caseID, string(StateRouted))
	})
}

// StartVerification opens a verification round without moving the lifecycle.
func (s *Service) StartVerification(ctx context.Context, tenantID, caseID string, requiredVerifiers int, requiredRoles []string, actor authority.Actor, requestID string) (*projection.VerificationRecord, error) {
	if requiredVerifiers < 1 {
		requiredVerifiers = 1
	}
	rec := &projection.VerificationRecord{
		ID:                clock.NewID(),
		TenantID:          tenantID,
		CaseID:            caseID,
		RequiredVerifiers: requiredVerifiers,
		RoutedAt:          time.Now().UTC(),
		RequiredRoles:     requiredRoles,
	}
	err := database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		c, err := s.projection.GetCase(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		if c.Lifecycle != string(StateExecuting) {
			return domain.E(CodeIllegalTransition,
				"verification requires %s, case is %s", StateExecuting, c.Lifecycle)
		}

		data, err := json.Marshal(map[string]any{
			"verificationId":    rec.ID,
			"requiredVerifiers": requiredVerifiers,
		})
		if err != nil {
			return fmt.Errorf("lifecycle: marshal verification: %w", err)
		}
		_, err = s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
			TenantID:  tenantID,
			CaseID:    caseID,
			EventType: ledger.EventVerificationStarted,
			Actor:     actor,
			Payload:   ledger.NewEnvelope(ledger.DomainVerification, string(ledger.EventVerificationStarted), data),
			RequestID: requestID,
		})
		if err != nil {
			return err
		}
		return s.projection.InsertVerification(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordConsensus closes the verification round and, when consensus was
// reached, moves the case to VERIFIED in the same transaction.
func (s *Service) RecordConsensus(ctx context.Context, tenantID, caseID, verificationID string, reached bool, actor authority.Actor, requestID string) error {
	return database.WithTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if err := s.projection.SetConsensus(ctx, tx, tenantID, verificationID, reached, now); err != nil {
			return err
		}
		if !reached {
			data, err := json.Marshal(map[string]string{"verificationId": verificationID})
			if err != nil {
				return fmt.Errorf("lifecycle: marshal timeout: %w", err)
			}
			_, err = s.auth.AppendEntry(ctx, tx, ledger.AppendInput{
				TenantID:  tenantID,
				CaseID:    caseID,
				EventType: ledger.EventVerificationTimedOut,
				Actor:     actor,
				Payload:   ledger.NewEnvelope(ledger.DomainVerification, string(ledger.EventVerificationTimedOut), data),
				RequestID: requestID,
			})
			return err
		}

		_, err := s.transitionTx(ctx, tx, TransitionInput{
			TenantID:  tenantID,
			CaseID:    caseID,
			Target:    StateVerified,
			Actor:     actor,
			RequestID: requestID,
		})
		return err
	})
}
