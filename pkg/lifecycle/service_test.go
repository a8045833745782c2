package lifecycle_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/keystore"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/lifecycle"
	"github.com/ledgerline/casegov/pkg/projection"
)

type fixture struct {
	db   *database.DB
	auth *ledger.Authority
	proj *projection.Store
	svc  *lifecycle.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, "", filepath.Join(t.TempDir(), "casegov.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Init(ctx))

	keys, err := keystore.LoadOrGenerate(filepath.Join(t.TempDir(), "ledger.key"))
	require.NoError(t, err)

	auth := ledger.NewAuthority(db, clock.NewSequencer(db.Dialect), keys)
	proj := projection.NewStore()
	return &fixture{db: db, auth: auth, proj: proj, svc: lifecycle.NewService(db, auth, proj)}
}

func human() authority.Actor {
	return authority.Actor{
		Kind:           authority.ActorHuman,
		UserID:         clock.NewID(),
		AuthorityProof: "ROLE:caseworker",
	}
}

func (f *fixture) createCase(t *testing.T, tenantID string) *projection.Case {
	t.Helper()
	c, err := f.svc.CreateCase(context.Background(), lifecycle.CreateInput{
		TenantID:      tenantID,
		ReferenceCode: "REF-001",
		Actor:         human(),
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) mustTransition(t *testing.T, tenantID, caseID string, target lifecycle.State) {
	t.Helper()
	_, err := f.svc.Transition(context.Background(), lifecycle.TransitionInput{
		TenantID: tenantID,
		CaseID:   caseID,
		Target:   target,
		Actor:    human(),
	})
	require.NoError(t, err)
}

func TestCreateCase_StartsIntaked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()

	c := f.createCase(t, tenantID)
	assert.Equal(t, string(lifecycle.StateIntaked), c.Lifecycle)
	assert.Equal(t, projection.CaseStatusActive, c.Status)

	stored, err := f.proj.GetCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateIntaked), stored.Lifecycle)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, c.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, ledger.EventCaseCreated, trail[0].EventType)
}

func TestTransition_AllowedPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)

	f.mustTransition(t, tenantID, c.ID, lifecycle.StateRouted)

	stored, err := f.proj.GetCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateRouted), stored.Lifecycle)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, c.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, ledger.EventRouted, trail[1].EventType)
}

func TestTransition_IllegalMoveRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)

	_, err := f.svc.Transition(ctx, lifecycle.TransitionInput{
		TenantID: tenantID, CaseID: c.ID,
		Target: lifecycle.StateVerified, Actor: human(),
	})
	assert.Equal(t, lifecycle.CodeIllegalTransition, domain.Code(err))

	// Projection unchanged, no commit recorded.
	stored, err := f.proj.GetCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateIntaked), stored.Lifecycle)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, c.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestTransition_DisbursedNotDirectlyReachable(t *testing.T) {
	f := newFixture(t)
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)

	_, err := f.svc.Transition(context.Background(), lifecycle.TransitionInput{
		TenantID: tenantID, CaseID: c.ID,
		Target: lifecycle.StateDisbursed, Actor: human(),
	})
	assert.Equal(t, lifecycle.CodeIllegalTransition, domain.Code(err))
}

func TestTransition_UnknownStateRejected(t *testing.T) {
	f := newFixture(t)
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)

	_, err := f.svc.Transition(context.Background(), lifecycle.TransitionInput{
		TenantID: tenantID, CaseID: c.ID,
		Target: lifecycle.State("LIMBO"), Actor: human(),
	})
	assert.Equal(t, lifecycle.CodeIllegalTransition, domain.Code(err))
}

func TestTransition_MissingCase(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Transition(context.Background(), lifecycle.TransitionInput{
		TenantID: clock.NewID(), CaseID: clock.NewID(),
		Target: lifecycle.StateRouted, Actor: human(),
	})
	assert.Equal(t, projection.CodeCaseNotFound, domain.Code(err))
}

func TestTransition_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	tenantA, tenantB := clock.NewID(), clock.NewID()
	c := f.createCase(t, tenantA)

	_, err := f.svc.Transition(context.Background(), lifecycle.TransitionInput{
		TenantID: tenantB, CaseID: c.ID,
		Target: lifecycle.StateRouted, Actor: human(),
	})
	assert.Equal(t, projection.CodeCaseNotFound, domain.Code(err))
}

func TestStartExecution_MovesToExecuting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)
	f.mustTransition(t, tenantID, c.ID, lifecycle.StateRouted)

	exec, err := f.svc.StartExecution(ctx, tenantID, c.ID, human(), "")
	require.NoError(t, err)
	assert.Equal(t, projection.ExecutionRunning, exec.Status)

	stored, err := f.proj.GetCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateExecuting), stored.Lifecycle)
}

func TestCompleteExecution_KeepsLifecycleExecuting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)
	f.mustTransition(t, tenantID, c.ID, lifecycle.StateRouted)
	_, err := f.svc.StartExecution(ctx, tenantID, c.ID, human(), "")
	require.NoError(t, err)

	require.NoError(t, f.svc.CompleteExecution(ctx, tenantID, c.ID, human(), ""))

	stored, err := f.proj.GetCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateExecuting), stored.Lifecycle)

	exec, err := f.proj.GetExecutionByCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, projection.ExecutionCompleted, exec.Status)

	// Completing twice needs a running execution.
	err = f.svc.CompleteExecution(ctx, tenantID, c.ID, human(), "")
	assert.Equal(t, lifecycle.CodeIllegalTransition, domain.Code(err))
}

func TestAbortExecution_ReturnsToRouted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)
	f.mustTransition(t, tenantID, c.ID, lifecycle.StateRouted)
	_, err := f.svc.StartExecution(ctx, tenantID, c.ID, human(), "")
	require.NoError(t, err)

	require.NoError(t, f.svc.AbortExecution(ctx, tenantID, c.ID, "vendor failed", human(), ""))

	stored, err := f.proj.GetCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateRouted), stored.Lifecycle)

	exec, err := f.proj.GetExecutionByCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, projection.ExecutionAborted, exec.Status)
}

func TestVerificationFlow_ConsensusMovesToVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)
	f.mustTransition(t, tenantID, c.ID, lifecycle.StateRouted)
	_, err := f.svc.StartExecution(ctx, tenantID, c.ID, human(), "")
	require.NoError(t, err)
	require.NoError(t, f.svc.CompleteExecution(ctx, tenantID, c.ID, human(), ""))

	rec, err := f.svc.StartVerification(ctx, tenantID, c.ID, 2, []string{"verifier"}, human(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RequiredVerifiers)

	require.NoError(t, f.svc.RecordConsensus(ctx, tenantID, c.ID, rec.ID, true, human(), ""))

	stored, err := f.proj.GetCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateVerified), stored.Lifecycle)
}

func TestVerificationFlow_TimeoutKeepsExecuting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)
	f.mustTransition(t, tenantID, c.ID, lifecycle.StateRouted)
	_, err := f.svc.StartExecution(ctx, tenantID, c.ID, human(), "")
	require.NoError(t, err)

	rec, err := f.svc.StartVerification(ctx, tenantID, c.ID, 1, nil, human(), "")
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordConsensus(ctx, tenantID, c.ID, rec.ID, false, human(), ""))

	stored, err := f.proj.GetCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateExecuting), stored.Lifecycle)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, c.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, ledger.EventVerificationTimedOut, last.EventType)
}

func TestStartVerification_RequiresExecuting(t *testing.T) {
	f := newFixture(t)
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)

	_, err := f.svc.StartVerification(context.Background(), tenantID, c.ID, 1, nil, human(), "")
	assert.Equal(t, lifecycle.CodeIllegalTransition, domain.Code(err))
}

func TestDerive_MatchesStoredLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	c := f.createCase(t, tenantID)
	f.mustTransition(t, tenantID, c.ID, lifecycle.StateRouted)
	_, err := f.svc.StartExecution(ctx, tenantID, c.ID, human(), "")
	require.NoError(t, err)
	require.NoError(t, f.svc.CompleteExecution(ctx, tenantID, c.ID, human(), ""))
	rec, err := f.svc.StartVerification(ctx, tenantID, c.ID, 1, nil, human(), "")
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordConsensus(ctx, tenantID, c.ID, rec.ID, true, human(), ""))

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, c.ID)
	require.NoError(t, err)
	stored, err := f.proj.GetCase(ctx, f.db, tenantID, c.ID)
	require.NoError(t, err)

	assert.Equal(t, stored.Lifecycle, string(lifecycle.Derive(trail)))
}
