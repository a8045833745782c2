package query_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/decision"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/keystore"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/lifecycle"
	"github.com/ledgerline/casegov/pkg/projection"
	"github.com/ledgerline/casegov/pkg/query"
)

type fixture struct {
	db        *database.DB
	proj      *projection.Store
	lifecycle *lifecycle.Service
	decisions *decision.Service
	svc       *query.Service
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
	return &fixture{
		db:        db,
		proj:      proj,
		lifecycle: lifecycle.NewService(db, auth, proj),
		decisions: decision.NewService(db, auth, proj),
		svc:       query.NewService(db, auth, proj),
	}
}

func caseworker() authority.Actor {
	return authority.Actor{
		Kind:           authority.ActorHuman,
		UserID:         clock.NewID(),
		AuthorityProof: "ROLE:caseworker",
	}
}

func (f *fixture) newCase(t *testing.T, tenantID string) string {
	t.Helper()
	c, err := f.lifecycle.CreateCase(context.Background(), lifecycle.CreateInput{
		TenantID: tenantID, ReferenceCode: "REF-Q", Actor: caseworker(),
	})
	require.NoError(t, err)
	return c.ID
}

func TestGetCase_MissingCase(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetCase(context.Background(), clock.NewID(), clock.NewID())
	assert.Equal(t, projection.CodeCaseNotFound, domain.Code(err))
}

func TestExplainLifecycle_NoDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)
	_, err := f.lifecycle.Transition(ctx, lifecycle.TransitionInput{
		TenantID: tenantID, CaseID: caseID, Target: lifecycle.StateRouted, Actor: caseworker(),
	})
	require.NoError(t, err)

	ex, err := f.svc.ExplainLifecycle(ctx, tenantID, caseID)
	require.NoError(t, err)
	assert.False(t, ex.Drift)
	assert.Equal(t, string(lifecycle.StateRouted), ex.StoredLifecycle)
	assert.Equal(t, string(lifecycle.StateRouted), ex.LedgerDerivedLifecycle)
	assert.Equal(t, 2, ex.TrailLength)
}

func TestExplainLifecycle_ReportsDriftWithoutRepairing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)

	_, err := f.db.ExecContext(ctx,
		`UPDATE cases SET lifecycle = $1 WHERE id = $2`,
		string(lifecycle.StateVerified), caseID)
	require.NoError(t, err)

	ex, err := f.svc.ExplainLifecycle(ctx, tenantID, caseID)
	require.NoError(t, err)
	assert.True(t, ex.Drift)
	assert.Equal(t, string(lifecycle.StateVerified), ex.StoredLifecycle)
	assert.Equal(t, string(lifecycle.StateIntaked), ex.LedgerDerivedLifecycle)

	// Explaining is read-only; the drift stays until the reconciler runs.
	c, err := f.svc.GetCase(ctx, tenantID, caseID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateVerified), c.Lifecycle)
}

func TestGetLedgerTrail_ReturnsCommitsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)
	_, err := f.lifecycle.Transition(ctx, lifecycle.TransitionInput{
		TenantID: tenantID, CaseID: caseID, Target: lifecycle.StateRouted, Actor: caseworker(),
	})
	require.NoError(t, err)

	trail, err := f.svc.GetLedgerTrail(ctx, tenantID, caseID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, ledger.EventCaseCreated, trail[0].EventType)
	assert.Equal(t, ledger.EventRouted, trail[1].EventType)
	assert.Less(t, trail[0].TS, trail[1].TS)
}

func TestGetRoutingCounterfactual_UnroutedCase(t *testing.T) {
	f := newFixture(t)
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)

	cf, err := f.svc.GetRoutingCounterfactual(context.Background(), tenantID, caseID)
	require.NoError(t, err)
	assert.True(t, cf.RoutingUnchanged)
	assert.Nil(t, cf.Original)
	assert.Nil(t, cf.Authoritative)
	assert.Empty(t, cf.SupersessionChain)
}

func TestGetRoutingCounterfactual_SingleRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)

	d, err := f.decisions.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType: decision.TypeRouting,
		Reason:       "matched benefits track",
		Actor:        caseworker(),
	})
	require.NoError(t, err)

	cf, err := f.svc.GetRoutingCounterfactual(ctx, tenantID, caseID)
	require.NoError(t, err)
	assert.True(t, cf.RoutingUnchanged)
	assert.Equal(t, 0, cf.SupersessionCount)
	require.NotNil(t, cf.Original)
	require.NotNil(t, cf.Authoritative)
	assert.Equal(t, d.ID, cf.Original.ID)
	assert.Equal(t, d.ID, cf.Authoritative.ID)
}

func TestGetRoutingCounterfactual_SupersededRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)

	first, err := f.decisions.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType: decision.TypeRouting,
		Reason:       "initial routing",
		Actor:        caseworker(),
	})
	require.NoError(t, err)

	second, err := f.decisions.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType:         decision.TypeRouting,
		Reason:               "reroute after review",
		Actor:                authority.Actor{Kind: authority.ActorHuman, UserID: clock.NewID(), AuthorityProof: "ADMIN:supervisor"},
		SupersedesDecisionID: first.ID,
	})
	require.NoError(t, err)

	cf, err := f.svc.GetRoutingCounterfactual(ctx, tenantID, caseID)
	require.NoError(t, err)
	assert.False(t, cf.RoutingUnchanged)
	assert.Equal(t, 1, cf.SupersessionCount)
	require.Len(t, cf.SupersessionChain, 2)
	require.NotNil(t, cf.Original)
	require.NotNil(t, cf.Authoritative)
	assert.Equal(t, first.ID, cf.Original.ID)
	assert.Equal(t, second.ID, cf.Authoritative.ID)
	assert.Equal(t, second.ID, cf.Original.SupersededByID)
}

func TestGetAuthoritativeDecision_RequiresCase(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetAuthoritativeDecision(context.Background(), clock.NewID(), clock.NewID(), decision.TypeRouting)
	assert.Equal(t, projection.CodeCaseNotFound, domain.Code(err))
}
