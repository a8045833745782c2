package decision_test

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
)

type fixture struct {
	db        *database.DB
	auth      *ledger.Authority
	proj      *projection.Store
	lifecycle *lifecycle.Service
	svc       *decision.Service
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
		auth:      auth,
		proj:      proj,
		lifecycle: lifecycle.NewService(db, auth, proj),
		svc:       decision.NewService(db, auth, proj),
	}
}

func caseworker() authority.Actor {
	return authority.Actor{
		Kind:           authority.ActorHuman,
		UserID:         clock.NewID(),
		AuthorityProof: "ROLE:caseworker",
	}
}

func admin() authority.Actor {
	return authority.Actor{
		Kind:           authority.ActorHuman,
		UserID:         clock.NewID(),
		AuthorityProof: "ADMIN:supervisor",
	}
}

func (f *fixture) newCase(t *testing.T, tenantID string) string {
	t.Helper()
	c, err := f.lifecycle.CreateCase(context.Background(), lifecycle.CreateInput{
		TenantID: tenantID, ReferenceCode: "REF-D", Actor: caseworker(),
	})
	require.NoError(t, err)
	return c.ID
}

func TestRecord_DecisionIDIsCommitID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)

	d, err := f.svc.Record(ctx, decision.RecordInput{
		TenantID:     tenantID,
		CaseID:       caseID,
		DecisionType: decision.TypeRouting,
		Reason:       "matched benefits track",
		Actor:        caseworker(),
	})
	require.NoError(t, err)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, last.ID, d.ID)
	assert.Equal(t, ledger.EventRouted, last.EventType)
}

func TestRecord_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)

	_, err := f.svc.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType: decision.TypeRouting,
		Actor:        caseworker(),
	})
	assert.Equal(t, decision.CodeInvalidDecision, domain.Code(err))

	_, err = f.svc.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType: "GUESSWORK", Reason: "r",
		Actor: caseworker(),
	})
	assert.Equal(t, decision.CodeInvalidDecision, domain.Code(err))

	_, err = f.svc.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: clock.NewID(),
		DecisionType: decision.TypeRouting, Reason: "r",
		Actor: caseworker(),
	})
	assert.Equal(t, projection.CodeCaseNotFound, domain.Code(err))
}

func TestRecord_SupersessionReplacesAuthoritativeDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)

	first, err := f.svc.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType: decision.TypeRouting,
		Reason:       "initial routing",
		Actor:        caseworker(),
	})
	require.NoError(t, err)

	second, err := f.svc.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType:         decision.TypeRouting,
		Reason:               "reroute after review",
		Actor:                admin(),
		SupersedesDecisionID: first.ID,
	})
	require.NoError(t, err)

	live, err := f.proj.GetAuthoritativeDecision(ctx, f.db, tenantID, caseID, decision.TypeRouting)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, second.ID, live.ID)

	chain, err := f.proj.ListDecisionChain(ctx, f.db, tenantID, caseID, decision.TypeRouting)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, first.ID, chain[0].ID)
	assert.NotNil(t, chain[0].SupersededAt)
	assert.Equal(t, first.ID, chain[1].SupersedesDecisionID)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, ledger.EventRoutingSuperseded, last.EventType)
	for _, commit := range trail {
		if commit.ID == first.ID {
			assert.Equal(t, second.ID, commit.SupersededByID)
		}
	}
}

func TestRecord_EqualAuthorityNeedsEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.newCase(t, tenantID)

	first, err := f.svc.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType: decision.TypeRouting,
		Reason:       "initial routing",
		Actor:        caseworker(),
	})
	require.NoError(t, err)

	_, err = f.svc.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType:         decision.TypeRouting,
		Reason:               "peer disagrees",
		Actor:                caseworker(),
		SupersedesDecisionID: first.ID,
	})
	assert.Equal(t, authority.CodeEqualNeedsEscalation, domain.Code(err))

	escalated, err := f.svc.Record(ctx, decision.RecordInput{
		TenantID: tenantID, CaseID: caseID,
		DecisionType:         decision.TypeRouting,
		Reason:               "peer disagrees, escalated",
		Actor:                caseworker(),
		SupersedesDecisionID: first.ID,
		Escalated:            true,
	})
	require.NoError(t, err)

	live, err := f.proj.GetAuthoritativeDecision(ctx, f.db, tenantID, caseID, decision.TypeRouting)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, escalated.ID, live.ID)
}
