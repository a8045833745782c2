package disbursement_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/config"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/disbursement"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/keystore"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/lifecycle"
	"github.com/ledgerline/casegov/pkg/projection"
)

type failRail struct{ err error }

func (r failRail) Pay(context.Context, *disbursement.Disbursement) error { return r.err }

type fixture struct {
	db        *database.DB
	auth      *ledger.Authority
	proj      *projection.Store
	lifecycle *lifecycle.Service
	svc       *disbursement.Service
}

func newFixture(t *testing.T, rail disbursement.Rail) *fixture {
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
		svc:       disbursement.NewService(db, auth, proj, rail),
	}
}

func human() authority.Actor {
	return authority.Actor{
		Kind:           authority.ActorHuman,
		UserID:         clock.NewID(),
		AuthorityProof: "ROLE:finance",
	}
}

// verifiedCase drives a fresh case through intake, routing, execution and
// consensus so it satisfies every authorization gate.
func (f *fixture) verifiedCase(t *testing.T, tenantID string) string {
	t.Helper()
	ctx := context.Background()

	c, err := f.lifecycle.CreateCase(ctx, lifecycle.CreateInput{
		TenantID:      tenantID,
		ReferenceCode: "REF-PAY",
		Actor:         human(),
	})
	require.NoError(t, err)

	_, err = f.lifecycle.Transition(ctx, lifecycle.TransitionInput{
		TenantID: tenantID, CaseID: c.ID, Target: lifecycle.StateRouted, Actor: human(),
	})
	require.NoError(t, err)
	_, err = f.lifecycle.StartExecution(ctx, tenantID, c.ID, human(), "")
	require.NoError(t, err)
	require.NoError(t, f.lifecycle.CompleteExecution(ctx, tenantID, c.ID, human(), ""))
	rec, err := f.lifecycle.StartVerification(ctx, tenantID, c.ID, 1, nil, human(), "")
	require.NoError(t, err)
	require.NoError(t, f.lifecycle.RecordConsensus(ctx, tenantID, c.ID, rec.ID, true, human(), ""))
	return c.ID
}

func (f *fixture) authorize(t *testing.T, tenantID, caseID string) *disbursement.Disbursement {
	t.Helper()
	result, err := f.svc.Authorize(context.Background(), disbursement.AuthorizeInput{
		TenantID:  tenantID,
		CaseID:    caseID,
		Type:      disbursement.TypePayout,
		Amount:    12500,
		Currency:  "EUR",
		PayeeKind: disbursement.PayeeUser,
		PayeeID:   clock.NewID(),
		Actor:     human(),
	})
	require.NoError(t, err)
	require.Equal(t, disbursement.ResultAuthorized, result.Kind)
	return result.Disbursement
}

func TestAuthorize_DeniedCollectsEveryReason(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tenantID := clock.NewID()

	c, err := f.lifecycle.CreateCase(ctx, lifecycle.CreateInput{
		TenantID: tenantID, ReferenceCode: "REF-X", Actor: human(),
	})
	require.NoError(t, err)

	result, err := f.svc.Authorize(ctx, disbursement.AuthorizeInput{
		TenantID: tenantID, CaseID: c.ID,
		Type: disbursement.TypePayout, Amount: 100, Currency: "EUR",
		PayeeKind: disbursement.PayeeUser, PayeeID: clock.NewID(),
		Actor: human(),
	})
	require.NoError(t, err)
	assert.Equal(t, disbursement.ResultDenied, result.Kind)
	// Lifecycle, execution and verification gates all failed.
	assert.Len(t, result.Reasons, 3)
	assert.Nil(t, result.Disbursement)
}

func TestAuthorize_VerifiedCaseSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)

	d := f.authorize(t, tenantID, caseID)
	assert.Equal(t, disbursement.StatusAuthorized, d.Status)
	assert.NotEmpty(t, d.VerificationRecordID)
	assert.NotEmpty(t, d.ExecutionID)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EventDisbursementAuth, trail[len(trail)-1].EventType)
}

func TestAuthorize_IdempotentPerCase(t *testing.T) {
	f := newFixture(t, nil)
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)

	first := f.authorize(t, tenantID, caseID)
	second := f.authorize(t, tenantID, caseID)
	assert.Equal(t, first.ID, second.ID)
}

func TestAuthorize_ProfilePolicyGates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)

	f.svc.UsePolicy(&config.TenantProfile{
		Code: "strict",
		Disbursement: config.DisbursementPolicy{
			MaxAmount:         10000,
			AllowedCurrencies: []string{"USD"},
		},
	})

	result, err := f.svc.Authorize(ctx, disbursement.AuthorizeInput{
		TenantID: tenantID, CaseID: caseID,
		Type: disbursement.TypePayout, Amount: 12500, Currency: "EUR",
		PayeeKind: disbursement.PayeeUser, PayeeID: clock.NewID(),
		Actor: human(),
	})
	require.NoError(t, err)
	assert.Equal(t, disbursement.ResultDenied, result.Kind)
	// Amount cap and currency allowlist both failed.
	assert.Len(t, result.Reasons, 2)

	result, err = f.svc.Authorize(ctx, disbursement.AuthorizeInput{
		TenantID: tenantID, CaseID: caseID,
		Type: disbursement.TypePayout, Amount: 9000, Currency: "USD",
		PayeeKind: disbursement.PayeeUser, PayeeID: clock.NewID(),
		Actor: human(),
	})
	require.NoError(t, err)
	assert.Equal(t, disbursement.ResultAuthorized, result.Kind)
}

func TestExecute_CompletionMovesCaseToDisbursed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)
	d := f.authorize(t, tenantID, caseID)

	out, err := f.svc.Execute(ctx, tenantID, d.ID, human(), "")
	require.NoError(t, err)
	assert.Equal(t, disbursement.StatusCompleted, out.Status)
	require.NotNil(t, out.ExecutedAt)

	c, err := f.proj.GetCase(ctx, f.db, tenantID, caseID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateDisbursed), c.Lifecycle)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EventDisbursementDone, trail[len(trail)-1].EventType)
}

func TestExecute_RailFailureRecordsFailure(t *testing.T) {
	f := newFixture(t, failRail{err: errors.New("rail unavailable")})
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)
	d := f.authorize(t, tenantID, caseID)

	out, err := f.svc.Execute(ctx, tenantID, d.ID, human(), "")
	require.NoError(t, err)
	assert.Equal(t, disbursement.StatusFailed, out.Status)
	assert.Equal(t, "rail unavailable", out.FailureReason)
	require.NotNil(t, out.FailedAt)

	// The case does not advance on failure.
	c, err := f.proj.GetCase(ctx, f.db, tenantID, caseID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateVerified), c.Lifecycle)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EventDisbursementFailed, trail[len(trail)-1].EventType)
}

func TestExecute_RequiresAuthorizedStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)
	d := f.authorize(t, tenantID, caseID)

	_, err := f.svc.Execute(ctx, tenantID, d.ID, human(), "")
	require.NoError(t, err)

	_, err = f.svc.Execute(ctx, tenantID, d.ID, human(), "")
	assert.Equal(t, disbursement.CodeInvariantViolation, domain.Code(err))
}

func TestExecute_UnknownDisbursement(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Execute(context.Background(), clock.NewID(), clock.NewID(), human(), "")
	assert.Equal(t, disbursement.CodeNotFound, domain.Code(err))
}

func TestReconcileStalled_FlagsEachCaseOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)
	d := f.authorize(t, tenantID, caseID)

	// Backdate the authorization past the timeout; execution never started.
	_, err := f.db.ExecContext(ctx,
		`UPDATE disbursements SET authorized_at = $1 WHERE id = $2`,
		time.Now().UTC().Add(-48*time.Hour), d.ID)
	require.NoError(t, err)

	flagged, err := f.svc.ReconcileStalled(ctx, tenantID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	trail, err := f.auth.GetAuditTrail(ctx, nil, tenantID, caseID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, ledger.EventDisbursementStalled, last.EventType)
	assert.Equal(t, authority.ActorSystem, last.ActorKind)
	assert.Equal(t, disbursement.ReconciliationProof, last.AuthorityProof)

	// A second sweep must not flag the same case again.
	flagged, err = f.svc.ReconcileStalled(ctx, tenantID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)
}

func TestReconcileStalled_IgnoresFreshAndInFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)
	d := f.authorize(t, tenantID, caseID)

	// Freshly authorized: not stalled.
	flagged, err := f.svc.ReconcileStalled(ctx, tenantID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)

	// Old but already claimed for execution: the scan only watches AUTHORIZED.
	_, err = f.db.ExecContext(ctx,
		`UPDATE disbursements SET status = $1, authorized_at = $2 WHERE id = $3`,
		disbursement.StatusExecuting, time.Now().UTC().Add(-48*time.Hour), d.ID)
	require.NoError(t, err)

	flagged, err = f.svc.ReconcileStalled(ctx, tenantID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)
}

func TestAuthorize_SettledDisbursementDenies(t *testing.T) {
	f := newFixture(t, failRail{err: errors.New("rail unavailable")})
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)
	d := f.authorize(t, tenantID, caseID)

	out, err := f.svc.Execute(ctx, tenantID, d.ID, human(), "")
	require.NoError(t, err)
	require.Equal(t, disbursement.StatusFailed, out.Status)

	// A settled disbursement is not an idempotent hit; re-authorization must
	// deny and name the existing record.
	result, err := f.svc.Authorize(ctx, disbursement.AuthorizeInput{
		TenantID: tenantID, CaseID: caseID,
		Type: disbursement.TypePayout, Amount: 12500, Currency: "EUR",
		PayeeKind: disbursement.PayeeUser, PayeeID: clock.NewID(),
		Actor: human(),
	})
	require.NoError(t, err)
	assert.Equal(t, disbursement.ResultDenied, result.Kind)
	require.Len(t, result.Reasons, 1)
	assert.Contains(t, result.Reasons[0], d.ID)
	assert.Contains(t, result.Reasons[0], disbursement.StatusFailed)
	assert.Nil(t, result.Disbursement)
}

func TestInsert_DuplicateCaseIsUniqueViolation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tenantID := clock.NewID()
	caseID := f.verifiedCase(t, tenantID)
	d := f.authorize(t, tenantID, caseID)

	dup := *d
	dup.ID = clock.NewID()
	err := disbursement.NewStore().Insert(ctx, f.db, &dup)
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))
}
