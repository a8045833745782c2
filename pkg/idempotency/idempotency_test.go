package idempotency_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/casegov/pkg/auth"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/idempotency"
)

func newStore(t *testing.T) (*database.DB, *idempotency.Store) {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, "", filepath.Join(t.TempDir(), "casegov.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Init(ctx))

	return db, idempotency.NewStore(db, 0)
}

func TestStore_GetMissing(t *testing.T) {
	_, store := newStore(t)

	rec, err := store.Get(context.Background(), clock.NewID(), "key-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_PutThenGet(t *testing.T) {
	_, store := newStore(t)
	ctx := context.Background()
	tenantID := clock.NewID()

	require.NoError(t, store.Put(ctx, &idempotency.Record{
		TenantID:   tenantID,
		Key:        "key-1",
		StatusCode: http.StatusCreated,
		Payload:    []byte(`{"id":"abc"}`),
		CreatedAt:  time.Now().UTC(),
	}))

	rec, err := store.Get(ctx, tenantID, "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, http.StatusCreated, rec.StatusCode)
	assert.JSONEq(t, `{"id":"abc"}`, string(rec.Payload))
}

func TestStore_DuplicatePutKeepsFirstRecord(t *testing.T) {
	_, store := newStore(t)
	ctx := context.Background()
	tenantID := clock.NewID()

	require.NoError(t, store.Put(ctx, &idempotency.Record{
		TenantID: tenantID, Key: "key-1", StatusCode: http.StatusCreated,
		Payload: []byte(`first`), CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Put(ctx, &idempotency.Record{
		TenantID: tenantID, Key: "key-1", StatusCode: http.StatusOK,
		Payload: []byte(`second`), CreatedAt: time.Now().UTC(),
	}))

	rec, err := store.Get(ctx, tenantID, "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "first", string(rec.Payload))
}

func TestStore_ExpiredRecordsAreAbsentAndPurgeable(t *testing.T) {
	_, store := newStore(t)
	ctx := context.Background()
	tenantID := clock.NewID()

	require.NoError(t, store.Put(ctx, &idempotency.Record{
		TenantID: tenantID, Key: "old", StatusCode: http.StatusOK,
		Payload: []byte(`{}`), CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))

	rec, err := store.Get(ctx, tenantID, "old")
	require.NoError(t, err)
	assert.Nil(t, rec)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func principalCtx(tenantID string) context.Context {
	return auth.WithPrincipal(context.Background(), &auth.Principal{
		TenantID: tenantID,
		UserID:   clock.NewID(),
		Roles:    []string{"caseworker"},
	})
}

func postWithKey(handler http.Handler, ctx context.Context, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/cases", strings.NewReader(`{}`))
	req = req.WithContext(ctx)
	if key != "" {
		req.Header.Set(idempotency.HeaderKey, key)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ReplaysRecordedResponse(t *testing.T) {
	_, store := newStore(t)
	calls := 0
	handler := idempotency.Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, calls)
	}))
	ctx := principalCtx(clock.NewID())

	first := postWithKey(handler, ctx, "retry-key")
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(idempotency.HeaderReplay))

	second := postWithKey(handler, ctx, "retry-key")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplay))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, calls)
}

func TestMiddleware_PassesThroughWithoutKey(t *testing.T) {
	_, store := newStore(t)
	calls := 0
	handler := idempotency.Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))
	ctx := principalCtx(clock.NewID())

	postWithKey(handler, ctx, "")
	postWithKey(handler, ctx, "")
	assert.Equal(t, 2, calls)
}

func TestMiddleware_ServerErrorsStayRetryable(t *testing.T) {
	_, store := newStore(t)
	calls := 0
	handler := idempotency.Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	ctx := principalCtx(clock.NewID())

	first := postWithKey(handler, ctx, "retry-key")
	assert.Equal(t, http.StatusInternalServerError, first.Code)

	second := postWithKey(handler, ctx, "retry-key")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Empty(t, second.Header().Get(idempotency.HeaderReplay))
	assert.Equal(t, 2, calls)
}

func TestMiddleware_KeysAreTenantScoped(t *testing.T) {
	_, store := newStore(t)
	calls := 0
	handler := idempotency.Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	postWithKey(handler, principalCtx(clock.NewID()), "shared-key")
	postWithKey(handler, principalCtx(clock.NewID()), "shared-key")
	assert.Equal(t, 2, calls)
}
