package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ledgerline/casegov/pkg/audit"
	"github.com/ledgerline/casegov/pkg/auth"
	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/decision"
	"github.com/ledgerline/casegov/pkg/disbursement"
	"github.com/ledgerline/casegov/pkg/gateway"
	"github.com/ledgerline/casegov/pkg/idempotency"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/lifecycle"
	"github.com/ledgerline/casegov/pkg/query"
	"github.com/ledgerline/casegov/pkg/reconcile"
)

// HeaderAuthorityProof carries the caller's authority proof on mutating
// requests. Absent, the caller acts at default human authority.
const HeaderAuthorityProof = "X-Authority-Proof"

// Server wires the HTTP surface to the services.
type Server struct {
	Ledger        *ledger.Authority
	Lifecycle     *lifecycle.Service
	Decisions     *decision.Service
	Disbursements *disbursement.Service
	Queries       *query.Service
	Gateway       *gateway.Gateway
	Scheduler     *reconcile.Scheduler
	Verifier      *auth.Verifier
	Idempotency   *idempotency.Store
	RateLimiter   *GlobalRateLimiter
	Audit         audit.Logger
	Exporter      *audit.Exporter
}

// Routes assembles the router with its middleware stack. Health, the trust
// key and the websocket upgrade are outside the auth middleware; the socket
// authenticates itself because browsers cannot set headers on upgrades.
func (s *Server) Routes() http.Handler {
	authed := http.NewServeMux()
	authed.HandleFunc("POST /v1/cases", s.handleCreateCase)
	authed.HandleFunc("GET /v1/cases/{id}", s.handleGetCase)
	authed.HandleFunc("POST /v1/cases/{id}/transition", s.handleTransition)
	authed.HandleFunc("POST /v1/cases/{id}/decisions", s.handleRecordDecision)
	authed.HandleFunc("GET /v1/cases/{id}/decisions/{type}", s.handleAuthoritativeDecision)
	authed.HandleFunc("GET /v1/cases/{id}/decisions/{type}/chain", s.handleDecisionChain)
	authed.HandleFunc("GET /v1/cases/{id}/lifecycle", s.handleExplainLifecycle)
	authed.HandleFunc("GET /v1/cases/{id}/trail", s.handleTrail)
	authed.HandleFunc("GET /v1/cases/{id}/routing/counterfactual", s.handleRoutingCounterfactual)
	authed.HandleFunc("POST /v1/cases/{id}/execution/start", s.handleExecutionStart)
	authed.HandleFunc("POST /v1/cases/{id}/execution/complete", s.handleExecutionComplete)
	authed.HandleFunc("POST /v1/cases/{id}/execution/abort", s.handleExecutionAbort)
	authed.HandleFunc("POST /v1/cases/{id}/verification/start", s.handleVerificationStart)
	authed.HandleFunc("POST /v1/cases/{id}/verification/{vid}/consensus", s.handleConsensus)
	authed.HandleFunc("POST /v1/cases/{id}/disbursement/authorize", s.handleDisbursementAuthorize)
	authed.HandleFunc("POST /v1/disbursements/{id}/execute", s.handleDisbursementExecute)
	authed.HandleFunc("GET /v1/cases/{id}/messages", s.handleListMessages)
	authed.HandleFunc("POST /v1/cases/{id}/messages", s.handlePostMessage)
	authed.HandleFunc("GET /v1/cases/{id}/messages/unread", s.handleUnread)
	authed.HandleFunc("GET /v1/ledger/status", s.handleLedgerStatus)
	authed.HandleFunc("POST /v1/admin/reconcile", s.handleReconcileNow)
	authed.HandleFunc("GET /v1/admin/audit/export", s.handleAuditExport)

	var protected http.Handler = authed
	protected = idempotency.Middleware(s.Idempotency)(protected)
	if s.Audit != nil {
		protected = auditMutations(s.Audit)(protected)
	}
	protected = auth.Middleware(s.Verifier)(protected)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.HandleFunc("GET /v1/trust/key", s.handleTrustKey)
	root.HandleFunc("GET /v1/cases/{id}/ws", s.handleSocket)
	root.Handle("/", protected)

	var h http.Handler = root
	if s.RateLimiter != nil {
		h = s.RateLimiter.Middleware(h)
	}
	h = auth.CORSMiddleware(nil)(h)
	return auth.RequestIDMiddleware(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "request body is not valid JSON")
		return false
	}
	return true
}

// actorFrom builds the ledger actor for the authenticated caller.
func actorFrom(r *http.Request, p *auth.Principal) authority.Actor {
	proof := r.Header.Get(HeaderAuthorityProof)
	if proof == "" {
		proof = "ROLE:" + firstOr(p.Roles, "member")
	}
	return authority.Actor{
		Kind:           authority.ActorHuman,
		UserID:         p.UserID,
		AuthorityProof: proof,
	}
}

func firstOr(xs []string, fallback string) string {
	if len(xs) > 0 {
		return xs[0]
	}
	return fallback
}

func principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return nil, false
	}
	return p, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.Ledger.GetStatus(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !st.ChainValid {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "CORRUPTED",
			"error":  st.ChainError,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"totalCommits": st.TotalCommits,
		"headTs":       st.HeadTS,
	})
}

func (s *Server) handleTrustKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"publicKey": s.Ledger.PublicKey(),
		"algorithm": "Ed25519",
		"encoding":  "hex",
	})
}

func (s *Server) handleLedgerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Ledger.GetStatus(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		ReferenceCode string          `json:"referenceCode"`
		IntentContext json.RawMessage `json:"intentContext"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ReferenceCode == "" {
		WriteBadRequest(w, "referenceCode is required")
		return
	}
	c, err := s.Lifecycle.CreateCase(r.Context(), lifecycle.CreateInput{
		TenantID:      p.TenantID,
		ReferenceCode: body.ReferenceCode,
		Actor:         actorFrom(r, p),
		IntentContext: body.IntentContext,
		RequestID:     r.Header.Get(idempotency.HeaderKey),
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	c, err := s.Queries.GetCase(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Target        string          `json:"target"`
		IntentContext json.RawMessage `json:"intentContext"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	c, err := s.Lifecycle.Transition(r.Context(), lifecycle.TransitionInput{
		TenantID:      p.TenantID,
		CaseID:        r.PathValue("id"),
		Target:        lifecycle.State(body.Target),
		Actor:         actorFrom(r, p),
		IntentContext: body.IntentContext,
		RequestID:     r.Header.Get(idempotency.HeaderKey),
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRecordDecision(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		DecisionType         string          `json:"decisionType"`
		Reason               string          `json:"reason"`
		IntentContext        json.RawMessage `json:"intentContext"`
		SupersedesDecisionID string          `json:"supersedesDecisionId"`
		Escalated            bool            `json:"escalated"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	d, err := s.Decisions.Record(r.Context(), decision.RecordInput{
		TenantID:             p.TenantID,
		CaseID:               r.PathValue("id"),
		DecisionType:         body.DecisionType,
		Reason:               body.Reason,
		Actor:                actorFrom(r, p),
		IntentContext:        body.IntentContext,
		SupersedesDecisionID: body.SupersedesDecisionID,
		Escalated:            body.Escalated,
		RequestID:            r.Header.Get(idempotency.HeaderKey),
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleAuthoritativeDecision(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	d, err := s.Queries.GetAuthoritativeDecision(r.Context(), p.TenantID,
		r.PathValue("id"), r.PathValue("type"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if d == nil {
		WriteNotFound(w, "case has no authoritative decision of this type")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDecisionChain(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	chain, err := s.Queries.GetDecisionChain(r.Context(), p.TenantID,
		r.PathValue("id"), r.PathValue("type"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": chain})
}

func (s *Server) handleExplainLifecycle(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	ex, err := s.Queries.ExplainLifecycle(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	trail, err := s.Queries.GetLedgerTrail(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": trail})
}

func (s *Server) handleRoutingCounterfactual(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	cf, err := s.Queries.GetRoutingCounterfactual(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cf)
}

func (s *Server) handleExecutionStart(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	exec, err := s.Lifecycle.StartExecution(r.Context(), p.TenantID, r.PathValue("id"),
		actorFrom(r, p), r.Header.Get(idempotency.HeaderKey))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleExecutionComplete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	err := s.Lifecycle.CompleteExecution(r.Context(), p.TenantID, r.PathValue("id"),
		actorFrom(r, p), r.Header.Get(idempotency.HeaderKey))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleExecutionAbort(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.Lifecycle.AbortExecution(r.Context(), p.TenantID, r.PathValue("id"),
		body.Reason, actorFrom(r, p), r.Header.Get(idempotency.HeaderKey))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleVerificationStart(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		RequiredVerifiers int      `json:"requiredVerifiers"`
		RequiredRoles     []string `json:"requiredRoles"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := s.Lifecycle.StartVerification(r.Context(), p.TenantID, r.PathValue("id"),
		body.RequiredVerifiers, body.RequiredRoles,
		actorFrom(r, p), r.Header.Get(idempotency.HeaderKey))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Reached bool `json:"reached"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.Lifecycle.RecordConsensus(r.Context(), p.TenantID, r.PathValue("id"),
		r.PathValue("vid"), body.Reached,
		actorFrom(r, p), r.Header.Get(idempotency.HeaderKey))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"consensusReached": body.Reached})
}

func (s *Server) handleDisbursementAuthorize(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Type      string `json:"type"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		PayeeKind string `json:"payeeKind"`
		PayeeID   string `json:"payeeId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Amount <= 0 || len(body.Currency) != 3 {
		WriteBadRequest(w, "amount must be positive and currency a 3-letter code")
		return
	}
	result, err := s.Disbursements.Authorize(r.Context(), disbursement.AuthorizeInput{
		TenantID:  p.TenantID,
		CaseID:    r.PathValue("id"),
		Type:      body.Type,
		Amount:    body.Amount,
		Currency:  body.Currency,
		PayeeKind: body.PayeeKind,
		PayeeID:   body.PayeeID,
		Actor:     actorFrom(r, p),
		RequestID: r.Header.Get(idempotency.HeaderKey),
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Kind == disbursement.ResultDenied {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handleDisbursementExecute(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	d, err := s.Disbursements.Execute(r.Context(), p.TenantID, r.PathValue("id"),
		actorFrom(r, p), r.Header.Get(idempotency.HeaderKey))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	page, err := s.Gateway.ListMessages(r.Context(), p.TenantID, r.PathValue("id"),
		r.URL.Query().Get("cursor"), limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body struct {
		Body             string `json:"body"`
		ClientMutationID string `json:"clientMutationId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	m, err := s.Gateway.PublishMessage(r.Context(), p.TenantID, r.PathValue("id"),
		p.UserID, body.Body, body.ClientMutationID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	count, err := s.Gateway.UnreadCount(r.Context(), p.TenantID, r.PathValue("id"), p.UserID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.Gateway.HandleSocket(w, r, r.PathValue("id"))
}

func (s *Server) handleReconcileNow(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.HasRole("admin") {
		WriteError(w, http.StatusForbidden, "Forbidden", "reconciliation requires the admin role")
		return
	}
	go s.Scheduler.Sweep(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sweep started"})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.HasRole("admin") {
		WriteError(w, http.StatusForbidden, "Forbidden", "audit export requires the admin role")
		return
	}
	req := audit.ExportRequest{TenantID: p.TenantID}
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "start must be RFC 3339")
			return
		}
		req.StartTime = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "end must be RFC 3339")
			return
		}
		req.EndTime = t
	}
	pack, checksum, err := s.Exporter.GeneratePack(r.Context(), req)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="evidence-pack.zip"`)
	w.Header().Set("X-Checksum-SHA256", checksum)
	_, _ = w.Write(pack)
}
