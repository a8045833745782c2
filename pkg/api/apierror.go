// Package api — HTTP surface of the governance core, with RFC 7807 Problem
// Detail error responses.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ledgerline/casegov/pkg/auth"
	"github.com/ledgerline/casegov/pkg/authority"
	"github.com/ledgerline/casegov/pkg/decision"
	"github.com/ledgerline/casegov/pkg/disbursement"
	"github.com/ledgerline/casegov/pkg/domain"
	"github.com/ledgerline/casegov/pkg/gateway"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/lifecycle"
	"github.com/ledgerline/casegov/pkg/projection"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Code is the machine-readable domain error code.
	Code string `json:"code,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://ledgerline.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// statusByCode maps domain error codes to HTTP statuses. Unknown codes fall
// through to 500 so a new failure mode is never silently a client error.
var statusByCode = map[string]int{
	projection.CodeCaseNotFound:         http.StatusNotFound,
	ledger.CodeSupersededNotFound:       http.StatusNotFound,
	disbursement.CodeNotFound:           http.StatusNotFound,
	ledger.CodeInvalidCommitInput:       http.StatusBadRequest,
	decision.CodeInvalidDecision:        http.StatusBadRequest,
	gateway.CodeInvalidCursor:           http.StatusBadRequest,
	lifecycle.CodeIllegalTransition:     http.StatusConflict,
	ledger.CodeAlreadySuperseded:        http.StatusConflict,
	disbursement.CodeInvariantViolation: http.StatusConflict,
	ledger.CodeCrossTenantForbidden:     http.StatusForbidden,
	authority.CodeInsufficientAuthority: http.StatusForbidden,
	authority.CodeSystemCannotSupersede: http.StatusForbidden,
	authority.CodeEqualNeedsEscalation:  http.StatusForbidden,
	auth.CodeUnauthorized:               http.StatusUnauthorized,
	ledger.CodeLedgerWritesDisabled:     http.StatusServiceUnavailable,
}

// WriteDomainError maps a service error onto the wire. Coded errors carry
// their code; everything else is an opaque 500.
func WriteDomainError(w http.ResponseWriter, err error) {
	code := domain.Code(err)
	if code == "" {
		WriteInternal(w, err)
		return
	}
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://ledgerline.dev/errors/%s", code),
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
		Code:   code,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
