package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/casegov/pkg/ledger"
)

var (
	// ErrEmptyTenantID is returned when tenant ID is empty.
	ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrLedgerNotConfigured is returned when export is invoked without a backing ledger.
	ErrLedgerNotConfigured = errors.New("audit: ledger not configured (fail-closed)")
)

// ExportRequest defines what to export.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// exportCommit is the wire shape of one ledger commit inside an evidence pack.
type exportCommit struct {
	ID                 string          `json:"id"`
	CaseID             string          `json:"case_id,omitempty"`
	EventType          string          `json:"event_type"`
	TS                 int64           `json:"ts"`
	ActorKind          string          `json:"actor_kind"`
	ActorUserID        string          `json:"actor_user_id,omitempty"`
	AuthorityProof     string          `json:"authority_proof"`
	Payload            json.RawMessage `json:"payload"`
	SupersedesCommitID string          `json:"supersedes_commit_id,omitempty"`
	SupersededByID     string          `json:"superseded_by_id,omitempty"`
	CommitmentHash     string          `json:"commitment_hash"`
	Signature          string          `json:"signature"`
	SignatureValid     bool            `json:"signature_valid"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Exporter builds downloadable evidence packs from a tenant's ledger trail.
type Exporter struct {
	authority *ledger.Authority
}

func NewExporter(a *ledger.Authority) *Exporter {
	return &Exporter{authority: a}
}

// GeneratePack creates a zip containing the tenant's ledger commits and a
// manifest. Every commit's signature is re-verified; the manifest records any
// failures instead of silently including them.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.authority == nil {
		return nil, "", ErrLedgerNotConfigured
	}

	commits, err := e.authority.ListByTenant(ctx, req.TenantID)
	if err != nil {
		return nil, "", err
	}

	exported := make([]exportCommit, 0, len(commits))
	invalid := 0
	for i := range commits {
		c := &commits[i]
		if !req.StartTime.IsZero() && c.CreatedAt.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && c.CreatedAt.After(req.EndTime) {
			continue
		}
		payload, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, "", fmt.Errorf("audit: marshal payload of %s: %w", c.ID, err)
		}
		valid := e.authority.VerifyCommit(c) == nil
		if !valid {
			invalid++
		}
		exported = append(exported, exportCommit{
			ID:                 c.ID,
			CaseID:             c.CaseID,
			EventType:          string(c.EventType),
			TS:                 c.TS,
			ActorKind:          string(c.ActorKind),
			ActorUserID:        c.ActorUserID,
			AuthorityProof:     c.AuthorityProof,
			Payload:            payload,
			SupersedesCommitID: c.SupersedesCommitID,
			SupersededByID:     c.SupersededByID,
			CommitmentHash:     c.CommitmentHash,
			Signature:          c.Signature,
			SignatureValid:     valid,
			CreatedAt:          c.CreatedAt,
		})
	}

	commitsJSON, err := json.MarshalIndent(exported, "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := map[string]interface{}{
		"tenant_id":          req.TenantID,
		"generated_at":       time.Now().UTC(),
		"commit_count":       len(exported),
		"invalid_signatures": invalid,
		"public_key":         e.authority.PublicKey(),
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("commits.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(commitsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Evidence Pack for Tenant %s\nGenerated at %s\nVerify commits against the public key in manifest.json.\n",
		req.TenantID, time.Now().UTC().Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	checksum := hex.EncodeToString(hash[:])

	return zipBytes, checksum, nil
}
