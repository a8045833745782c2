package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "strict", `
name: Strict Review
code: strict
verification:
  required_verifiers: 3
  required_roles: [senior_reviewer, compliance]
  timeout_ms: 172800000
disbursement:
  max_amount: 500000
  allowed_currencies: [USD, EUR]
  stall_timeout_ms: 43200000
retention:
  ledger_days: 3650
  message_days: 365
`)

	p, err := LoadProfile(dir, "strict")
	if err != nil {
		t.Fatalf("LoadProfile(strict): %v", err)
	}
	if p.Name != "Strict Review" {
		t.Errorf("expected name 'Strict Review', got %q", p.Name)
	}
	if p.Verification.RequiredVerifiers != 3 {
		t.Errorf("expected 3 required verifiers, got %d", p.Verification.RequiredVerifiers)
	}
	if p.Disbursement.MaxAmount != 500000 {
		t.Errorf("expected max amount 500000, got %d", p.Disbursement.MaxAmount)
	}
	if p.Retention.LedgerDays != 3650 {
		t.Errorf("expected 3650 ledger days, got %d", p.Retention.LedgerDays)
	}
}

func TestLoadProfile_CodeFallsBackToFilename(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "default", "name: Default\n")

	p, err := LoadProfile(dir, "default")
	if err != nil {
		t.Fatalf("LoadProfile(default): %v", err)
	}
	if p.Code != "default" {
		t.Errorf("expected code 'default', got %q", p.Code)
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "nope"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "default", "name: Default\n")
	writeProfile(t, dir, "strict", "name: Strict\ncode: strict\n")

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	for code, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", code)
		}
	}
}

func TestCurrencyAllowed(t *testing.T) {
	p := &TenantProfile{
		Disbursement: DisbursementPolicy{AllowedCurrencies: []string{"USD"}},
	}
	if !p.CurrencyAllowed("USD") {
		t.Error("USD should be allowed")
	}
	if p.CurrencyAllowed("JPY") {
		t.Error("JPY should be denied")
	}

	open := &TenantProfile{}
	if !open.CurrencyAllowed("JPY") {
		t.Error("empty allowlist should permit everything")
	}
}
