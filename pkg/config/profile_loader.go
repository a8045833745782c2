package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant policy overlay loaded from YAML. Absent
// values fall back to server defaults.
type TenantProfile struct {
	Name         string             `yaml:"name" json:"name"`
	Code         string             `yaml:"code" json:"code"`
	Verification VerificationPolicy `yaml:"verification" json:"verification"`
	Disbursement DisbursementPolicy `yaml:"disbursement" json:"disbursement"`
	Retention    RetentionPolicy    `yaml:"retention" json:"retention"`
}

// VerificationPolicy sets the tenant's verification round parameters.
type VerificationPolicy struct {
	RequiredVerifiers int      `yaml:"required_verifiers" json:"required_verifiers"`
	RequiredRoles     []string `yaml:"required_roles,omitempty" json:"required_roles,omitempty"`
	TimeoutMs         int      `yaml:"timeout_ms" json:"timeout_ms"`
}

// DisbursementPolicy bounds payouts per tenant.
type DisbursementPolicy struct {
	MaxAmount         int64    `yaml:"max_amount" json:"max_amount"` // minor units, 0 = unlimited
	AllowedCurrencies []string `yaml:"allowed_currencies,omitempty" json:"allowed_currencies,omitempty"`
	StallTimeoutMs    int      `yaml:"stall_timeout_ms" json:"stall_timeout_ms"`
}

// RetentionPolicy defines data retention periods.
type RetentionPolicy struct {
	LedgerDays  int `yaml:"ledger_days" json:"ledger_days"`
	MessageDays int `yaml:"message_days" json:"message_days"`
}

// LoadProfile loads a tenant profile YAML by code. It searches the profiles
// directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*TenantProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_default.yaml -> default
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// CurrencyAllowed checks a payout currency against the tenant policy. An
// empty allowlist permits everything.
func (p *TenantProfile) CurrencyAllowed(currency string) bool {
	if len(p.Disbursement.AllowedCurrencies) == 0 {
		return true
	}
	for _, c := range p.Disbursement.AllowedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}
