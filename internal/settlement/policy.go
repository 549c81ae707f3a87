package settlement

import (
	"encoding/json"
	"strings"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/errors"
)

// Policy modes.
const (
	ModeAutomatic = "automatic"
	ModeManual    = "manual"
)

// Policy drives the settlement decision. Only known fields survive
// normalization; the policyHash is computed over the normalized form so two
// policies that differ only in unknown keys or enum casing hash identically.
type Policy struct {
	Mode  string      `json:"mode"`
	Rules PolicyRules `json:"rules"`
}

// PolicyRules maps each verification status to an auto-release flag and a
// release percentage.
type PolicyRules struct {
	AutoReleaseOnGreen  bool    `json:"autoReleaseOnGreen"`
	GreenReleaseRatePct float64 `json:"greenReleaseRatePct"`
	AutoReleaseOnAmber  bool    `json:"autoReleaseOnAmber"`
	AmberReleaseRatePct float64 `json:"amberReleaseRatePct"`
	AutoReleaseOnRed    bool    `json:"autoReleaseOnRed"`
	RedReleaseRatePct   float64 `json:"redReleaseRatePct"`
}

// DefaultPolicy releases the full amount on green, refunds everything on
// amber and red.
func DefaultPolicy() Policy {
	return Policy{
		Mode: ModeAutomatic,
		Rules: PolicyRules{
			AutoReleaseOnGreen:  true,
			GreenReleaseRatePct: 100,
		},
	}
}

// NormalizePolicy parses a raw policy document, drops unknown keys,
// lower-cases the mode, validates percentage ranges, and returns the policy
// together with its canonical hash. A nil or empty document yields the
// default policy.
func NormalizePolicy(raw json.RawMessage) (Policy, string, error) {
	p := DefaultPolicy()
	if len(raw) > 0 && string(raw) != "null" {
		// Unmarshalling into the typed struct drops unknown keys.
		p = Policy{}
		if err := json.Unmarshal(raw, &p); err != nil {
			return Policy{}, "", errors.E(errors.CodePolicyInvalid, "policy is not valid JSON: %v", err)
		}
	}
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	if p.Mode == "" {
		p.Mode = ModeAutomatic
	}
	if p.Mode != ModeAutomatic && p.Mode != ModeManual {
		return Policy{}, "", errors.E(errors.CodePolicyInvalid, "unknown policy mode %q", p.Mode)
	}
	for _, rate := range []float64{
		p.Rules.GreenReleaseRatePct, p.Rules.AmberReleaseRatePct, p.Rules.RedReleaseRatePct,
	} {
		if rate < 0 || rate > 100 {
			return Policy{}, "", errors.E(errors.CodePolicyInvalid, "release rate %v outside [0,100]", rate)
		}
	}
	hash, err := canonical.Hash(p)
	if err != nil {
		return Policy{}, "", err
	}
	return p, hash, nil
}

// rateFor returns the release percentage for a verification status, or zero
// when auto-release is disabled for that status.
func (p Policy) rateFor(verificationStatus string) float64 {
	switch verificationStatus {
	case "green":
		if p.Rules.AutoReleaseOnGreen {
			return p.Rules.GreenReleaseRatePct
		}
	case "amber":
		if p.Rules.AutoReleaseOnAmber {
			return p.Rules.AmberReleaseRatePct
		}
	case "red":
		if p.Rules.AutoReleaseOnRed {
			return p.Rules.RedReleaseRatePct
		}
	}
	return 0
}
