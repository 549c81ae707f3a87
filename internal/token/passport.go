package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/signing"
)

// PassportClaim identifies an autonomous agent to the gateway. Passports ride
// the x-settld-agent-passport header and are stripped before the upstream
// forward.
type PassportClaim struct {
	SchemaVersion string `json:"schemaVersion"`
	KeyID         string `json:"keyId"`
	AgentID       string `json:"agentId"`
	TenantID      string `json:"tenantId"`
	IssuedAt      int64  `json:"issuedAt"`
	ExpiresAt     int64  `json:"expiresAt"`
}

// PassportSchemaVersion identifies the passport layout.
const PassportSchemaVersion = "settld-passport.v1"

// MintPassport signs a passport claim in the same two-segment wire form as
// payment tokens.
func MintPassport(claim PassportClaim, kp *signing.KeyPair) (string, error) {
	claim.SchemaVersion = PassportSchemaVersion
	claim.KeyID = kp.KeyID
	body, err := canonical.Marshal(claim)
	if err != nil {
		return "", err
	}
	sig := kp.Sign(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// DecodePassportClaim decodes a passport payload without checking the
// signature. For callers that only need the claimed agent identity for
// bookkeeping; anything trust-bearing must use VerifyPassport.
func DecodePassportClaim(passport string) (PassportClaim, error) {
	var claim PassportClaim
	parts := strings.Split(strings.TrimSpace(passport), ".")
	if len(parts) != 2 || parts[0] == "" {
		return claim, errors.E(errors.CodeTokenMalformed, "passport must have two segments")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return claim, errors.E(errors.CodeTokenMalformed, "passport payload is not base64url")
	}
	if err := json.Unmarshal(body, &claim); err != nil {
		return claim, errors.E(errors.CodeTokenMalformed, "passport payload is not valid JSON")
	}
	return claim, nil
}

// VerifyPassport decodes and signature-checks an agent passport.
func VerifyPassport(ctx context.Context, passport string, keys KeyResolver, now time.Time) (PassportClaim, error) {
	var claim PassportClaim

	parts := strings.Split(strings.TrimSpace(passport), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return claim, errors.E(errors.CodeTokenMalformed, "passport must have two segments")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return claim, errors.E(errors.CodeTokenMalformed, "passport payload is not base64url")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return claim, errors.E(errors.CodeTokenMalformed, "passport signature is not base64url")
	}
	if err := json.Unmarshal(body, &claim); err != nil {
		return claim, errors.E(errors.CodeTokenMalformed, "passport payload is not valid JSON")
	}
	if claim.SchemaVersion != PassportSchemaVersion {
		return claim, errors.E(errors.CodeTokenMalformed, "unsupported passport schemaVersion %q", claim.SchemaVersion)
	}
	if now.IsZero() {
		now = time.Now()
	}
	if claim.ExpiresAt > 0 && claim.ExpiresAt < now.UnixMilli() {
		return claim, errors.E(errors.CodeTokenExpired, "passport expired")
	}
	if keys == nil {
		return claim, errors.E(errors.CodeTokenSignerUnknown, "no keyset configured")
	}
	pub, ok := keys.ResolveKey(ctx, claim.KeyID)
	if !ok {
		return claim, errors.E(errors.CodeTokenSignerUnknown, "passport signer %q unknown", claim.KeyID)
	}
	if !signing.Verify(pub, body, sig) {
		return claim, errors.E(errors.CodeTokenSignatureInvalid, "passport signature check failed")
	}
	return claim, nil
}
