// Package token implements the SettldPay payment-authorization token, the
// well-known signer keyset, and the provider quote/response signature checks.
//
// Wire form: base64url(canonical payload) + "." + base64url(ed25519 sig).
package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/signing"
)

const (
	// SchemaVersion identifies the payload layout. Verification rejects any
	// other value.
	SchemaVersion = "settldpay.v1"

	// DefaultTTL bounds token validity from issuance.
	DefaultTTL = 5 * time.Minute

	// IssuedAtSkew tolerates clock drift between minting and verifying hosts.
	IssuedAtSkew = 60 * time.Second
)

// Binding modes for retried upstream requests.
const (
	BindingModeNone   = "none"
	BindingModeStrict = "strict"
)

// Payload is the signed body of a SettldPay token. Timestamps are epoch
// milliseconds so the canonical form stays integer-only.
type Payload struct {
	SchemaVersion        string `json:"schemaVersion"`
	KeyID                string `json:"keyId"`
	TenantID             string `json:"tenantId"`
	GateID               string `json:"gateId"`
	PayerAgentID         string `json:"payerAgentId"`
	PayeeAgentID         string `json:"payeeAgentId"`
	AmountCents          int64  `json:"amountCents"`
	Currency             string `json:"currency"`
	IssuedAt             int64  `json:"issuedAt"`
	ExpiresAt            int64  `json:"expiresAt"`
	Nonce                string `json:"nonce"`
	RequestBindingMode   string `json:"requestBindingMode"`
	RequestBindingSha256 string `json:"requestBindingSha256,omitempty"`
	QuoteID              string `json:"quoteId,omitempty"`
}

// Mint canonicalizes and signs the payload, returning the two-segment token.
func Mint(p Payload, kp *signing.KeyPair) (string, error) {
	p.SchemaVersion = SchemaVersion
	p.KeyID = kp.KeyID
	body, err := canonical.Marshal(p)
	if err != nil {
		return "", err
	}
	sig := kp.Sign(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Hash returns the stable hash retained for replay detection; tokens
// themselves are never stored by value.
func Hash(tok string) string {
	return canonical.HashBytes([]byte(tok))
}

// KeyResolver resolves a signer keyId to its public key. Implemented by the
// well-known keyset and by static test keysets.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (ed25519.PublicKey, bool)
}

// VerifyOptions constrain token verification.
type VerifyOptions struct {
	TenantID string
	Now      time.Time
	Keys     KeyResolver
}

// Verify decodes, validates, and signature-checks a token. Failure codes are
// the stable TOKEN_* set.
func Verify(ctx context.Context, tok string, opts VerifyOptions) (Payload, error) {
	var p Payload

	parts := strings.Split(strings.TrimSpace(tok), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return p, errors.E(errors.CodeTokenMalformed, "token must have two segments")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return p, errors.E(errors.CodeTokenMalformed, "payload segment is not base64url")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return p, errors.E(errors.CodeTokenMalformed, "signature segment is not base64url")
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, errors.E(errors.CodeTokenMalformed, "payload is not valid JSON")
	}

	if p.SchemaVersion != SchemaVersion {
		return p, errors.E(errors.CodeTokenMalformed, "unsupported schemaVersion %q", p.SchemaVersion)
	}
	if opts.TenantID != "" && p.TenantID != opts.TenantID {
		return p, errors.E(errors.CodeTokenMalformed, "tenant mismatch")
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	nowMs := now.UnixMilli()
	if p.ExpiresAt < nowMs {
		return p, errors.E(errors.CodeTokenExpired, "token expired at %d", p.ExpiresAt)
	}
	if p.IssuedAt > nowMs+IssuedAtSkew.Milliseconds() {
		return p, errors.E(errors.CodeTokenMalformed, "issuedAt is in the future")
	}

	if opts.Keys == nil {
		return p, errors.E(errors.CodeTokenSignerUnknown, "no keyset configured")
	}
	pub, ok := opts.Keys.ResolveKey(ctx, p.KeyID)
	if !ok {
		return p, errors.E(errors.CodeTokenSignerUnknown, "signer %q not in active keyset", p.KeyID)
	}
	if !signing.Verify(pub, body, sig) {
		return p, errors.E(errors.CodeTokenSignatureInvalid, "signature check failed")
	}
	return p, nil
}

// BindingHash computes the strict request-binding hash anchored at
// authorize-payment time: canonical sha256 over the uppercased method,
// lowercased host, path with query, and body sha256.
func BindingHash(method, host, pathWithQuery, bodySha256 string) (string, error) {
	return canonical.Hash(map[string]any{
		"method":        strings.ToUpper(method),
		"host":          strings.ToLower(host),
		"pathWithQuery": pathWithQuery,
		"bodySha256":    bodySha256,
	})
}

// CheckBinding verifies a retried request against the binding anchored in the
// token. Fails closed with SETTLDPAY_REQUEST_BINDING_MISMATCH.
func CheckBinding(p Payload, method, host, pathWithQuery, bodySha256 string) error {
	if p.RequestBindingMode != BindingModeStrict {
		return nil
	}
	got, err := BindingHash(method, host, pathWithQuery, bodySha256)
	if err != nil {
		return err
	}
	if got != p.RequestBindingSha256 {
		return errors.E(errors.CodeRequestBindingMismatch, "request does not match anchored binding").
			WithDetail("expected", p.RequestBindingSha256).
			WithDetail("got", got)
	}
	return nil
}
