package token

import (
	"encoding/base64"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/signing"
)

// ProviderResponseClaim is the canonical payload a provider signs over its
// response: the gate it served and the hash of the body it returned.
type ProviderResponseClaim struct {
	GateID       string `json:"gateId"`
	ResponseHash string `json:"responseHash"`
}

// SignProviderResponse produces the base64url signature a provider attaches
// via x-settld-provider-signature. Exported for provider-side tooling and
// tests.
func SignProviderResponse(claim ProviderResponseClaim, kp *signing.KeyPair) (string, error) {
	body, err := canonical.Marshal(claim)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(kp.Sign(body)), nil
}

// VerifyProviderResponse checks the provider's signature over its response
// hash against the pinned provider public key. Absence of a pinned key is the
// caller's decision; once a key is pinned, a missing signature fails closed.
func VerifyProviderResponse(providerPublicKeyPem, keyID, signature string, claim ProviderResponseClaim) error {
	if signature == "" {
		return errors.E(errors.CodeProviderSignatureMissing, "provider response signature required")
	}
	pub, err := signing.PublicKeyFromPEM(providerPublicKeyPem)
	if err != nil {
		return errors.E(errors.CodeProviderSignatureInvalid, "pinned provider key unparseable: %v", err)
	}
	if keyID != "" {
		expected, err := signing.KeyIDFromPublicKey(pub)
		if err != nil || expected != keyID {
			return errors.E(errors.CodeProviderSignatureKeyIDUnknown, "provider key id %q does not match pinned key", keyID)
		}
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return errors.E(errors.CodeProviderSignatureInvalid, "signature is not base64url")
	}
	body, err := canonical.Marshal(claim)
	if err != nil {
		return err
	}
	if !signing.Verify(pub, body, sig) {
		return errors.E(errors.CodeProviderSignatureInvalid, "provider response signature check failed")
	}
	return nil
}

// VerifyProviderResponseHash compares the gateway-computed response hash with
// the hash the provider claims to have signed.
func VerifyProviderResponseHash(claimed, computed string) error {
	if claimed != computed {
		return errors.E(errors.CodeProviderResponseHashMismatch, "provider signed a different response body").
			WithDetail("claimed", claimed).
			WithDetail("computed", computed)
	}
	return nil
}

// SignProviderQuote signs a quote body with the provider key. The payload is
// hashed in canonical form, so field order on the wire is irrelevant.
func SignProviderQuote(quotePayload map[string]any, kp *signing.KeyPair) (string, error) {
	body, err := canonical.Marshal(quotePayload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(kp.Sign(body)), nil
}

// VerifyProviderQuote checks a provider quote signature against the pinned
// provider key, returning the stable X402_PROVIDER_QUOTE_* codes.
func VerifyProviderQuote(providerPublicKeyPem, keyID, signature string, quotePayload map[string]any) error {
	if signature == "" {
		return errors.E(errors.CodeProviderQuoteMissing, "provider quote signature required")
	}
	pub, err := signing.PublicKeyFromPEM(providerPublicKeyPem)
	if err != nil {
		return errors.E(errors.CodeProviderQuoteInvalid, "pinned provider key unparseable: %v", err)
	}
	if keyID != "" {
		expected, err := signing.KeyIDFromPublicKey(pub)
		if err != nil || expected != keyID {
			return errors.E(errors.CodeProviderQuoteKeyIDUnknown, "provider quote key id %q does not match pinned key", keyID)
		}
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return errors.E(errors.CodeProviderQuoteInvalid, "quote signature is not base64url")
	}
	body, err := canonical.Marshal(quotePayload)
	if err != nil {
		return err
	}
	if !signing.Verify(pub, body, sig) {
		return errors.E(errors.CodeProviderQuoteInvalid, "provider quote signature check failed")
	}
	return nil
}
