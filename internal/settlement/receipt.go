package settlement

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/signing"
	"github.com/SettldHQ/gateway/internal/storage"
)

// ReceiptSchemaVersion identifies the receipt layout.
const ReceiptSchemaVersion = "settld-receipt.v1"

// Receipt envelopes a decision with everything needed to audit it offline:
// the gate snapshot, the provider's signatures, the agent passport, and the
// ledger postings the decision produced. receiptHash is canonical over the
// envelope with receiptHash and signature nulled.
type Receipt struct {
	SchemaVersion     string                           `json:"schemaVersion"`
	Gate              storage.Gate                     `json:"gate"`
	Decision          storage.SettlementDecisionRecord `json:"decision"`
	ProviderSignature string                           `json:"providerSignature,omitempty"`
	ProviderQuote     json.RawMessage                  `json:"providerQuote,omitempty"`
	AgentPassport     string                           `json:"agentPassport,omitempty"`
	LedgerEntries     []storage.LedgerEntry            `json:"ledgerEntries"`
	ReceiptHash       string                           `json:"receiptHash"`
	SignerKeyID       string                           `json:"signerKeyId,omitempty"`
	Signature         string                           `json:"signature,omitempty"`
}

// BuildReceipt assembles and hashes the receipt envelope.
func BuildReceipt(gate storage.Gate, decision storage.SettlementDecisionRecord, providerSignature string, providerQuote json.RawMessage, agentPassport string, entries []storage.LedgerEntry) (Receipt, error) {
	r := Receipt{
		SchemaVersion:     ReceiptSchemaVersion,
		Gate:              gate,
		Decision:          decision,
		ProviderSignature: providerSignature,
		ProviderQuote:     providerQuote,
		AgentPassport:     agentPassport,
		LedgerEntries:     entries,
	}
	hash, err := receiptHash(r)
	if err != nil {
		return Receipt{}, err
	}
	r.ReceiptHash = hash
	return r, nil
}

// SignReceipt attaches the tenant release key's signature over the canonical
// receipt body.
func SignReceipt(r Receipt, kp *signing.KeyPair) (Receipt, error) {
	body, err := canonicalReceiptBody(r)
	if err != nil {
		return Receipt{}, err
	}
	r.SignerKeyID = kp.KeyID
	r.Signature = base64.RawURLEncoding.EncodeToString(kp.Sign(body))
	return r, nil
}

// VerifyReceipt checks the hash and, when pub is provided, the signature.
func VerifyReceipt(r Receipt, pub ed25519.PublicKey) error {
	want, err := receiptHash(r)
	if err != nil {
		return err
	}
	if want != r.ReceiptHash {
		return errors.E(errors.CodeSettlementSplitInvalid, "receipt hash drifted").
			WithDetail("stored", r.ReceiptHash).
			WithDetail("recomputed", want)
	}
	if r.Signature == "" || pub == nil {
		return nil
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil {
		return errors.E(errors.CodeTokenSignatureInvalid, "receipt signature is not base64url")
	}
	body, err := canonicalReceiptBody(r)
	if err != nil {
		return err
	}
	if !signing.Verify(pub, body, sig) {
		return errors.E(errors.CodeTokenSignatureInvalid, "receipt signature check failed")
	}
	return nil
}

// canonicalReceiptBody is the byte form signed and hashed: the envelope with
// receiptHash, signerKeyId, and signature nulled.
func canonicalReceiptBody(r Receipt) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, errors.E(errors.CodeInternal, "encode receipt: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.E(errors.CodeInternal, "decode receipt: %v", err)
	}
	m["receiptHash"] = nil
	delete(m, "signerKeyId")
	delete(m, "signature")
	return canonical.Marshal(m)
}

func receiptHash(r Receipt) (string, error) {
	body, err := canonicalReceiptBody(r)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(body), nil
}
