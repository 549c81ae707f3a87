package errors

import "strings"

// Code is a machine-readable error identifier. Codes are part of the wire
// contract: clients and settlement receipts reference them verbatim, so they
// must never be renamed once shipped.
type Code string

// Canonical JSON / hashing failures.
const (
	CodeCanonicalJSONCyclic        Code = "CANONICAL_JSON_CYCLIC"
	CodeCanonicalJSONInvalidNumber Code = "CANONICAL_JSON_INVALID_NUMBER"
)

// SettldPay token verification failures.
const (
	CodeTokenMalformed        Code = "TOKEN_MALFORMED"
	CodeTokenExpired          Code = "TOKEN_EXPIRED"
	CodeTokenSignerUnknown    Code = "TOKEN_SIGNER_UNKNOWN"
	CodeTokenSignatureInvalid Code = "TOKEN_SIGNATURE_INVALID"

	CodeRequestBindingMismatch Code = "SETTLDPAY_REQUEST_BINDING_MISMATCH"
)

// Provider signature verification failures (response and quote).
const (
	CodeProviderSignatureMissing      Code = "X402_PROVIDER_SIGNATURE_MISSING"
	CodeProviderSignatureInvalid      Code = "X402_PROVIDER_SIGNATURE_INVALID"
	CodeProviderSignatureKeyIDUnknown Code = "X402_PROVIDER_SIGNATURE_KEY_ID_UNKNOWN"
	CodeProviderResponseHashMismatch  Code = "X402_PROVIDER_SIGNATURE_RESPONSE_HASH_MISMATCH"

	CodeProviderQuoteMissing      Code = "X402_PROVIDER_QUOTE_MISSING"
	CodeProviderQuoteInvalid      Code = "X402_PROVIDER_QUOTE_INVALID"
	CodeProviderQuoteKeyIDUnknown Code = "X402_PROVIDER_QUOTE_KEY_ID_UNKNOWN"
)

// Gate lifecycle failures.
const (
	CodeGateNotFound     Code = "GATE_NOT_FOUND"
	CodeGateInvalidState Code = "GATE_INVALID_STATE"
	CodeGateExpired      Code = "GATE_EXPIRED"
	CodeGateAutoExpired  Code = "GATE_AUTO_EXPIRED"

	CodeQuoteRequestBindingMissing Code = "QUOTE_REQUEST_BINDING_MISSING"
	CodeQuoteExpired               Code = "QUOTE_EXPIRED"

	CodeInsufficientFunds        Code = "INSUFFICIENT_FUNDS"
	CodeAuthQuoteBindingMismatch Code = "AUTH_QUOTE_BINDING_MISMATCH"
	CodeAuthTokenExpiredReplay   Code = "AUTH_TOKEN_EXPIRED_REPLAY"

	CodeCascadeBindingInvalid  Code = "CASCADE_BINDING_INVALID"
	CodeSettlementSplitInvalid Code = "SETTLEMENT_SPLIT_INVALID"
	CodePolicyInvalid          Code = "POLICY_INVALID"
	CodeHoldNotFound           Code = "HOLD_NOT_FOUND"
	CodeHoldDisputed           Code = "HOLD_DISPUTED"
	CodeChallengeWindowExpired Code = "CHALLENGE_WINDOW_EXPIRED"
)

// Concurrency, idempotency, and storage failures.
const (
	CodeIdempotencyConflict    Code = "IDEMPOTENCY_CONFLICT"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeEventAppendConflict    Code = "SESSION_EVENT_APPEND_CONFLICT"
	CodeStoreUnavailable       Code = "STORE_UNAVAILABLE"
	CodeStoreLockTimeout       Code = "STORE_LOCK_TIMEOUT"
	CodeWalletNotFound         Code = "WALLET_NOT_FOUND"
)

// Request validation and auth failures.
const (
	CodeRequestInvalid     Code = "REQUEST_INVALID"
	CodeFieldMissing       Code = "FIELD_MISSING"
	CodeAmountInvalid      Code = "AMOUNT_INVALID"
	CodeCurrencyInvalid    Code = "CURRENCY_INVALID"
	CodeTenantMissing      Code = "TENANT_MISSING"
	CodeAPIKeyUnauthorized Code = "API_KEY_UNAUTHORIZED"
	CodeScopeUnauthorized  Code = "SCOPE_UNAUTHORIZED"
)

// Gateway proxy failures.
const (
	CodeGatewayError                     Code = "X402_GATEWAY_ERROR"
	CodeGatewayResponseTooLarge          Code = "X402_GATEWAY_RESPONSE_TOO_LARGE"
	CodeGatewayRetryRequiresBufferedBody Code = "X402_GATEWAY_RETRY_REQUIRES_BUFFERED_BODY"
	CodeGatewayOfferInvalid              Code = "X402_GATEWAY_OFFER_INVALID"
	CodeGatewayUpstreamUnavailable       Code = "X402_GATEWAY_UPSTREAM_UNAVAILABLE"
)

// Webhook delivery and receiver failures.
const (
	CodeDedupeMismatch          Code = "DEDUPE_MISMATCH"
	CodeWebhookSignatureInvalid Code = "WEBHOOK_SIGNATURE_INVALID"
	CodeWebhookTimestampInvalid Code = "WEBHOOK_TIMESTAMP_INVALID"
	CodeArtifactInvalid         Code = "WEBHOOK_ARTIFACT_INVALID"
)

// Internal fallback.
const (
	CodeInternal Code = "INTERNAL_ERROR"
)

// HTTPStatus maps an error code to its HTTP status. The mapping is
// suffix-driven per the error taxonomy; a handful of codes override the
// suffix rule because their class is defined by prefix instead.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeGateNotFound, CodeHoldNotFound, CodeWalletNotFound:
		return 404
	case CodeInsufficientFunds:
		return 402
	case CodeAPIKeyUnauthorized:
		return 401
	case CodeScopeUnauthorized:
		return 403
	case CodeDedupeMismatch:
		return 409
	case CodeInternal:
		return 500
	}

	s := string(c)
	switch {
	case strings.HasPrefix(s, "X402_GATEWAY_"),
		strings.HasPrefix(s, "X402_PROVIDER_"),
		strings.HasPrefix(s, "SETTLDPAY_"):
		return 502
	case strings.HasSuffix(s, "_MISSING"), strings.HasSuffix(s, "_INVALID"):
		return 400
	case strings.HasSuffix(s, "_CONFLICT"), strings.HasSuffix(s, "_MODIFICATION"):
		return 409
	case strings.HasSuffix(s, "_EXPIRED"), strings.HasSuffix(s, "_EXPIRED_REPLAY"):
		return 410
	case strings.HasSuffix(s, "_UNAVAILABLE"), strings.HasSuffix(s, "_TIMEOUT"):
		return 503
	case strings.HasSuffix(s, "_UNAUTHORIZED"):
		return 403
	case strings.HasSuffix(s, "_STATE"), strings.HasSuffix(s, "_MISMATCH"):
		return 409
	default:
		return 500
	}
}

// IsRetryable reports whether a client may usefully retry the request
// unchanged. Only transient storage and upstream availability classes qualify.
func (c Code) IsRetryable() bool {
	switch c {
	case CodeStoreUnavailable, CodeStoreLockTimeout,
		CodeConcurrentModification, CodeGatewayUpstreamUnavailable:
		return true
	default:
		return false
	}
}
