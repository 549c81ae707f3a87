// Package x402 implements the wire surface of the x402 payment dance: the
// offer header a provider sends with a 402, the token carriage headers, and
// the x-settld response header contract the gateway echoes settlement
// results on.
package x402

// ProtocolVersion is carried on every gateway request and webhook delivery.
const ProtocolVersion = "1.0"

// AuthorizationScheme prefixes the minted token in the Authorization header.
const AuthorizationScheme = "SettldPay"

// Request headers.
const (
	HeaderProtocol        = "x-settld-protocol"
	HeaderPaymentRequired = "x-payment-required"
	HeaderPayment         = "x-payment"
	HeaderGateID          = "x-settld-gate-id"
	HeaderAgentPassport   = "x-settld-agent-passport"
	HeaderIdempotencyKey  = "x-idempotency-key"
	HeaderTenantID        = "x-proxy-tenant-id"
)

// Provider signature headers, set by the upstream on its 2xx response when
// it signs its output.
const (
	HeaderProviderSignature = "x-settld-provider-signature"
	HeaderProviderKeyID     = "x-settld-provider-key-id"
)

// Response headers the gateway sets after settlement.
const (
	HeaderResponseSha256      = "x-settld-response-sha256"
	HeaderSettlementStatus    = "x-settld-settlement-status"
	HeaderReleasedAmountCents = "x-settld-released-amount-cents"
	HeaderRefundedAmountCents = "x-settld-refunded-amount-cents"
	HeaderHoldbackStatus      = "x-settld-holdback-status"
	HeaderHoldbackAmountCents = "x-settld-holdback-amount-cents"
	HeaderVerificationStatus  = "x-settld-verification-status"
	HeaderVerificationCodes   = "x-settld-verification-codes"
)
