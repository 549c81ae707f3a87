package storage

import (
	"encoding/json"
	"time"
)

// GateStatus enumerates the gate lifecycle. Unknown values fail closed.
type GateStatus string

const (
	GateCreated    GateStatus = "created"
	GateQuoted     GateStatus = "quoted"
	GateAuthorized GateStatus = "authorized"
	GateVerified   GateStatus = "verified"
	GateResolved   GateStatus = "resolved"
	GateExpired    GateStatus = "expired"
	GateDisputed   GateStatus = "disputed"
)

// Terminal reports whether the status rejects further mutation (idempotent
// replay excepted).
func (s GateStatus) Terminal() bool {
	return s == GateResolved || s == GateExpired
}

// Gate is the lifecycle object for one paid upstream call. It exclusively
// owns its ledger entries, holds, decisions, and events.
type Gate struct {
	GateID                   string     `json:"gateId"`
	TenantID                 string     `json:"tenantId"`
	PayerAgentID             string     `json:"payerAgentId"`
	PayeeAgentID             string     `json:"payeeAgentId"`
	AmountCents              int64      `json:"amountCents"`
	Currency                 string     `json:"currency"`
	HoldbackBps              int        `json:"holdbackBps"`
	DisputeWindowMs          int64      `json:"disputeWindowMs"`
	ToolID                   string     `json:"toolId,omitempty"`
	ProviderID               string     `json:"providerId,omitempty"`
	Status                   GateStatus `json:"status"`
	CreatedAt                time.Time  `json:"createdAt"`
	UpdatedAt                time.Time  `json:"updatedAt"`
	ExpiresAt                time.Time  `json:"expiresAt"`
	Revision                 int64      `json:"revision"`
	PaymentRequiredHeaderRaw string     `json:"paymentRequiredHeaderRaw,omitempty"`
	ProviderPublicKeyPem     string     `json:"providerPublicKeyPem,omitempty"`
	AgentPassport            string     `json:"agentPassport,omitempty"`

	// Request binding pinned at authorization; strict gates are verified
	// against it before any funds release.
	RequestBindingMode   string `json:"requestBindingMode,omitempty"`
	RequestBindingSha256 string `json:"requestBindingSha256,omitempty"`

	// Cascade bindings to a parent work order; verified on every verify.
	ParentWorkOrderHash  string `json:"parentWorkOrderHash,omitempty"`
	ParentAcceptanceHash string `json:"parentAcceptanceHash,omitempty"`
}

// Quote pins the request-binding expectations for a gate before
// authorization.
type Quote struct {
	QuoteID              string    `json:"quoteId"`
	GateID               string    `json:"gateId"`
	TenantID             string    `json:"tenantId"`
	RequestBindingMode   string    `json:"requestBindingMode"`
	RequestBindingSha256 string    `json:"requestBindingSha256,omitempty"`
	ProviderID           string    `json:"providerId,omitempty"`
	ToolID               string    `json:"toolId,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	ExpiresAt            time.Time `json:"expiresAt"`
	QuoteHash            string    `json:"quoteHash"`
}

// PaymentAuthorization records a minted token by hash only; the token itself
// is never stored by value.
type PaymentAuthorization struct {
	AuthorizationRef string    `json:"authorizationRef"`
	GateID           string    `json:"gateId"`
	TenantID         string    `json:"tenantId"`
	QuoteID          string    `json:"quoteId,omitempty"`
	TokenHash        string    `json:"tokenHash"`
	IdempotencyKey   string    `json:"idempotencyKey,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// LedgerPhase tags a double-entry escrow posting.
type LedgerPhase string

const (
	PhaseReserve         LedgerPhase = "reserve"
	PhaseRelease         LedgerPhase = "release"
	PhaseRefund          LedgerPhase = "refund"
	PhaseHoldbackRelease LedgerPhase = "holdback_release"
	PhaseHoldbackRefund  LedgerPhase = "holdback_refund"
)

// LedgerEntry is one append-only escrow posting. AmountCents is signed:
// positive postings grow the gate escrow balance, negative postings drain it.
type LedgerEntry struct {
	EntryID       string      `json:"entryId"`
	GateID        string      `json:"gateId"`
	TenantID      string      `json:"tenantId"`
	Phase         LedgerPhase `json:"phase"`
	AmountCents   int64       `json:"amountCents"`
	BalanceBefore int64       `json:"balanceBefore"`
	BalanceAfter  int64       `json:"balanceAfter"`
	At            time.Time   `json:"at"`
	ParentEntryID string      `json:"parentEntryId,omitempty"`
}

// HoldStatus enumerates the holdback lifecycle.
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldReleased HoldStatus = "released"
	HoldRefunded HoldStatus = "refunded"
	HoldDisputed HoldStatus = "disputed"
)

// Hold withholds a fraction of a release until the dispute window closes.
type Hold struct {
	HoldHash              string     `json:"holdHash"`
	GateID                string     `json:"gateId"`
	TenantID              string     `json:"tenantId"`
	AmountCents           int64      `json:"amountCents"`
	CreatedAt             time.Time  `json:"createdAt"`
	DisputeWindowMs       int64      `json:"disputeWindowMs"`
	PolicyHash            string     `json:"policyHash"`
	Status                HoldStatus `json:"status"`
	ChallengeWindowEndsAt time.Time  `json:"challengeWindowEndsAt"`
}

// Verification outcomes.
const (
	VerificationGreen = "green"
	VerificationAmber = "amber"
	VerificationRed   = "red"
)

// SettlementDecisionRecord is the immutable v2 decision row. DecisionHash is
// the canonical hash of the record with decisionHash set to null, computed
// last.
type SettlementDecisionRecord struct {
	SchemaVersion              string    `json:"schemaVersion"`
	DecisionID                 string    `json:"decisionId"`
	GateID                     string    `json:"gateId"`
	TenantID                   string    `json:"tenantId"`
	VerificationStatus         string    `json:"verificationStatus"`
	DecisionMode               string    `json:"decisionMode"`
	PolicyHashUsed             string    `json:"policyHashUsed"`
	VerificationMethodHashUsed string    `json:"verificationMethodHashUsed,omitempty"`
	ReleasedAmountCents        int64     `json:"releasedAmountCents"`
	RefundedAmountCents        int64     `json:"refundedAmountCents"`
	HeldbackAmountCents        int64     `json:"heldbackAmountCents"`
	ReasonCodes                []string  `json:"reasonCodes"`
	EvidenceRefs               []string  `json:"evidenceRefs"`
	DecisionHash               string    `json:"decisionHash"`
	DecidedAt                  time.Time `json:"decidedAt"`
}

// Event is one hash-chained append-only stream entry.
type Event struct {
	EventID       string          `json:"eventId"`
	StreamID      string          `json:"streamId"`
	Seq           int64           `json:"seq"`
	At            time.Time       `json:"at"`
	Payload       json.RawMessage `json:"payload"`
	PrevChainHash string          `json:"prevChainHash"`
	ChainHash     string          `json:"chainHash"`
	SignerKeyID   string          `json:"signerKeyId,omitempty"`
	Signature     string          `json:"signature,omitempty"`
}

// StreamHead summarizes the tip of an event stream; returned with append
// conflicts so callers can rebase.
type StreamHead struct {
	HeadSeq       int64  `json:"headSeq"`
	HeadChainHash string `json:"headChainHash"`
	FirstEventID  string `json:"firstEventId,omitempty"`
	LastEventID   string `json:"lastEventId,omitempty"`
}

// OutboxRow is one pending signed webhook delivery.
type OutboxRow struct {
	DeliveryID    string          `json:"deliveryId"`
	TenantID      string          `json:"tenantId"`
	DestinationID string          `json:"destinationId"`
	DedupeKey     string          `json:"dedupeKey"`
	ArtifactType  string          `json:"artifactType"`
	ArtifactHash  string          `json:"artifactHash"`
	Body          json.RawMessage `json:"body"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	AckedAt       *time.Time      `json:"ackedAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	Failed        bool            `json:"failed"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// IdempotencyRow caches the first response for (tenantId, scope, key) so
// replays with the same requestHash return byte-identical bodies and replays
// with a different requestHash are rejected.
type IdempotencyRow struct {
	TenantID     string          `json:"tenantId"`
	Scope        string          `json:"scope"`
	Key          string          `json:"key"`
	RequestHash  string          `json:"requestHash"`
	StatusCode   int             `json:"statusCode"`
	ResponseBody json.RawMessage `json:"responseBody"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// WalletAccount tracks a payer agent's available (unreserved) funds.
type WalletAccount struct {
	TenantID       string `json:"tenantId"`
	AgentID        string `json:"agentId"`
	AvailableCents int64  `json:"availableCents"`
}

// WalletDelta adjusts a wallet balance inside a gate mutation. A negative
// delta that would take the wallet below zero aborts the mutation.
type WalletDelta struct {
	AgentID    string
	DeltaCents int64
}

// EventAppend is an event scheduled inside a gate mutation. When
// ExpectedPrevChainHash is non-nil the append is optimistic and a head
// mismatch aborts the whole mutation with SESSION_EVENT_APPEND_CONFLICT.
type EventAppend struct {
	StreamID              string
	Payload               json.RawMessage
	ExpectedPrevChainHash *string
	SignerKeyID           string
	Signature             string
}

// GateMutation is the unit of atomicity for all gate state transitions:
// either every element applies or none do. ExpectedRevision 0 inserts a new
// gate; otherwise the update is a CAS on (gateId, revision).
type GateMutation struct {
	Gate             Gate
	ExpectedRevision int64
	WalletDeltas     []WalletDelta
	LedgerEntries    []LedgerEntry
	Quote            *Quote
	Authorization    *PaymentAuthorization
	Hold             *Hold
	HoldUpdate       *Hold
	Decision         *SettlementDecisionRecord
	Events           []EventAppend
	Outbox           []OutboxRow
}
