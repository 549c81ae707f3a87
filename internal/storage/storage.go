// Package storage defines the persistence contract for the settlement
// kernel. Two implementations exist, an in-memory store for tests and
// single-node development and a Postgres store for production, and both
// provide identical atomicity semantics: a GateMutation applies entirely or
// not at all, event appends are hash-chained, and idempotency rows replay
// byte-identical responses.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SettldHQ/gateway/internal/canonical"
)

// GenesisPrevChainHash is the prevChainHash of the first event in a stream.
const GenesisPrevChainHash = ""

// Store is the persistence interface shared by the memory and Postgres
// implementations. All methods are safe for concurrent use.
type Store interface {
	// GetGate returns a gate scoped to its tenant.
	GetGate(ctx context.Context, tenantID, gateID string) (Gate, error)

	// ApplyGateMutation atomically applies a gate state transition together
	// with its wallet deltas, ledger postings, child rows, events, and outbox
	// enqueues. ExpectedRevision 0 inserts; any other value is a CAS against
	// the stored revision and a mismatch returns CONCURRENT_MODIFICATION.
	// An event append whose ExpectedPrevChainHash no longer matches the
	// stream head aborts the whole mutation with
	// SESSION_EVENT_APPEND_CONFLICT carrying the head metadata in Details.
	// A wallet delta that would drive a balance negative aborts with
	// INSUFFICIENT_FUNDS.
	ApplyGateMutation(ctx context.Context, m GateMutation) (Gate, error)

	// ListExpiredGates returns non-terminal gates whose expiresAt has passed,
	// oldest first, for the auto-expiry sweep.
	ListExpiredGates(ctx context.Context, now time.Time, limit int) ([]Gate, error)

	GetQuote(ctx context.Context, tenantID, quoteID string) (Quote, error)
	GetAuthorization(ctx context.Context, tenantID, authorizationRef string) (PaymentAuthorization, error)
	GetAuthorizationByTokenHash(ctx context.Context, tenantID, tokenHash string) (PaymentAuthorization, error)
	GetDecision(ctx context.Context, tenantID, gateID string) (SettlementDecisionRecord, error)

	// GetLedgerEntries returns a gate's postings in insertion order.
	GetLedgerEntries(ctx context.Context, tenantID, gateID string) ([]LedgerEntry, error)

	GetHold(ctx context.Context, tenantID, holdHash string) (Hold, error)
	// ListDueHolds returns holds still in held status whose challenge window
	// has closed, oldest first.
	ListDueHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error)

	// AppendEvent appends one event outside a gate mutation (session streams,
	// maintenance audit). The same chain and conflict rules apply.
	AppendEvent(ctx context.Context, a EventAppend) (Event, error)
	GetEvents(ctx context.Context, streamID string, afterSeq int64, limit int) ([]Event, error)
	GetStreamHead(ctx context.Context, streamID string) (StreamHead, error)

	// GetIdempotency looks up a cached response. The second return is false
	// when no row exists.
	GetIdempotency(ctx context.Context, tenantID, scope, key string) (IdempotencyRow, bool, error)
	// PutIdempotency stores the first response for a key. Writing a second
	// row for the same key is first-writer-wins: the call succeeds without
	// overwriting.
	PutIdempotency(ctx context.Context, row IdempotencyRow) error

	GetWallet(ctx context.Context, tenantID, agentID string) (WalletAccount, error)
	// CreditWallet tops up an agent wallet, creating the account on first
	// credit.
	CreditWallet(ctx context.Context, tenantID, agentID string, amountCents int64) (WalletAccount, error)

	EnqueueOutbox(ctx context.Context, rows ...OutboxRow) error
	// DueOutbox returns unacked, unfailed deliveries whose nextAttemptAt has
	// passed, oldest first.
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxRow, error)
	MarkOutboxAttempt(ctx context.Context, deliveryID string, attempts int, nextAttemptAt time.Time, lastError string, failed bool) error
	MarkOutboxAcked(ctx context.Context, deliveryID string, at time.Time) error
	PendingOutboxCount(ctx context.Context) (int64, error)

	// WithAdvisoryLock runs fn while holding a named exclusive lock, so only
	// one maintenance instance sweeps at a time across the fleet.
	WithAdvisoryLock(ctx context.Context, name string, fn func(ctx context.Context) error) error

	Ping(ctx context.Context) error
	Close() error
}

// ChainHash computes the tamper-evidence hash for an event: the canonical
// hash of the prior chain hash and the event payload together.
func ChainHash(prevChainHash string, payload json.RawMessage) (string, error) {
	return canonical.Hash(map[string]any{
		"prevChainHash": prevChainHash,
		"payload":       payload,
	})
}
