package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SettldHQ/gateway/internal/errors"
)

// MemoryStore is the in-process Store used by tests and single-node
// development. One mutex guards all state; mutations are applied under it so
// the all-or-nothing contract holds trivially.
type MemoryStore struct {
	mu sync.RWMutex

	gates       map[string]Gate                     // tenant|gateId
	quotes      map[string]Quote                    // tenant|quoteId
	auths       map[string]PaymentAuthorization     // tenant|authorizationRef
	authsByHash map[string]string                   // tenant|tokenHash -> authorizationRef
	decisions   map[string]SettlementDecisionRecord // tenant|gateId
	ledger      map[string][]LedgerEntry            // tenant|gateId
	holds       map[string]Hold                     // tenant|holdHash
	events      map[string][]Event                  // streamId
	idem        map[string]IdempotencyRow           // tenant|scope|key
	wallets     map[string]WalletAccount            // tenant|agentId
	outbox      map[string]OutboxRow                // deliveryId

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gates:       make(map[string]Gate),
		quotes:      make(map[string]Quote),
		auths:       make(map[string]PaymentAuthorization),
		authsByHash: make(map[string]string),
		decisions:   make(map[string]SettlementDecisionRecord),
		ledger:      make(map[string][]LedgerEntry),
		holds:       make(map[string]Hold),
		events:      make(map[string][]Event),
		idem:        make(map[string]IdempotencyRow),
		wallets:     make(map[string]WalletAccount),
		outbox:      make(map[string]OutboxRow),
		locks:       make(map[string]*sync.Mutex),
	}
}

func scopedKey(parts ...string) string {
	key := parts[0]
	for _, p := range parts[1:] {
		key += "|" + p
	}
	return key
}

func (s *MemoryStore) GetGate(_ context.Context, tenantID, gateID string) (Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gates[scopedKey(tenantID, gateID)]
	if !ok {
		return Gate{}, errors.E(errors.CodeGateNotFound, "gate %q not found", gateID)
	}
	return g, nil
}

func (s *MemoryStore) ApplyGateMutation(_ context.Context, m GateMutation) (Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gateKey := scopedKey(m.Gate.TenantID, m.Gate.GateID)
	existing, exists := s.gates[gateKey]
	if m.ExpectedRevision == 0 {
		if exists {
			return Gate{}, errors.E(errors.CodeConcurrentModification, "gate %q already exists", m.Gate.GateID)
		}
	} else {
		if !exists {
			return Gate{}, errors.E(errors.CodeGateNotFound, "gate %q not found", m.Gate.GateID)
		}
		if existing.Revision != m.ExpectedRevision {
			return Gate{}, errors.E(errors.CodeConcurrentModification,
				"gate %q revision moved from %d", m.Gate.GateID, m.ExpectedRevision).
				WithDetail("currentRevision", existing.Revision)
		}
	}

	// Validate everything before touching state.
	walletNext := make(map[string]int64, len(m.WalletDeltas))
	for _, d := range m.WalletDeltas {
		wk := scopedKey(m.Gate.TenantID, d.AgentID)
		bal, seen := walletNext[wk]
		if !seen {
			bal = s.wallets[wk].AvailableCents
		}
		bal += d.DeltaCents
		if bal < 0 {
			return Gate{}, errors.E(errors.CodeInsufficientFunds,
				"wallet %q balance would go negative", d.AgentID).
				WithDetail("availableCents", s.wallets[wk].AvailableCents).
				WithDetail("deltaCents", d.DeltaCents)
		}
		walletNext[wk] = bal
	}

	prepared := make([]Event, 0, len(m.Events))
	pendingHeads := make(map[string]Event, len(m.Events))
	for _, a := range m.Events {
		ev, err := s.prepareEventLocked(a, pendingHeads)
		if err != nil {
			return Gate{}, err
		}
		pendingHeads[ev.StreamID] = ev
		prepared = append(prepared, ev)
	}

	// Apply.
	for wk, bal := range walletNext {
		w := s.wallets[wk]
		if w.TenantID == "" {
			w = WalletAccount{TenantID: m.Gate.TenantID, AgentID: wk[len(m.Gate.TenantID)+1:]}
		}
		w.AvailableCents = bal
		s.wallets[wk] = w
	}

	gate := m.Gate
	gate.Revision = m.ExpectedRevision + 1
	s.gates[gateKey] = gate

	if len(m.LedgerEntries) > 0 {
		lk := scopedKey(m.Gate.TenantID, m.Gate.GateID)
		s.ledger[lk] = append(s.ledger[lk], m.LedgerEntries...)
	}
	if m.Quote != nil {
		s.quotes[scopedKey(m.Quote.TenantID, m.Quote.QuoteID)] = *m.Quote
	}
	if m.Authorization != nil {
		s.auths[scopedKey(m.Authorization.TenantID, m.Authorization.AuthorizationRef)] = *m.Authorization
		s.authsByHash[scopedKey(m.Authorization.TenantID, m.Authorization.TokenHash)] = m.Authorization.AuthorizationRef
	}
	if m.Hold != nil {
		s.holds[scopedKey(m.Hold.TenantID, m.Hold.HoldHash)] = *m.Hold
	}
	if m.HoldUpdate != nil {
		s.holds[scopedKey(m.HoldUpdate.TenantID, m.HoldUpdate.HoldHash)] = *m.HoldUpdate
	}
	if m.Decision != nil {
		s.decisions[scopedKey(m.Decision.TenantID, m.Decision.GateID)] = *m.Decision
	}
	for _, ev := range prepared {
		s.events[ev.StreamID] = append(s.events[ev.StreamID], ev)
	}
	for _, row := range m.Outbox {
		s.outbox[row.DeliveryID] = row
	}
	return gate, nil
}

// prepareEventLocked validates an append against the stream head and builds
// the chained event without inserting it. pendingHeads carries events already
// prepared in the same mutation so multi-append mutations chain correctly.
func (s *MemoryStore) prepareEventLocked(a EventAppend, pendingHeads map[string]Event) (Event, error) {
	prev := GenesisPrevChainHash
	seq := int64(1)
	if head, ok := pendingHeads[a.StreamID]; ok {
		prev = head.ChainHash
		seq = head.Seq + 1
	} else if stream := s.events[a.StreamID]; len(stream) > 0 {
		prev = stream[len(stream)-1].ChainHash
		seq = stream[len(stream)-1].Seq + 1
	}
	if a.ExpectedPrevChainHash != nil && *a.ExpectedPrevChainHash != prev {
		return Event{}, errors.E(errors.CodeEventAppendConflict,
			"stream %q head moved", a.StreamID).
			WithDetail("headSeq", seq-1).
			WithDetail("headChainHash", prev)
	}
	chain, err := ChainHash(prev, a.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:       uuid.NewString(),
		StreamID:      a.StreamID,
		Seq:           seq,
		At:            time.Now().UTC(),
		Payload:       a.Payload,
		PrevChainHash: prev,
		ChainHash:     chain,
		SignerKeyID:   a.SignerKeyID,
		Signature:     a.Signature,
	}, nil
}

func (s *MemoryStore) ListExpiredGates(_ context.Context, now time.Time, limit int) ([]Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Gate
	for _, g := range s.gates {
		if !g.Status.Terminal() && g.Status != GateDisputed && g.ExpiresAt.Before(now) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetQuote(_ context.Context, tenantID, quoteID string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[scopedKey(tenantID, quoteID)]
	if !ok {
		return Quote{}, errors.E(errors.CodeQuoteExpired, "quote %q not found", quoteID)
	}
	return q, nil
}

func (s *MemoryStore) GetAuthorization(_ context.Context, tenantID, ref string) (PaymentAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auths[scopedKey(tenantID, ref)]
	if !ok {
		return PaymentAuthorization{}, errors.E(errors.CodeGateNotFound, "authorization %q not found", ref)
	}
	return a, nil
}

func (s *MemoryStore) GetAuthorizationByTokenHash(_ context.Context, tenantID, tokenHash string) (PaymentAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.authsByHash[scopedKey(tenantID, tokenHash)]
	if !ok {
		return PaymentAuthorization{}, errors.E(errors.CodeGateNotFound, "no authorization for token")
	}
	return s.auths[scopedKey(tenantID, ref)], nil
}

func (s *MemoryStore) GetDecision(_ context.Context, tenantID, gateID string) (SettlementDecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[scopedKey(tenantID, gateID)]
	if !ok {
		return SettlementDecisionRecord{}, errors.E(errors.CodeGateNotFound, "no decision for gate %q", gateID)
	}
	return d, nil
}

func (s *MemoryStore) GetLedgerEntries(_ context.Context, tenantID, gateID string) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.ledger[scopedKey(tenantID, gateID)]
	out := make([]LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) GetHold(_ context.Context, tenantID, holdHash string) (Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[scopedKey(tenantID, holdHash)]
	if !ok {
		return Hold{}, errors.E(errors.CodeHoldNotFound, "hold %q not found", holdHash)
	}
	return h, nil
}

func (s *MemoryStore) ListDueHolds(_ context.Context, now time.Time, limit int) ([]Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Hold
	for _, h := range s.holds {
		if h.Status == HoldHeld && !h.ChallengeWindowEndsAt.After(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChallengeWindowEndsAt.Before(out[j].ChallengeWindowEndsAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, a EventAppend) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.prepareEventLocked(a, nil)
	if err != nil {
		return Event{}, err
	}
	s.events[ev.StreamID] = append(s.events[ev.StreamID], ev)
	return ev, nil
}

func (s *MemoryStore) GetEvents(_ context.Context, streamID string, afterSeq int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events[streamID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetStreamHead(_ context.Context, streamID string) (StreamHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.events[streamID]
	if len(stream) == 0 {
		return StreamHead{HeadChainHash: GenesisPrevChainHash}, nil
	}
	return StreamHead{
		HeadSeq:       stream[len(stream)-1].Seq,
		HeadChainHash: stream[len(stream)-1].ChainHash,
		FirstEventID:  stream[0].EventID,
		LastEventID:   stream[len(stream)-1].EventID,
	}, nil
}

func (s *MemoryStore) GetIdempotency(_ context.Context, tenantID, scope, key string) (IdempotencyRow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.idem[scopedKey(tenantID, scope, key)]
	return row, ok, nil
}

func (s *MemoryStore) PutIdempotency(_ context.Context, row IdempotencyRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scopedKey(row.TenantID, row.Scope, row.Key)
	if _, exists := s.idem[k]; exists {
		return nil
	}
	s.idem[k] = row
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, tenantID, agentID string) (WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[scopedKey(tenantID, agentID)]
	if !ok {
		return WalletAccount{}, errors.E(errors.CodeWalletNotFound, "wallet %q not found", agentID)
	}
	return w, nil
}

func (s *MemoryStore) CreditWallet(_ context.Context, tenantID, agentID string, amountCents int64) (WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scopedKey(tenantID, agentID)
	w, ok := s.wallets[k]
	if !ok {
		w = WalletAccount{TenantID: tenantID, AgentID: agentID}
	}
	w.AvailableCents += amountCents
	s.wallets[k] = w
	return w, nil
}

func (s *MemoryStore) EnqueueOutbox(_ context.Context, rows ...OutboxRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.outbox[row.DeliveryID] = row
	}
	return nil
}

func (s *MemoryStore) DueOutbox(_ context.Context, now time.Time, limit int) ([]OutboxRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboxRow
	for _, row := range s.outbox {
		if row.AckedAt == nil && !row.Failed && !row.NextAttemptAt.After(now) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboxAttempt(_ context.Context, deliveryID string, attempts int, nextAttemptAt time.Time, lastError string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[deliveryID]
	if !ok {
		return errors.E(errors.CodeInternal, "outbox row %q not found", deliveryID)
	}
	row.Attempts = attempts
	row.NextAttemptAt = nextAttemptAt
	row.LastError = lastError
	row.Failed = failed
	s.outbox[deliveryID] = row
	return nil
}

func (s *MemoryStore) MarkOutboxAcked(_ context.Context, deliveryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[deliveryID]
	if !ok {
		return errors.E(errors.CodeInternal, "outbox row %q not found", deliveryID)
	}
	row.AckedAt = &at
	s.outbox[deliveryID] = row
	return nil
}

func (s *MemoryStore) PendingOutboxCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, row := range s.outbox {
		if row.AckedAt == nil && !row.Failed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) WithAdvisoryLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.locksMu.Lock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	s.locksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
