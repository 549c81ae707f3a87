// Package gate implements the verify-before-release lifecycle: create,
// quote, authorize-payment, verify, and the maintenance-driven expiry and
// hold-resolution transitions. Every mutation goes through a single
// storage.GateMutation so the gate row, ledger, wallets, events, and outbox
// move together or not at all.
package gate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/escrow"
	"github.com/SettldHQ/gateway/internal/signing"
	"github.com/SettldHQ/gateway/internal/storage"
	"github.com/SettldHQ/gateway/internal/token"
)

// Event types appended to the per-gate stream.
const (
	EventGateCreated       = "GATE_CREATED"
	EventGateQuoted        = "GATE_QUOTED"
	EventGateAuthorized    = "GATE_AUTHORIZED"
	EventGateVerified      = "GATE_VERIFIED"
	EventSettlementDecided = "SETTLEMENT_DECIDED"
	EventGateExpired       = "GATE_EXPIRED"
	EventHoldbackReleased  = "HOLDBACK_RELEASED"
	EventHoldbackRefunded  = "HOLDBACK_REFUNDED"
	EventHoldbackDisputed  = "HOLDBACK_DISPUTED"
)

// casRetries bounds optimistic-concurrency retries before surfacing
// CONCURRENT_MODIFICATION to the caller.
const casRetries = 3

// Config tunes the lifecycle windows.
type Config struct {
	GateTTL  time.Duration
	QuoteTTL time.Duration
	TokenTTL time.Duration
}

// DefaultConfig returns the production windows.
func DefaultConfig() Config {
	return Config{
		GateTTL:  15 * time.Minute,
		QuoteTTL: 5 * time.Minute,
		TokenTTL: token.DefaultTTL,
	}
}

// Service orchestrates gate state transitions.
type Service struct {
	store  storage.Store
	signer *signing.KeyPair
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewService wires the gate service. signer is the tenant signing key used
// for payment tokens and settlement receipts.
func NewService(store storage.Store, signer *signing.KeyPair, cfg Config, logger zerolog.Logger) *Service {
	if cfg.GateTTL <= 0 {
		cfg.GateTTL = DefaultConfig().GateTTL
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = DefaultConfig().QuoteTTL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultConfig().TokenTTL
	}
	return &Service{
		store:  store,
		signer: signer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SignerKeyID exposes the tenant signing key id for the keyset endpoint.
func (s *Service) SignerKeyID() string { return s.signer.KeyID }

// SignerPublicKey exposes the tenant public key for the keyset endpoint.
func (s *Service) SignerPublicKey() *signing.KeyPair { return s.signer }

// CreateRequest is the input to Create.
type CreateRequest struct {
	PayerAgentID          string `json:"payerAgentId"`
	PayeeAgentID          string `json:"payeeAgentId"`
	AmountCents           int64  `json:"amountCents"`
	Currency              string `json:"currency"`
	HoldbackBps           int    `json:"holdbackBps"`
	DisputeWindowMs       int64  `json:"disputeWindowMs"`
	ToolID                string `json:"toolId,omitempty"`
	ProviderID            string `json:"providerId,omitempty"`
	PaymentRequiredHeader string `json:"paymentRequiredHeader,omitempty"`
	ProviderPublicKeyPem  string `json:"providerPublicKeyPem,omitempty"`
	AgentPassport         string `json:"agentPassport,omitempty"`
	ParentWorkOrderHash   string `json:"parentWorkOrderHash,omitempty"`
	ParentAcceptanceHash  string `json:"parentAcceptanceHash,omitempty"`

	// AutoFundPayerCents credits the payer wallet on creation. Demo rail.
	AutoFundPayerCents int64 `json:"autoFundPayerCents,omitempty"`
}

func (r CreateRequest) validate() error {
	if r.PayerAgentID == "" || r.PayeeAgentID == "" {
		return errors.E(errors.CodeFieldMissing, "payerAgentId and payeeAgentId are required")
	}
	if r.AmountCents <= 0 {
		return errors.E(errors.CodeAmountInvalid, "amountCents must be positive")
	}
	if len(r.Currency) != 3 || r.Currency != strings.ToUpper(r.Currency) {
		return errors.E(errors.CodeCurrencyInvalid, "currency must be ISO 4217 upper case")
	}
	if r.HoldbackBps < 0 || r.HoldbackBps > 10000 {
		return errors.E(errors.CodeRequestInvalid, "holdbackBps must be in [0,10000]")
	}
	if r.DisputeWindowMs < 0 {
		return errors.E(errors.CodeRequestInvalid, "disputeWindowMs must be non-negative")
	}
	if r.AutoFundPayerCents < 0 {
		return errors.E(errors.CodeAmountInvalid, "autoFundPayerCents must be non-negative")
	}
	return nil
}

// Create inserts a new gate with its GATE_CREATED event and optional payer
// autofund.
func (s *Service) Create(ctx context.Context, tenantID string, req CreateRequest) (storage.Gate, error) {
	if tenantID == "" {
		return storage.Gate{}, errors.E(errors.CodeTenantMissing, "tenant id required")
	}
	if err := req.validate(); err != nil {
		return storage.Gate{}, err
	}

	now := s.now().UTC()
	g := storage.Gate{
		GateID:                   "gate_" + uuid.NewString(),
		TenantID:                 tenantID,
		PayerAgentID:             req.PayerAgentID,
		PayeeAgentID:             req.PayeeAgentID,
		AmountCents:              req.AmountCents,
		Currency:                 req.Currency,
		HoldbackBps:              req.HoldbackBps,
		DisputeWindowMs:          req.DisputeWindowMs,
		ToolID:                   req.ToolID,
		ProviderID:               req.ProviderID,
		Status:                   storage.GateCreated,
		CreatedAt:                now,
		UpdatedAt:                now,
		ExpiresAt:                now.Add(s.cfg.GateTTL),
		PaymentRequiredHeaderRaw: req.PaymentRequiredHeader,
		ProviderPublicKeyPem:     req.ProviderPublicKeyPem,
		AgentPassport:            req.AgentPassport,
		ParentWorkOrderHash:      req.ParentWorkOrderHash,
		ParentAcceptanceHash:     req.ParentAcceptanceHash,
	}

	m := storage.GateMutation{Gate: g}
	if req.AutoFundPayerCents > 0 {
		m.WalletDeltas = append(m.WalletDeltas, storage.WalletDelta{
			AgentID:    req.PayerAgentID,
			DeltaCents: req.AutoFundPayerCents,
		})
	}
	ev, err := eventPayload(EventGateCreated, g.GateID, map[string]any{
		"amountCents": g.AmountCents,
		"currency":    g.Currency,
	})
	if err != nil {
		return storage.Gate{}, err
	}
	m.Events = append(m.Events, ev)

	created, err := s.store.ApplyGateMutation(ctx, m)
	if err != nil {
		return storage.Gate{}, err
	}
	s.logger.Info().
		Str("gate_id", created.GateID).
		Str("tenant_id", tenantID).
		Int64("amount_cents", created.AmountCents).
		Msg("gate: created")
	return created, nil
}

// QuoteRequest pins request-binding expectations before authorization.
type QuoteRequest struct {
	RequestBindingMode   string `json:"requestBindingMode"`
	RequestBindingSha256 string `json:"requestBindingSha256,omitempty"`
	QuoteID              string `json:"quoteId,omitempty"`
}

// Quote stores a quote for the gate and moves it to quoted.
func (s *Service) Quote(ctx context.Context, tenantID, gateID string, req QuoteRequest) (storage.Gate, storage.Quote, error) {
	mode := strings.ToLower(strings.TrimSpace(req.RequestBindingMode))
	if mode == "" {
		mode = token.BindingModeNone
	}
	if mode != token.BindingModeNone && mode != token.BindingModeStrict {
		return storage.Gate{}, storage.Quote{}, errors.E(errors.CodeRequestInvalid,
			"unknown requestBindingMode %q", req.RequestBindingMode)
	}
	if mode == token.BindingModeStrict && req.RequestBindingSha256 == "" {
		return storage.Gate{}, storage.Quote{}, errors.E(errors.CodeQuoteRequestBindingMissing,
			"strict binding requires requestBindingSha256")
	}

	var outGate storage.Gate
	var outQuote storage.Quote
	err := s.withCASRetry(ctx, tenantID, gateID, func(g storage.Gate) (storage.GateMutation, error) {
		now := s.now().UTC()
		if err := s.checkNotExpired(g, now); err != nil {
			return storage.GateMutation{}, err
		}
		if g.Status != storage.GateCreated && g.Status != storage.GateQuoted {
			return storage.GateMutation{}, errors.E(errors.CodeGateInvalidState,
				"gate %q is %s, quote requires created or quoted", gateID, g.Status)
		}

		quoteID := req.QuoteID
		if quoteID == "" {
			quoteID = "quote_" + uuid.NewString()
		}
		q := storage.Quote{
			QuoteID:              quoteID,
			GateID:               gateID,
			TenantID:             tenantID,
			RequestBindingMode:   mode,
			RequestBindingSha256: req.RequestBindingSha256,
			ProviderID:           g.ProviderID,
			ToolID:               g.ToolID,
			CreatedAt:            now,
			ExpiresAt:            now.Add(s.cfg.QuoteTTL),
		}
		hash, err := ComputeQuoteHash(q)
		if err != nil {
			return storage.GateMutation{}, err
		}
		q.QuoteHash = hash

		g.Status = storage.GateQuoted
		g.UpdatedAt = now
		ev, err := eventPayload(EventGateQuoted, gateID, map[string]any{
			"quoteId":   q.QuoteID,
			"quoteHash": q.QuoteHash,
		})
		if err != nil {
			return storage.GateMutation{}, err
		}
		outQuote = q
		outGate = g
		return storage.GateMutation{
			Gate:             g,
			ExpectedRevision: g.Revision,
			Quote:            &q,
			Events:           []storage.EventAppend{ev},
		}, nil
	})
	if err != nil {
		return storage.Gate{}, storage.Quote{}, err
	}
	outGate.Revision++
	return outGate, outQuote, nil
}

// ComputeQuoteHash canonical-hashes the full quote body with quoteHash
// nulled. Recomputing over a stored quote must reproduce the stored hash.
func ComputeQuoteHash(q storage.Quote) (string, error) {
	q.QuoteHash = ""
	raw, err := json.Marshal(q)
	if err != nil {
		return "", errors.E(errors.CodeInternal, "encode quote: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", errors.E(errors.CodeInternal, "decode quote: %v", err)
	}
	m["quoteHash"] = nil
	return canonical.Hash(m)
}

// AuthorizeRequest is the input to AuthorizePayment.
type AuthorizeRequest struct {
	RequestBindingMode   string `json:"requestBindingMode,omitempty"`
	RequestBindingSha256 string `json:"requestBindingSha256,omitempty"`
	QuoteID              string `json:"quoteId,omitempty"`
}

// AuthorizeResult carries the minted token back to the caller. The token is
// never persisted; only its hash is.
type AuthorizeResult struct {
	Gate             storage.Gate `json:"gate"`
	Token            string       `json:"token"`
	AuthorizationRef string       `json:"authorizationRef"`
	QuoteID          string       `json:"quoteId,omitempty"`
	ExpiresAt        time.Time    `json:"expiresAt"`
}

// AuthorizePayment reserves escrow and mints a SettldPay token bound to the
// gate's quote, atomically.
func (s *Service) AuthorizePayment(ctx context.Context, tenantID, gateID string, req AuthorizeRequest) (AuthorizeResult, error) {
	var result AuthorizeResult
	err := s.withCASRetry(ctx, tenantID, gateID, func(g storage.Gate) (storage.GateMutation, error) {
		now := s.now().UTC()
		if err := s.checkNotExpired(g, now); err != nil {
			return storage.GateMutation{}, err
		}
		if g.Status != storage.GateCreated && g.Status != storage.GateQuoted {
			return storage.GateMutation{}, errors.E(errors.CodeGateInvalidState,
				"gate %q is %s, authorize requires created or quoted", gateID, g.Status)
		}

		bindingMode := strings.ToLower(strings.TrimSpace(req.RequestBindingMode))
		if bindingMode == "" {
			bindingMode = token.BindingModeNone
		}
		bindingHash := req.RequestBindingSha256

		// A quoted gate with a strict-binding quote requires the
		// authorization to reference that quote and inherits its binding.
		if g.Status == storage.GateQuoted {
			if req.QuoteID == "" {
				return storage.GateMutation{}, errors.E(errors.CodeAuthQuoteBindingMismatch,
					"gate %q is quoted; authorization must carry quoteId", gateID)
			}
			q, err := s.store.GetQuote(ctx, tenantID, req.QuoteID)
			if err != nil {
				return storage.GateMutation{}, errors.E(errors.CodeAuthQuoteBindingMismatch,
					"quote %q not found for gate %q", req.QuoteID, gateID)
			}
			if q.GateID != gateID {
				return storage.GateMutation{}, errors.E(errors.CodeAuthQuoteBindingMismatch,
					"quote %q belongs to another gate", req.QuoteID)
			}
			if now.After(q.ExpiresAt) {
				return storage.GateMutation{}, errors.E(errors.CodeQuoteExpired, "quote %q expired", req.QuoteID)
			}
			bindingMode = q.RequestBindingMode
			bindingHash = q.RequestBindingSha256
		}
		if bindingMode == token.BindingModeStrict && bindingHash == "" {
			return storage.GateMutation{}, errors.E(errors.CodeQuoteRequestBindingMissing,
				"strict binding requires requestBindingSha256")
		}

		expiresAt := now.Add(s.cfg.TokenTTL)
		payload := token.Payload{
			TenantID:             tenantID,
			GateID:               gateID,
			PayerAgentID:         g.PayerAgentID,
			PayeeAgentID:         g.PayeeAgentID,
			AmountCents:          g.AmountCents,
			Currency:             g.Currency,
			IssuedAt:             now.UnixMilli(),
			ExpiresAt:            expiresAt.UnixMilli(),
			Nonce:                uuid.NewString(),
			RequestBindingMode:   bindingMode,
			RequestBindingSha256: bindingHash,
		}
		tok, err := token.Mint(payload, s.signer)
		if err != nil {
			return storage.GateMutation{}, err
		}

		auth := storage.PaymentAuthorization{
			AuthorizationRef: "auth_" + uuid.NewString(),
			GateID:           gateID,
			TenantID:         tenantID,
			QuoteID:          req.QuoteID,
			TokenHash:        token.Hash(tok),
			CreatedAt:        now,
			ExpiresAt:        expiresAt,
		}

		g.Status = storage.GateAuthorized
		g.UpdatedAt = now
		g.RequestBindingMode = bindingMode
		g.RequestBindingSha256 = bindingHash
		ev, err := eventPayload(EventGateAuthorized, gateID, map[string]any{
			"authorizationRef": auth.AuthorizationRef,
			"tokenHash":        auth.TokenHash,
			"expiresAt":        expiresAt.UnixMilli(),
		})
		if err != nil {
			return storage.GateMutation{}, err
		}

		result = AuthorizeResult{
			Gate:             g,
			Token:            tok,
			AuthorizationRef: auth.AuthorizationRef,
			QuoteID:          req.QuoteID,
			ExpiresAt:        expiresAt,
		}
		return storage.GateMutation{
			Gate:             g,
			ExpectedRevision: g.Revision,
			WalletDeltas:     []storage.WalletDelta{{AgentID: g.PayerAgentID, DeltaCents: -g.AmountCents}},
			LedgerEntries:    []storage.LedgerEntry{escrow.Reserve(tenantID, gateID, g.AmountCents, now)},
			Authorization:    &auth,
			Events:           []storage.EventAppend{ev},
		}, nil
	})
	if err != nil {
		return AuthorizeResult{}, err
	}
	result.Gate.Revision++
	s.logger.Info().
		Str("gate_id", gateID).
		Str("authorization_ref", result.AuthorizationRef).
		Msg("gate: payment authorized")
	return result, nil
}

// Get returns the gate with its decision when one exists.
func (s *Service) Get(ctx context.Context, tenantID, gateID string) (storage.Gate, *storage.SettlementDecisionRecord, error) {
	g, err := s.store.GetGate(ctx, tenantID, gateID)
	if err != nil {
		return storage.Gate{}, nil, err
	}
	d, err := s.store.GetDecision(ctx, tenantID, gateID)
	if err != nil {
		return g, nil, nil
	}
	return g, &d, nil
}

// checkNotExpired fails a mutation against a gate whose clock has run out.
// The state flip to expired is the maintenance sweep's job; here we only
// refuse to build on a stale gate.
func (s *Service) checkNotExpired(g storage.Gate, now time.Time) error {
	if g.Status.Terminal() {
		return errors.E(errors.CodeGateInvalidState, "gate %q is %s", g.GateID, g.Status)
	}
	if now.After(g.ExpiresAt) {
		return errors.E(errors.CodeGateExpired, "gate %q expired at %s", g.GateID, g.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// withCASRetry re-reads the gate and re-applies build on revision conflicts,
// up to casRetries attempts.
func (s *Service) withCASRetry(ctx context.Context, tenantID, gateID string, build func(g storage.Gate) (storage.GateMutation, error)) error {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		g, err := s.store.GetGate(ctx, tenantID, gateID)
		if err != nil {
			return err
		}
		m, err := build(g)
		if err != nil {
			return err
		}
		if _, err := s.store.ApplyGateMutation(ctx, m); err != nil {
			if errors.HasCode(err, errors.CodeConcurrentModification) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func eventPayload(eventType, gateID string, fields map[string]any) (storage.EventAppend, error) {
	payload := map[string]any{"type": eventType, "gateId": gateID}
	for k, v := range fields {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return storage.EventAppend{}, errors.E(errors.CodeInternal, "encode event: %v", err)
	}
	return storage.EventAppend{StreamID: gateID, Payload: raw}, nil
}
