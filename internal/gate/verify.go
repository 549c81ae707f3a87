package gate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/escrow"
	"github.com/SettldHQ/gateway/internal/settlement"
	"github.com/SettldHQ/gateway/internal/storage"
	"github.com/SettldHQ/gateway/internal/token"
)

// Artifact types carried by outbox deliveries.
const (
	ArtifactSettlementReceipt    = "settlement.receipt"
	ArtifactSettlementAdjustment = "settlement.adjustment"
)

// OutboxDestination is the default external receiver for settlement
// artifacts.
const OutboxDestination = "nooterra"

// VerifyRequest is the input to Verify.
type VerifyRequest struct {
	VerificationStatus     string          `json:"verificationStatus"`
	RunStatus              string          `json:"runStatus,omitempty"`
	Policy                 json.RawMessage `json:"policy,omitempty"`
	VerificationMethod     json.RawMessage `json:"verificationMethod,omitempty"`
	VerificationCodes      []string        `json:"verificationCodes,omitempty"`
	EvidenceRefs           []string        `json:"evidenceRefs,omitempty"`
	ProviderSignature      string          `json:"providerSignature,omitempty"`
	ProviderKeyID          string          `json:"providerKeyId,omitempty"`
	ResponseSha256         string          `json:"responseSha256,omitempty"`
	ProviderQuotePayload   map[string]any  `json:"providerQuotePayload,omitempty"`
	ProviderQuoteSignature string          `json:"providerQuoteSignature,omitempty"`
	ParentWorkOrderHash    string          `json:"parentWorkOrderHash,omitempty"`
	ParentAcceptanceHash   string          `json:"parentAcceptanceHash,omitempty"`

	// Evidence of the request that was actually executed, checked against
	// the binding anchored at authorization when the gate is strict-bound.
	RequestMethod        string `json:"requestMethod,omitempty"`
	RequestHost          string `json:"requestHost,omitempty"`
	RequestPathWithQuery string `json:"requestPathWithQuery,omitempty"`
	RequestBodySha256    string `json:"requestBodySha256,omitempty"`
}

// VerifyResult is the settled outcome.
type VerifyResult struct {
	Gate     storage.Gate                     `json:"gate"`
	Decision storage.SettlementDecisionRecord `json:"decision"`
	Receipt  settlement.Receipt               `json:"receipt"`
	Hold     *storage.Hold                    `json:"hold,omitempty"`
}

// Verify evaluates the verification outcome against the policy and settles
// the gate: ledger postings, wallet credits, decision record, hold, events,
// and receipt delivery enqueue move in one mutation.
//
// Provider signature failures do not reject the request; they force the
// verification status to red so the escrow is settled (refunded) rather than
// stranded, with the failure code recorded in reasonCodes.
func (s *Service) Verify(ctx context.Context, tenantID, gateID string, req VerifyRequest) (VerifyResult, error) {
	var result VerifyResult
	err := s.withCASRetry(ctx, tenantID, gateID, func(g storage.Gate) (storage.GateMutation, error) {
		now := s.now().UTC()
		if g.Status != storage.GateAuthorized {
			return storage.GateMutation{}, errors.E(errors.CodeGateInvalidState,
				"gate %q is %s, verify requires authorized", gateID, g.Status)
		}

		// Cascade bindings are re-checked on every verify; a broken chain
		// fails closed before any money moves.
		if g.ParentWorkOrderHash != "" && req.ParentWorkOrderHash != g.ParentWorkOrderHash {
			return storage.GateMutation{}, errors.E(errors.CodeCascadeBindingInvalid,
				"parent work order binding does not match gate %q", gateID)
		}
		if g.ParentAcceptanceHash != "" && req.ParentAcceptanceHash != g.ParentAcceptanceHash {
			return storage.GateMutation{}, errors.E(errors.CodeCascadeBindingInvalid,
				"parent acceptance binding does not match gate %q", gateID)
		}

		verificationStatus := req.VerificationStatus
		reasonCodes := append([]string(nil), req.VerificationCodes...)

		// Strict-bound gates re-derive the binding hash from the executed
		// request. Missing evidence hashes to the wrong value, so absent
		// proof fails closed the same as a tampered request.
		if g.RequestBindingMode == token.BindingModeStrict {
			bound := token.Payload{
				RequestBindingMode:   g.RequestBindingMode,
				RequestBindingSha256: g.RequestBindingSha256,
			}
			if err := token.CheckBinding(bound, req.RequestMethod, req.RequestHost, req.RequestPathWithQuery, req.RequestBodySha256); err != nil {
				verificationStatus = storage.VerificationRed
				reasonCodes = append(reasonCodes, string(errors.From(err).Code))
			}
		}

		// Pinned provider key: signature failures force red.
		if g.ProviderPublicKeyPem != "" {
			claim := token.ProviderResponseClaim{GateID: gateID, ResponseHash: req.ResponseSha256}
			if err := token.VerifyProviderResponse(g.ProviderPublicKeyPem, req.ProviderKeyID, req.ProviderSignature, claim); err != nil {
				verificationStatus = storage.VerificationRed
				reasonCodes = append(reasonCodes, string(errors.From(err).Code))
			}
			if req.ProviderQuoteSignature != "" || req.ProviderQuotePayload != nil {
				if err := token.VerifyProviderQuote(g.ProviderPublicKeyPem, req.ProviderKeyID, req.ProviderQuoteSignature, req.ProviderQuotePayload); err != nil {
					verificationStatus = storage.VerificationRed
					reasonCodes = append(reasonCodes, string(errors.From(err).Code))
				}
			}
		}

		policy, policyHash, err := settlement.NormalizePolicy(req.Policy)
		if err != nil {
			return storage.GateMutation{}, err
		}
		var methodHash string
		if len(req.VerificationMethod) > 0 && string(req.VerificationMethod) != "null" {
			methodHash, err = canonical.Hash(json.RawMessage(req.VerificationMethod))
			if err != nil {
				return storage.GateMutation{}, err
			}
		}

		entries, err := s.store.GetLedgerEntries(ctx, tenantID, gateID)
		if err != nil {
			return storage.GateMutation{}, err
		}
		reserved := escrow.Balance(entries)

		outcome, err := settlement.Decide(settlement.Input{
			Gate:                   g,
			ReservedCents:          reserved,
			VerificationStatus:     verificationStatus,
			Policy:                 policy,
			PolicyHash:             policyHash,
			VerificationMethodHash: methodHash,
			ReasonCodes:            reasonCodes,
			EvidenceRefs:           req.EvidenceRefs,
			DecisionID:             "dec_" + uuid.NewString(),
			Now:                    now,
		})
		if err != nil {
			return storage.GateMutation{}, err
		}
		d := outcome.Decision

		postings, err := escrow.SettlementPostings(tenantID, gateID, reserved,
			d.ReleasedAmountCents, d.RefundedAmountCents, d.HeldbackAmountCents, now)
		if err != nil {
			return storage.GateMutation{}, err
		}

		var deltas []storage.WalletDelta
		if d.ReleasedAmountCents > 0 {
			deltas = append(deltas, storage.WalletDelta{AgentID: g.PayeeAgentID, DeltaCents: d.ReleasedAmountCents})
		}
		if d.RefundedAmountCents > 0 {
			deltas = append(deltas, storage.WalletDelta{AgentID: g.PayerAgentID, DeltaCents: d.RefundedAmountCents})
		}

		if outcome.Hold != nil {
			g.Status = storage.GateVerified
		} else {
			g.Status = storage.GateResolved
		}
		g.UpdatedAt = now

		verifiedEv, err := eventPayload(EventGateVerified, gateID, map[string]any{
			"verificationStatus": d.VerificationStatus,
			"decisionId":         d.DecisionID,
		})
		if err != nil {
			return storage.GateMutation{}, err
		}
		// The first append anchors on the stream head observed in this
		// attempt. An out-of-band writer then surfaces
		// SESSION_EVENT_APPEND_CONFLICT with the head metadata; concurrent
		// verifies resolve earlier at the revision CAS.
		head, err := s.store.GetStreamHead(ctx, gateID)
		if err != nil {
			return storage.GateMutation{}, err
		}
		expectedHead := head.HeadChainHash
		verifiedEv.ExpectedPrevChainHash = &expectedHead
		decidedEv, err := eventPayload(EventSettlementDecided, gateID, map[string]any{
			"decisionId":          d.DecisionID,
			"decisionHash":        d.DecisionHash,
			"releasedAmountCents": d.ReleasedAmountCents,
			"refundedAmountCents": d.RefundedAmountCents,
			"heldbackAmountCents": d.HeldbackAmountCents,
		})
		if err != nil {
			return storage.GateMutation{}, err
		}

		var quoteRaw json.RawMessage
		if req.ProviderQuotePayload != nil {
			quoteRaw, err = canonical.Marshal(req.ProviderQuotePayload)
			if err != nil {
				return storage.GateMutation{}, err
			}
		}
		receipt, err := settlement.BuildReceipt(g, d, req.ProviderSignature, quoteRaw, g.AgentPassport, append(entries, postings...))
		if err != nil {
			return storage.GateMutation{}, err
		}
		receipt, err = settlement.SignReceipt(receipt, s.signer)
		if err != nil {
			return storage.GateMutation{}, err
		}
		receiptBody, err := json.Marshal(receipt)
		if err != nil {
			return storage.GateMutation{}, errors.E(errors.CodeInternal, "encode receipt: %v", err)
		}

		result = VerifyResult{Gate: g, Decision: d, Receipt: receipt, Hold: outcome.Hold}
		return storage.GateMutation{
			Gate:             g,
			ExpectedRevision: g.Revision,
			WalletDeltas:     deltas,
			LedgerEntries:    postings,
			Hold:             outcome.Hold,
			Decision:         &d,
			Events:           []storage.EventAppend{verifiedEv, decidedEv},
			Outbox: []storage.OutboxRow{{
				DeliveryID:    "del_" + uuid.NewString(),
				TenantID:      tenantID,
				DestinationID: OutboxDestination,
				DedupeKey:     gateID + ":" + d.DecisionHash,
				ArtifactType:  ArtifactSettlementReceipt,
				ArtifactHash:  receipt.ReceiptHash,
				Body:          receiptBody,
				NextAttemptAt: now,
				CreatedAt:     now,
			}},
		}, nil
	})
	if err != nil {
		return VerifyResult{}, err
	}
	result.Gate.Revision++
	s.logger.Info().
		Str("gate_id", gateID).
		Str("verification_status", result.Decision.VerificationStatus).
		Int64("released_cents", result.Decision.ReleasedAmountCents).
		Int64("refunded_cents", result.Decision.RefundedAmountCents).
		Int64("heldback_cents", result.Decision.HeldbackAmountCents).
		Msg("gate: verified and settled")
	return result, nil
}

// ResolveHold drains a hold after its challenge window closes or a verdict
// lands. Release pays the payee, refund returns to the payer. Resolving an
// already-resolved hold is a no-op; a disputed hold refuses automatic
// resolution and waits for ResolveDispute.
func (s *Service) ResolveHold(ctx context.Context, tenantID, holdHash string, refund bool, reason string) (storage.Hold, error) {
	h, err := s.store.GetHold(ctx, tenantID, holdHash)
	if err != nil {
		return storage.Hold{}, err
	}
	switch h.Status {
	case storage.HoldReleased, storage.HoldRefunded:
		return h, nil
	case storage.HoldDisputed:
		return storage.Hold{}, errors.E(errors.CodeHoldDisputed,
			"hold %q is under dispute", holdHash)
	}
	return s.resolveHoldFrom(ctx, tenantID, holdHash, storage.HoldHeld, refund, reason)
}

// Challenge freezes a held holdback before its window closes. The hold and
// its gate flip to disputed; the sweep skips disputed holds until an
// operator verdict lands through ResolveDispute.
func (s *Service) Challenge(ctx context.Context, tenantID, holdHash, reason string) (storage.Hold, error) {
	h, err := s.store.GetHold(ctx, tenantID, holdHash)
	if err != nil {
		return storage.Hold{}, err
	}

	var disputed storage.Hold
	err = s.withCASRetry(ctx, tenantID, h.GateID, func(g storage.Gate) (storage.GateMutation, error) {
		now := s.now().UTC()
		current, err := s.store.GetHold(ctx, tenantID, holdHash)
		if err != nil {
			return storage.GateMutation{}, err
		}
		switch current.Status {
		case storage.HoldDisputed:
			disputed = current
			return storage.GateMutation{}, errAlreadyResolved
		case storage.HoldReleased, storage.HoldRefunded:
			return storage.GateMutation{}, errors.E(errors.CodeGateInvalidState,
				"hold %q is already %s", holdHash, current.Status)
		}
		if !now.Before(current.ChallengeWindowEndsAt) {
			return storage.GateMutation{}, errors.E(errors.CodeChallengeWindowExpired,
				"challenge window for hold %q closed at %s", holdHash,
				current.ChallengeWindowEndsAt.Format(time.RFC3339))
		}

		update := current
		update.Status = storage.HoldDisputed
		g.Status = storage.GateDisputed
		g.UpdatedAt = now

		ev, err := eventPayload(EventHoldbackDisputed, g.GateID, map[string]any{
			"holdHash":    holdHash,
			"amountCents": current.AmountCents,
			"reason":      reason,
		})
		if err != nil {
			return storage.GateMutation{}, err
		}

		disputed = update
		return storage.GateMutation{
			Gate:             g,
			ExpectedRevision: g.Revision,
			HoldUpdate:       &update,
			Events:           []storage.EventAppend{ev},
		}, nil
	})
	if err == errAlreadyResolved {
		return disputed, nil
	}
	if err != nil {
		return storage.Hold{}, err
	}
	s.logger.Info().
		Str("hold_hash", holdHash).
		Str("reason", reason).
		Msg("gate: holdback challenged")
	return disputed, nil
}

// ResolveDispute settles a challenged hold with an operator verdict. Release
// pays the payee after all, refund returns the holdback to the payer.
func (s *Service) ResolveDispute(ctx context.Context, tenantID, holdHash string, refund bool, reason string) (storage.Hold, error) {
	h, err := s.store.GetHold(ctx, tenantID, holdHash)
	if err != nil {
		return storage.Hold{}, err
	}
	switch h.Status {
	case storage.HoldReleased, storage.HoldRefunded:
		return h, nil
	case storage.HoldHeld:
		return storage.Hold{}, errors.E(errors.CodeGateInvalidState,
			"hold %q is not under dispute", holdHash)
	}
	return s.resolveHoldFrom(ctx, tenantID, holdHash, storage.HoldDisputed, refund, reason)
}

// resolveHoldFrom drains a hold currently in the given status, crediting the
// winning wallet and resolving the gate. All movement rides one mutation.
func (s *Service) resolveHoldFrom(ctx context.Context, tenantID, holdHash string, from storage.HoldStatus, refund bool, reason string) (storage.Hold, error) {
	h, err := s.store.GetHold(ctx, tenantID, holdHash)
	if err != nil {
		return storage.Hold{}, err
	}

	var resolved storage.Hold
	err = s.withCASRetry(ctx, tenantID, h.GateID, func(g storage.Gate) (storage.GateMutation, error) {
		now := s.now().UTC()
		current, err := s.store.GetHold(ctx, tenantID, holdHash)
		if err != nil {
			return storage.GateMutation{}, err
		}
		if current.Status == storage.HoldReleased || current.Status == storage.HoldRefunded {
			resolved = current
			return storage.GateMutation{}, errAlreadyResolved
		}
		if current.Status != from {
			return storage.GateMutation{}, errors.E(errors.CodeGateInvalidState,
				"hold %q is %s", holdHash, current.Status)
		}

		update := current
		eventType := EventHoldbackReleased
		creditAgent := g.PayeeAgentID
		if refund {
			update.Status = storage.HoldRefunded
			eventType = EventHoldbackRefunded
			creditAgent = g.PayerAgentID
		} else {
			update.Status = storage.HoldReleased
		}

		g.Status = storage.GateResolved
		g.UpdatedAt = now

		ev, err := eventPayload(eventType, g.GateID, map[string]any{
			"holdHash":    holdHash,
			"amountCents": current.AmountCents,
			"reason":      reason,
		})
		if err != nil {
			return storage.GateMutation{}, err
		}

		// One deterministic adjustment per holdHash; the dedupe key makes
		// redelivery idempotent at the receiver.
		adjustment := map[string]any{
			"type":        ArtifactSettlementAdjustment,
			"holdHash":    holdHash,
			"gateId":      g.GateID,
			"amountCents": current.AmountCents,
			"resolution":  string(update.Status),
			"reason":      reason,
		}
		adjBody, err := canonical.Marshal(adjustment)
		if err != nil {
			return storage.GateMutation{}, err
		}

		resolved = update
		return storage.GateMutation{
			Gate:             g,
			ExpectedRevision: g.Revision,
			WalletDeltas:     []storage.WalletDelta{{AgentID: creditAgent, DeltaCents: current.AmountCents}},
			LedgerEntries: []storage.LedgerEntry{
				escrow.HoldResolutionPosting(tenantID, g.GateID, current.AmountCents, refund, "", now),
			},
			HoldUpdate: &update,
			Events:     []storage.EventAppend{ev},
			Outbox: []storage.OutboxRow{{
				DeliveryID:    "del_" + uuid.NewString(),
				TenantID:      tenantID,
				DestinationID: OutboxDestination,
				DedupeKey:     "adjustment:" + holdHash,
				ArtifactType:  ArtifactSettlementAdjustment,
				ArtifactHash:  canonical.HashBytes(adjBody),
				Body:          adjBody,
				NextAttemptAt: now,
				CreatedAt:     now,
			}},
		}, nil
	})
	if err == errAlreadyResolved {
		return resolved, nil
	}
	if err != nil {
		return storage.Hold{}, err
	}
	s.logger.Info().
		Str("hold_hash", holdHash).
		Bool("refund", refund).
		Str("reason", reason).
		Msg("gate: hold resolved")
	return resolved, nil
}

// Expire flips an overdue, non-terminal gate to expired and refunds any
// escrow balance back to the payer.
func (s *Service) Expire(ctx context.Context, tenantID, gateID string) (storage.Gate, error) {
	var expired storage.Gate
	err := s.withCASRetry(ctx, tenantID, gateID, func(g storage.Gate) (storage.GateMutation, error) {
		now := s.now().UTC()
		if g.Status.Terminal() || g.Status == storage.GateDisputed {
			expired = g
			return storage.GateMutation{}, errAlreadyResolved
		}
		if now.Before(g.ExpiresAt) {
			return storage.GateMutation{}, errors.E(errors.CodeGateInvalidState,
				"gate %q has not expired yet", gateID)
		}

		entries, err := s.store.GetLedgerEntries(ctx, tenantID, gateID)
		if err != nil {
			return storage.GateMutation{}, err
		}
		balance := escrow.Balance(entries)

		m := storage.GateMutation{ExpectedRevision: g.Revision}
		if balance > 0 {
			postings, err := escrow.SettlementPostings(tenantID, gateID, balance, 0, balance, 0, now)
			if err != nil {
				return storage.GateMutation{}, err
			}
			m.LedgerEntries = postings
			m.WalletDeltas = []storage.WalletDelta{{AgentID: g.PayerAgentID, DeltaCents: balance}}
		}

		g.Status = storage.GateExpired
		g.UpdatedAt = now
		ev, err := eventPayload(EventGateExpired, gateID, map[string]any{
			"code":                string(errors.CodeGateAutoExpired),
			"refundedAmountCents": balance,
		})
		if err != nil {
			return storage.GateMutation{}, err
		}
		m.Gate = g
		m.Events = []storage.EventAppend{ev}
		expired = g
		return m, nil
	})
	if err == errAlreadyResolved {
		return expired, nil
	}
	if err != nil {
		return storage.Gate{}, err
	}
	expired.Revision++
	return expired, nil
}

// errAlreadyResolved short-circuits CAS retry loops for idempotent no-ops.
var errAlreadyResolved = errors.E(errors.CodeGateInvalidState, "already resolved")
