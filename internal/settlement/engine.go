// Package settlement evaluates policies into immutable, replayable
// settlement decisions. The same inputs always produce the same
// decisionHash; that property is what makes receipts audit-proof.
package settlement

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/storage"
)

// DecisionSchemaVersion identifies the record layout.
const DecisionSchemaVersion = "settld-decision.v2"

// Input carries everything the engine needs to decide a gate.
type Input struct {
	Gate               storage.Gate
	ReservedCents      int64
	VerificationStatus string
	Policy             Policy
	PolicyHash         string
	VerificationMethodHash string
	ReasonCodes        []string
	EvidenceRefs       []string
	DecisionID         string
	Now                time.Time
}

// Outcome is the decided split plus the optional hold it creates.
type Outcome struct {
	Decision storage.SettlementDecisionRecord
	Hold     *storage.Hold
}

// Decide evaluates the policy against the verification status and returns
// the decision record with its hash computed, plus the holdback hold when
// one applies. The split always satisfies released + refunded + heldback ==
// reserved or the decision is rejected.
func Decide(in Input) (Outcome, error) {
	switch in.VerificationStatus {
	case storage.VerificationGreen, storage.VerificationAmber, storage.VerificationRed:
	default:
		return Outcome{}, errors.E(errors.CodeRequestInvalid,
			"unknown verificationStatus %q", in.VerificationStatus)
	}
	if in.ReservedCents < 0 {
		return Outcome{}, errors.E(errors.CodeSettlementSplitInvalid, "negative reserved amount")
	}

	var released, refunded, heldback int64
	decisionMode := in.Policy.Mode
	if in.Policy.Mode == ModeManual {
		// Manual gates release nothing automatically; the full reserve waits
		// in escrow for the verdict.
		heldback = in.ReservedCents
	} else {
		rateBps := int64(math.Round(in.Policy.rateFor(in.VerificationStatus) * 100))
		released = mulDivFloor(in.ReservedCents, rateBps, 10000)
		if released > in.ReservedCents {
			released = in.ReservedCents
		}
		refunded = in.ReservedCents - released
		if in.Gate.HoldbackBps > 0 && released > 0 {
			heldback = mulDivFloor(released, int64(in.Gate.HoldbackBps), 10000)
			released -= heldback
		}
	}
	if released+refunded+heldback != in.ReservedCents {
		return Outcome{}, errors.E(errors.CodeSettlementSplitInvalid,
			"split %d+%d+%d does not equal reserved %d",
			released, refunded, heldback, in.ReservedCents)
	}

	decision := storage.SettlementDecisionRecord{
		SchemaVersion:              DecisionSchemaVersion,
		DecisionID:                 in.DecisionID,
		GateID:                     in.Gate.GateID,
		TenantID:                   in.Gate.TenantID,
		VerificationStatus:         in.VerificationStatus,
		DecisionMode:               decisionMode,
		PolicyHashUsed:             in.PolicyHash,
		VerificationMethodHashUsed: in.VerificationMethodHash,
		ReleasedAmountCents:        released,
		RefundedAmountCents:        refunded,
		HeldbackAmountCents:        heldback,
		ReasonCodes:                sortedUnique(in.ReasonCodes),
		EvidenceRefs:               sortedUnique(in.EvidenceRefs),
		DecidedAt:                  in.Now.UTC(),
	}
	hash, err := ComputeDecisionHash(decision)
	if err != nil {
		return Outcome{}, err
	}
	decision.DecisionHash = hash

	var hold *storage.Hold
	if heldback > 0 {
		holdHash, err := HoldHash(in.Gate.GateID, heldback, in.Now, in.Gate.DisputeWindowMs, in.PolicyHash)
		if err != nil {
			return Outcome{}, err
		}
		hold = &storage.Hold{
			HoldHash:              holdHash,
			GateID:                in.Gate.GateID,
			TenantID:              in.Gate.TenantID,
			AmountCents:           heldback,
			CreatedAt:             in.Now.UTC(),
			DisputeWindowMs:       in.Gate.DisputeWindowMs,
			PolicyHash:            in.PolicyHash,
			Status:                storage.HoldHeld,
			ChallengeWindowEndsAt: in.Now.UTC().Add(time.Duration(in.Gate.DisputeWindowMs) * time.Millisecond),
		}
	}
	return Outcome{Decision: decision, Hold: hold}, nil
}

// ComputeDecisionHash canonical-hashes the record with decisionHash nulled.
// Replaying a stored decision through this function must reproduce the
// stored hash byte for byte.
func ComputeDecisionHash(d storage.SettlementDecisionRecord) (string, error) {
	d.DecisionHash = ""
	raw, err := json.Marshal(d)
	if err != nil {
		return "", errors.E(errors.CodeInternal, "encode decision: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", errors.E(errors.CodeInternal, "decode decision: %v", err)
	}
	m["decisionHash"] = nil
	return canonical.Hash(m)
}

// VerifyDecisionHash recomputes a stored decision's hash and reports drift.
func VerifyDecisionHash(d storage.SettlementDecisionRecord) error {
	want, err := ComputeDecisionHash(d)
	if err != nil {
		return err
	}
	if want != d.DecisionHash {
		return errors.E(errors.CodeSettlementSplitInvalid,
			"decision %q hash drifted", d.DecisionID).
			WithDetail("stored", d.DecisionHash).
			WithDetail("recomputed", want)
	}
	return nil
}

// HoldHash derives the deterministic hold identity. createdAt enters as
// epoch milliseconds so the hash survives serialization round trips.
func HoldHash(gateID string, amountCents int64, createdAt time.Time, disputeWindowMs int64, policyHash string) (string, error) {
	return canonical.Hash(map[string]any{
		"gateId":          gateID,
		"amountCents":     amountCents,
		"createdAt":       createdAt.UTC().UnixMilli(),
		"disputeWindowMs": disputeWindowMs,
		"policyHash":      policyHash,
	})
}

// mulDivFloor computes floor(a*b/c) without overflowing the intermediate
// product. Splitting a as q*c + r gives q*b + r*b/c, and r*b stays below
// c*b which fits for any basis-point divisor against int64 cents.
func mulDivFloor(a, b, c int64) int64 {
	return a/c*b + a%c*b/c
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
