// Package escrow builds and audits the double-entry postings for gate escrow
// accounts. Each gate owns one escrow balance: reserve fills it from the
// payer wallet, settlement drains it toward the payee (release) and back to
// the payer (refund), and any remainder stays as the holdback until the
// dispute window closes.
package escrow

import (
	"time"

	"github.com/google/uuid"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/storage"
)

// Balance folds a gate's postings into its current escrow balance. Entries
// must be in posting order.
func Balance(entries []storage.LedgerEntry) int64 {
	var balance int64
	for _, e := range entries {
		balance += e.AmountCents
	}
	return balance
}

// Reserve posts the full gate amount into escrow. The matching wallet debit
// is applied by the same GateMutation.
func Reserve(tenantID, gateID string, amountCents int64, now time.Time) storage.LedgerEntry {
	return storage.LedgerEntry{
		EntryID:       uuid.NewString(),
		GateID:        gateID,
		TenantID:      tenantID,
		Phase:         storage.PhaseReserve,
		AmountCents:   amountCents,
		BalanceBefore: 0,
		BalanceAfter:  amountCents,
		At:            now,
	}
}

// SettlementPostings drains the escrow balance per the decision split.
// releasedCents goes to the payee, refundedCents back to the payer, and
// heldbackCents remains in escrow as the hold. The three must account for
// the whole balance or nothing is posted.
func SettlementPostings(tenantID, gateID string, balance, releasedCents, refundedCents, heldbackCents int64, now time.Time) ([]storage.LedgerEntry, error) {
	if releasedCents < 0 || refundedCents < 0 || heldbackCents < 0 {
		return nil, errors.E(errors.CodeSettlementSplitInvalid,
			"negative split component for gate %q", gateID)
	}
	if releasedCents+refundedCents+heldbackCents != balance {
		return nil, errors.E(errors.CodeSettlementSplitInvalid,
			"split does not account for escrow balance of gate %q", gateID).
			WithDetail("balanceCents", balance).
			WithDetail("releasedCents", releasedCents).
			WithDetail("refundedCents", refundedCents).
			WithDetail("heldbackCents", heldbackCents)
	}

	var entries []storage.LedgerEntry
	running := balance
	post := func(phase storage.LedgerPhase, amount int64) {
		if amount == 0 {
			return
		}
		entries = append(entries, storage.LedgerEntry{
			EntryID:       uuid.NewString(),
			GateID:        gateID,
			TenantID:      tenantID,
			Phase:         phase,
			AmountCents:   -amount,
			BalanceBefore: running,
			BalanceAfter:  running - amount,
			At:            now,
		})
		running -= amount
	}
	post(storage.PhaseRelease, releasedCents)
	post(storage.PhaseRefund, refundedCents)
	return entries, nil
}

// HoldResolutionPosting drains the held remainder when the dispute window
// closes: holdback_release pays the payee, holdback_refund returns to the
// payer. parentEntryID links back to the reserve that funded the hold.
func HoldResolutionPosting(tenantID, gateID string, heldbackCents int64, refund bool, parentEntryID string, now time.Time) storage.LedgerEntry {
	phase := storage.PhaseHoldbackRelease
	if refund {
		phase = storage.PhaseHoldbackRefund
	}
	return storage.LedgerEntry{
		EntryID:       uuid.NewString(),
		GateID:        gateID,
		TenantID:      tenantID,
		Phase:         phase,
		AmountCents:   -heldbackCents,
		BalanceBefore: heldbackCents,
		BalanceAfter:  0,
		At:            now,
		ParentEntryID: parentEntryID,
	}
}

// VerifyEntries audits a gate's full posting history: every entry's balance
// arithmetic must line up, the running balance must never go negative, and
// the first posting must be the reserve.
func VerifyEntries(entries []storage.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if entries[0].Phase != storage.PhaseReserve {
		return errors.E(errors.CodeSettlementSplitInvalid,
			"ledger for gate %q does not start with a reserve", entries[0].GateID)
	}
	var running int64
	for _, e := range entries {
		if e.BalanceBefore != running {
			return errors.E(errors.CodeSettlementSplitInvalid,
				"entry %q balanceBefore %d does not match running balance %d",
				e.EntryID, e.BalanceBefore, running)
		}
		if e.BalanceAfter != e.BalanceBefore+e.AmountCents {
			return errors.E(errors.CodeSettlementSplitInvalid,
				"entry %q balance arithmetic broken", e.EntryID)
		}
		running = e.BalanceAfter
		if running < 0 {
			return errors.E(errors.CodeSettlementSplitInvalid,
				"entry %q drives escrow balance negative", e.EntryID)
		}
	}
	return nil
}
