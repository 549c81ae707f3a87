package escrow

import (
	"testing"
	"time"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/storage"
)

func TestReserveAndBalance(t *testing.T) {
	now := time.Now().UTC()
	reserve := Reserve("tenant_1", "gate_1", 1000, now)
	if reserve.Phase != storage.PhaseReserve || reserve.AmountCents != 1000 {
		t.Fatalf("reserve = %+v", reserve)
	}
	if got := Balance([]storage.LedgerEntry{reserve}); got != 1000 {
		t.Errorf("Balance() = %d, want 1000", got)
	}
}

func TestSettlementPostings_FullRelease(t *testing.T) {
	now := time.Now().UTC()
	entries, err := SettlementPostings("tenant_1", "gate_1", 1000, 1000, 0, 0, now)
	if err != nil {
		t.Fatalf("SettlementPostings() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Phase != storage.PhaseRelease || entries[0].AmountCents != -1000 {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].BalanceAfter != 0 {
		t.Errorf("balance after full release = %d", entries[0].BalanceAfter)
	}
}

func TestSettlementPostings_SplitWithHoldback(t *testing.T) {
	now := time.Now().UTC()
	// 1000 reserved: release 540, refund 360, hold back 100.
	entries, err := SettlementPostings("tenant_1", "gate_1", 1000, 540, 360, 100, now)
	if err != nil {
		t.Fatalf("SettlementPostings() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want release and refund only", len(entries))
	}
	if entries[1].BalanceAfter != 100 {
		t.Errorf("post-settlement balance = %d, want heldback 100", entries[1].BalanceAfter)
	}

	full := append([]storage.LedgerEntry{Reserve("tenant_1", "gate_1", 1000, now)}, entries...)
	full = append(full, HoldResolutionPosting("tenant_1", "gate_1", 100, false, full[0].EntryID, now))
	if err := VerifyEntries(full); err != nil {
		t.Errorf("VerifyEntries() error = %v", err)
	}
	if got := Balance(full); got != 0 {
		t.Errorf("final balance = %d, want 0", got)
	}
}

func TestSettlementPostings_SplitInvalid(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name                          string
		released, refunded, heldback int64
	}{
		{"sum short", 500, 0, 0},
		{"sum over", 900, 200, 0},
		{"negative component", 1100, -100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SettlementPostings("tenant_1", "gate_1", 1000, tt.released, tt.refunded, tt.heldback, now)
			if !errors.HasCode(err, errors.CodeSettlementSplitInvalid) {
				t.Errorf("error = %v, want SETTLEMENT_SPLIT_INVALID", err)
			}
		})
	}
}

func TestHoldResolutionPosting_Refund(t *testing.T) {
	now := time.Now().UTC()
	e := HoldResolutionPosting("tenant_1", "gate_1", 100, true, "le_parent", now)
	if e.Phase != storage.PhaseHoldbackRefund || e.AmountCents != -100 || e.ParentEntryID != "le_parent" {
		t.Errorf("entry = %+v", e)
	}
}

func TestVerifyEntries_Broken(t *testing.T) {
	now := time.Now().UTC()
	reserve := Reserve("tenant_1", "gate_1", 1000, now)

	t.Run("missing reserve", func(t *testing.T) {
		release := storage.LedgerEntry{EntryID: "x", GateID: "gate_1", Phase: storage.PhaseRelease, AmountCents: -1000}
		if err := VerifyEntries([]storage.LedgerEntry{release}); err == nil {
			t.Error("want error for ledger not starting with reserve")
		}
	})
	t.Run("balance gap", func(t *testing.T) {
		bad := storage.LedgerEntry{
			EntryID: "x", GateID: "gate_1", Phase: storage.PhaseRelease,
			AmountCents: -400, BalanceBefore: 900, BalanceAfter: 500,
		}
		if err := VerifyEntries([]storage.LedgerEntry{reserve, bad}); err == nil {
			t.Error("want error for balanceBefore not matching running balance")
		}
	})
	t.Run("overdraw", func(t *testing.T) {
		bad := storage.LedgerEntry{
			EntryID: "x", GateID: "gate_1", Phase: storage.PhaseRelease,
			AmountCents: -1500, BalanceBefore: 1000, BalanceAfter: -500,
		}
		if err := VerifyEntries([]storage.LedgerEntry{reserve, bad}); err == nil {
			t.Error("want error for negative balance")
		}
	})
}
