package settlement

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/signing"
	"github.com/SettldHQ/gateway/internal/storage"
)

func testInput(reserved int64, holdbackBps int, status string) Input {
	policy, policyHash, err := NormalizePolicy(nil)
	if err != nil {
		panic(err)
	}
	return Input{
		Gate: storage.Gate{
			GateID:          "gate_1",
			TenantID:        "tenant_1",
			AmountCents:     reserved,
			Currency:        "USD",
			HoldbackBps:     holdbackBps,
			DisputeWindowMs: 60_000,
		},
		ReservedCents:      reserved,
		VerificationStatus: status,
		Policy:             policy,
		PolicyHash:         policyHash,
		DecisionID:         "dec_1",
		Now:                time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDecide_GreenFullRelease(t *testing.T) {
	out, err := Decide(testInput(1000, 0, "green"))
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	d := out.Decision
	if d.ReleasedAmountCents != 1000 || d.RefundedAmountCents != 0 || d.HeldbackAmountCents != 0 {
		t.Errorf("split = %d/%d/%d", d.ReleasedAmountCents, d.RefundedAmountCents, d.HeldbackAmountCents)
	}
	if d.DecisionHash == "" || len(d.DecisionHash) != 64 {
		t.Errorf("decisionHash = %q", d.DecisionHash)
	}
	if out.Hold != nil {
		t.Errorf("unexpected hold %+v", out.Hold)
	}
}

func TestDecide_RedFullRefund(t *testing.T) {
	out, err := Decide(testInput(1000, 1000, "red"))
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	d := out.Decision
	if d.ReleasedAmountCents != 0 || d.RefundedAmountCents != 1000 || d.HeldbackAmountCents != 0 {
		t.Errorf("split = %d/%d/%d", d.ReleasedAmountCents, d.RefundedAmountCents, d.HeldbackAmountCents)
	}
}

func TestDecide_HoldbackSplit(t *testing.T) {
	// 500 reserved, green, 1000 bps: release 450, hold 50.
	out, err := Decide(testInput(500, 1000, "green"))
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	d := out.Decision
	if d.ReleasedAmountCents != 450 || d.HeldbackAmountCents != 50 || d.RefundedAmountCents != 0 {
		t.Errorf("split = %d/%d/%d, want 450/0/50", d.ReleasedAmountCents, d.RefundedAmountCents, d.HeldbackAmountCents)
	}
	if out.Hold == nil {
		t.Fatal("hold missing")
	}
	if out.Hold.AmountCents != 50 || out.Hold.Status != storage.HoldHeld {
		t.Errorf("hold = %+v", out.Hold)
	}
	wantEnd := testInput(0, 0, "green").Now.Add(60 * time.Second)
	if !out.Hold.ChallengeWindowEndsAt.Equal(wantEnd) {
		t.Errorf("window end = %v, want %v", out.Hold.ChallengeWindowEndsAt, wantEnd)
	}
}

func TestDecide_AmberPartialRelease(t *testing.T) {
	in := testInput(999, 0, "amber")
	in.Policy.Rules.AutoReleaseOnAmber = true
	in.Policy.Rules.AmberReleaseRatePct = 50
	out, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	d := out.Decision
	// floor(999 * 50 / 100) = 499, remainder refunded.
	if d.ReleasedAmountCents != 499 || d.RefundedAmountCents != 500 {
		t.Errorf("split = %d/%d", d.ReleasedAmountCents, d.RefundedAmountCents)
	}
	if d.ReleasedAmountCents+d.RefundedAmountCents+d.HeldbackAmountCents != 999 {
		t.Error("split does not sum to reserved")
	}
}

func TestDecide_LargeAmountsStayExact(t *testing.T) {
	// Amounts near the int64 ceiling must split without overflowing the
	// intermediate product and without float rounding shaving a cent.
	const reserved = int64(9_200_000_000_000_000_00) // well past 2^53
	out, err := Decide(testInput(reserved, 9999, "green"))
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	d := out.Decision
	wantHeld := reserved / 10000 * 9999 // reserved divides 10000 evenly
	if d.HeldbackAmountCents != wantHeld {
		t.Errorf("heldback = %d, want %d", d.HeldbackAmountCents, wantHeld)
	}
	if d.HeldbackAmountCents < 0 || d.ReleasedAmountCents < 0 {
		t.Errorf("overflowed split = %d/%d/%d", d.ReleasedAmountCents, d.RefundedAmountCents, d.HeldbackAmountCents)
	}
	if d.ReleasedAmountCents+d.RefundedAmountCents+d.HeldbackAmountCents != reserved {
		t.Error("split does not sum to reserved")
	}

	// Odd amount with a fractional rate exercises the floor path.
	in := testInput((1<<53)+1, 0, "amber")
	in.Policy.Rules.AutoReleaseOnAmber = true
	in.Policy.Rules.AmberReleaseRatePct = 33.33
	out, err = Decide(in)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	want := in.ReservedCents / 10000 * 3333
	want += in.ReservedCents % 10000 * 3333 / 10000
	if out.Decision.ReleasedAmountCents != want {
		t.Errorf("released = %d, want %d", out.Decision.ReleasedAmountCents, want)
	}
	sum := out.Decision.ReleasedAmountCents + out.Decision.RefundedAmountCents + out.Decision.HeldbackAmountCents
	if sum != in.ReservedCents {
		t.Errorf("split sums to %d, want %d", sum, in.ReservedCents)
	}
}

func TestDecide_AmberWithoutAutoReleaseRefundsAll(t *testing.T) {
	out, err := Decide(testInput(1000, 0, "amber"))
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if out.Decision.RefundedAmountCents != 1000 {
		t.Errorf("refunded = %d, want 1000", out.Decision.RefundedAmountCents)
	}
}

func TestDecide_ManualHoldsEverything(t *testing.T) {
	in := testInput(1000, 0, "green")
	in.Policy.Mode = ModeManual
	out, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	d := out.Decision
	if d.DecisionMode != ModeManual || d.HeldbackAmountCents != 1000 || d.ReleasedAmountCents != 0 {
		t.Errorf("decision = %+v", d)
	}
}

func TestDecide_UnknownStatusFailsClosed(t *testing.T) {
	_, err := Decide(testInput(1000, 0, "chartreuse"))
	if !errors.HasCode(err, errors.CodeRequestInvalid) {
		t.Errorf("Decide() error = %v, want REQUEST_INVALID", err)
	}
}

func TestDecide_ReasonCodesSortedUnique(t *testing.T) {
	in := testInput(1000, 0, "red")
	in.ReasonCodes = []string{"Z_CODE", "A_CODE", "Z_CODE", ""}
	in.EvidenceRefs = []string{"ref2", "ref1", "ref2"}
	out, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if got := out.Decision.ReasonCodes; len(got) != 2 || got[0] != "A_CODE" || got[1] != "Z_CODE" {
		t.Errorf("reasonCodes = %v", got)
	}
	if got := out.Decision.EvidenceRefs; len(got) != 2 || got[0] != "ref1" || got[1] != "ref2" {
		t.Errorf("evidenceRefs = %v", got)
	}
}

func TestDecisionHashReplay(t *testing.T) {
	in := testInput(750, 500, "green")
	in.ReasonCodes = []string{"GREEN_PATH"}
	out, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	// Replaying the identical input reproduces the hash byte for byte.
	again, err := Decide(in)
	if err != nil {
		t.Fatalf("Decide() replay error = %v", err)
	}
	if again.Decision.DecisionHash != out.Decision.DecisionHash {
		t.Errorf("replay hash %s != original %s", again.Decision.DecisionHash, out.Decision.DecisionHash)
	}

	// A stored decision round-tripped through JSON still verifies.
	raw, err := json.Marshal(out.Decision)
	if err != nil {
		t.Fatalf("marshal decision: %v", err)
	}
	var stored storage.SettlementDecisionRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if err := VerifyDecisionHash(stored); err != nil {
		t.Errorf("VerifyDecisionHash() error = %v", err)
	}

	// Tampering with the split breaks verification.
	stored.ReleasedAmountCents++
	if err := VerifyDecisionHash(stored); err == nil {
		t.Error("tampered decision verified")
	}
}

func TestNormalizePolicy(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		p, hash, err := NormalizePolicy(nil)
		if err != nil {
			t.Fatalf("NormalizePolicy() error = %v", err)
		}
		if p.Mode != ModeAutomatic || !p.Rules.AutoReleaseOnGreen || p.Rules.GreenReleaseRatePct != 100 {
			t.Errorf("policy = %+v", p)
		}
		if len(hash) != 64 {
			t.Errorf("hash = %q", hash)
		}
	})
	t.Run("unknown keys dropped and mode lowered", func(t *testing.T) {
		a, hashA, err := NormalizePolicy(json.RawMessage(`{"mode":"AUTOMATIC","rules":{"autoReleaseOnGreen":true,"greenReleaseRatePct":100},"futureKnob":true}`))
		if err != nil {
			t.Fatalf("NormalizePolicy() error = %v", err)
		}
		_, hashB, err := NormalizePolicy(json.RawMessage(`{"mode":"automatic","rules":{"greenReleaseRatePct":100,"autoReleaseOnGreen":true}}`))
		if err != nil {
			t.Fatalf("NormalizePolicy() error = %v", err)
		}
		if a.Mode != ModeAutomatic {
			t.Errorf("mode = %q", a.Mode)
		}
		if hashA != hashB {
			t.Errorf("normalization not hash-stable: %s vs %s", hashA, hashB)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		for _, raw := range []string{
			`{"mode":"vibes"}`,
			`{"rules":{"greenReleaseRatePct":101}}`,
			`{"rules":{"redReleaseRatePct":-1}}`,
			`not json`,
		} {
			if _, _, err := NormalizePolicy(json.RawMessage(raw)); !errors.HasCode(err, errors.CodePolicyInvalid) {
				t.Errorf("NormalizePolicy(%s) error = %v, want POLICY_INVALID", raw, err)
			}
		}
	})
}

func TestHoldHashDeterminism(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, err := HoldHash("gate_1", 50, at, 60_000, "policyhash")
	if err != nil {
		t.Fatalf("HoldHash() error = %v", err)
	}
	b, _ := HoldHash("gate_1", 50, at.In(time.FixedZone("X", 3600)), 60_000, "policyhash")
	if a != b {
		t.Errorf("hold hash depends on time zone: %s vs %s", a, b)
	}
	c, _ := HoldHash("gate_1", 51, at, 60_000, "policyhash")
	if a == c {
		t.Error("hold hash ignores amount")
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	kp, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	out, err := Decide(testInput(1000, 0, "green"))
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	receipt, err := BuildReceipt(testInput(1000, 0, "green").Gate, out.Decision, "provider-sig", json.RawMessage(`{"quoteId":"q_1"}`), "", nil)
	if err != nil {
		t.Fatalf("BuildReceipt() error = %v", err)
	}
	if len(receipt.ReceiptHash) != 64 {
		t.Errorf("receiptHash = %q", receipt.ReceiptHash)
	}

	signed, err := SignReceipt(receipt, kp)
	if err != nil {
		t.Fatalf("SignReceipt() error = %v", err)
	}
	if err := VerifyReceipt(signed, kp.Public); err != nil {
		t.Errorf("VerifyReceipt() error = %v", err)
	}

	signed.Decision.ReleasedAmountCents++
	if err := VerifyReceipt(signed, kp.Public); err == nil {
		t.Error("tampered receipt verified")
	}
}
