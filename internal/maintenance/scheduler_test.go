package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/gate"
	"github.com/SettldHQ/gateway/internal/signing"
	"github.com/SettldHQ/gateway/internal/storage"
)

const testTenant = "tenant_1"

type fakeDeliverer struct {
	err       error
	delivered []string
}

func (f *fakeDeliverer) Deliver(_ context.Context, row storage.OutboxRow) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, row.DeliveryID)
	return nil
}

type fixture struct {
	store     *storage.MemoryStore
	gates     *gate.Service
	deliverer *fakeDeliverer
	sched     *Scheduler
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	f := &fixture{
		store:     storage.NewMemoryStore(),
		deliverer: &fakeDeliverer{},
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }
	f.gates = gate.NewService(f.store, kp, gate.DefaultConfig(), zerolog.Nop()).WithClock(now)
	f.sched = NewScheduler(f.store, f.gates, f.deliverer, DefaultConfig(), zerolog.Nop(), nil).WithClock(now)
	f.sched.jitter = func() float64 { return 0.5 }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

// verifiedWithHold walks one gate through create, authorize, and a green
// verify carrying a 10% holdback with a one-minute challenge window.
func (f *fixture) verifiedWithHold(t *testing.T) storage.Gate {
	t.Helper()
	ctx := context.Background()
	g, err := f.gates.Create(ctx, testTenant, gate.CreateRequest{
		PayerAgentID:       "agent_payer",
		PayeeAgentID:       "agent_payee",
		AmountCents:        1000,
		Currency:           "USD",
		HoldbackBps:        1000,
		DisputeWindowMs:    60_000,
		AutoFundPayerCents: 5000,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.gates.AuthorizePayment(ctx, testTenant, g.GateID, gate.AuthorizeRequest{}); err != nil {
		t.Fatalf("AuthorizePayment() error = %v", err)
	}
	res, err := f.gates.Verify(ctx, testTenant, g.GateID, gate.VerifyRequest{
		VerificationStatus: storage.VerificationGreen,
	})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.Hold == nil {
		t.Fatal("Verify() produced no hold")
	}
	return res.Gate
}

func TestRunOnce_HoldbackAutoRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.verifiedWithHold(t)

	// Window still open: the hold survives a tick.
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	got, err := f.store.GetGate(ctx, testTenant, g.GateID)
	if err != nil || got.Status != storage.GateVerified {
		t.Fatalf("gate after early tick = %+v, err = %v", got, err)
	}

	f.advance(2 * time.Minute)
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	got, err = f.store.GetGate(ctx, testTenant, g.GateID)
	if err != nil || got.Status != storage.GateResolved {
		t.Fatalf("gate after sweep = %+v, err = %v", got, err)
	}
	// 900 released at verify plus the 100 holdback on auto-release.
	w, err := f.store.GetWallet(ctx, testTenant, "agent_payee")
	if err != nil || w.AvailableCents != 1000 {
		t.Errorf("payee wallet = %+v, err = %v", w, err)
	}

	// Re-tick is a no-op.
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() re-tick error = %v", err)
	}
}

func TestRunOnce_ExpiresOverdueGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.gates.Create(ctx, testTenant, gate.CreateRequest{
		PayerAgentID:       "agent_payer",
		PayeeAgentID:       "agent_payee",
		AmountCents:        1000,
		Currency:           "USD",
		AutoFundPayerCents: 5000,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.gates.AuthorizePayment(ctx, testTenant, g.GateID, gate.AuthorizeRequest{}); err != nil {
		t.Fatalf("AuthorizePayment() error = %v", err)
	}

	f.advance(20 * time.Minute)
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	got, err := f.store.GetGate(ctx, testTenant, g.GateID)
	if err != nil || got.Status != storage.GateExpired {
		t.Fatalf("gate = %+v, err = %v", got, err)
	}
	// Escrow refunded to the payer on expiry.
	w, err := f.store.GetWallet(ctx, testTenant, "agent_payer")
	if err != nil || w.AvailableCents != 5000 {
		t.Errorf("payer wallet = %+v, err = %v", w, err)
	}
}

func TestRunOnce_OutboxDeliveryAndAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedWithHold(t)

	pending, err := f.store.PendingOutboxCount(ctx)
	if err != nil || pending == 0 {
		t.Fatalf("pending = %d, err = %v, want receipt enqueued", pending, err)
	}

	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(f.deliverer.delivered) == 0 {
		t.Fatal("no deliveries attempted")
	}
	pending, err = f.store.PendingOutboxCount(ctx)
	if err != nil || pending != 0 {
		t.Errorf("pending after pump = %d, err = %v", pending, err)
	}
}

func TestRunOnce_OutboxRetryBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedWithHold(t)
	f.deliverer.err = errors.E(errors.CodeGatewayUpstreamUnavailable, "receiver down")

	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	due, err := f.store.DueOutbox(ctx, f.clock, 10)
	if err != nil {
		t.Fatalf("DueOutbox() error = %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("row still due immediately after failure, want backoff")
	}

	// The first retry lands within the base backoff horizon.
	due, err = f.store.DueOutbox(ctx, f.clock.Add(time.Minute), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due after backoff = %v, err = %v", due, err)
	}
	if due[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", due[0].Attempts)
	}

	// Recovery: the next tick past the backoff delivers and acks.
	f.deliverer.err = nil
	f.advance(time.Minute)
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	pending, err := f.store.PendingOutboxCount(ctx)
	if err != nil || pending != 0 {
		t.Errorf("pending after recovery = %d, err = %v", pending, err)
	}
}

func TestRunOnce_OutboxPermanentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedWithHold(t)
	f.deliverer.err = errors.E(errors.CodeGatewayUpstreamUnavailable, "receiver down")

	// Drive every row past the attempt cap; each tick jumps past the 60s
	// backoff ceiling so rows are always due again. The hold-resolution
	// adjustment row appears one tick in, hence the slack.
	for i := 0; i < f.sched.cfg.RetryMaxAttempts+2; i++ {
		if err := f.sched.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		f.advance(2 * time.Minute)
	}

	due, err := f.store.DueOutbox(ctx, f.clock.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("DueOutbox() error = %v", err)
	}
	if len(due) != 0 {
		t.Errorf("failed row still scheduled: %+v", due)
	}
	pending, err := f.store.PendingOutboxCount(ctx)
	if err != nil || pending != 0 {
		t.Errorf("pending = %d, err = %v, failed rows must not count", pending, err)
	}
}

func TestBackoff(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.RetryBase = 100 * time.Millisecond
	f.sched.cfg.RetryMax = 60 * time.Second

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{9, 51200 * time.Millisecond},
		{10, 60 * time.Second},
		{16, 60 * time.Second},
		{1000, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := f.sched.backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}

	// Jitter bounds: ±20% of the uncapped value.
	f.sched.jitter = func() float64 { return 0 }
	if got := f.sched.backoff(1); got != 160*time.Millisecond {
		t.Errorf("low-jitter backoff = %v, want 160ms", got)
	}
	f.sched.jitter = func() float64 { return 1 }
	if got := f.sched.backoff(1); got != 240*time.Millisecond {
		t.Errorf("high-jitter backoff = %v, want 240ms", got)
	}
}

func TestRunOnce_RefundedHoldStaysRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.verifiedWithHold(t)

	events, err := f.store.GetEvents(ctx, g.GateID, 0, 100)
	if err != nil || len(events) == 0 {
		t.Fatalf("events error = %v", err)
	}
	holds, err := f.store.ListDueHolds(ctx, f.clock.Add(time.Hour), 10)
	if err != nil || len(holds) != 1 {
		t.Fatalf("holds = %v, err = %v", holds, err)
	}
	if _, err := f.gates.ResolveHold(ctx, testTenant, holds[0].HoldHash, true, "provider output rejected"); err != nil {
		t.Fatalf("ResolveHold(refund) error = %v", err)
	}

	f.advance(2 * time.Minute)
	if err := f.sched.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	// Refunded hold stays refunded; the payer got the holdback back.
	h, err := f.store.GetHold(ctx, testTenant, holds[0].HoldHash)
	if err != nil || h.Status != storage.HoldRefunded {
		t.Errorf("hold = %+v, err = %v", h, err)
	}
}
