// Package maintenance runs the background sweeps that keep gates honest:
// holdback auto-release after the challenge window, gate auto-expiry,
// ledger reconciliation, and the outbox retry pump. One logical worker runs
// at a time, serialized by a store advisory lock.
package maintenance

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/escrow"
	"github.com/SettldHQ/gateway/internal/gate"
	"github.com/SettldHQ/gateway/internal/metrics"
	"github.com/SettldHQ/gateway/internal/storage"
)

// advisoryLockName serializes maintenance across instances.
const advisoryLockName = "maintenance"

// Deliverer posts one outbox row to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, row storage.OutboxRow) error
}

// Config tunes the scheduler.
type Config struct {
	TickInterval     time.Duration
	BatchSize        int
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryMaxAttempts int
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		TickInterval:     5 * time.Second,
		BatchSize:        100,
		RetryBase:        250 * time.Millisecond,
		RetryMax:         60 * time.Second,
		RetryMaxAttempts: 50,
	}
}

// Scheduler owns the maintenance loop.
type Scheduler struct {
	store     storage.Store
	gates     *gate.Service
	deliverer Deliverer
	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	jitter    func() float64
}

// NewScheduler wires the scheduler.
func NewScheduler(store storage.Store, gates *gate.Service, deliverer Deliverer, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = def.RetryMaxAttempts
	}
	return &Scheduler{
		store:     store,
		gates:     gates,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		jitter:    rand.Float64,
	}
}

// WithClock overrides the scheduler clock. Test hook.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("maintenance: tick failed")
			}
		}
	}
}

// RunOnce executes a single tick under the advisory lock: hold sweep, gate
// expiry, reconciliation, outbox pump. A tick with nothing due is a no-op.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.store.WithAdvisoryLock(ctx, advisoryLockName, func(ctx context.Context) error {
		start := s.now()
		s.sweepHolds(ctx)
		s.sweepExpiredGates(ctx)
		s.reconcile(ctx)
		s.pumpOutbox(ctx)

		pending, err := s.store.PendingOutboxCount(ctx)
		if err != nil {
			pending = -1
		}
		if s.metrics != nil && pending >= 0 {
			s.metrics.ObserveMaintenanceTick(s.now().Sub(start), pending)
		}
		return nil
	})
}

// sweepHolds releases every hold whose challenge window has closed. Disputed
// holds are skipped; ResolveHold is idempotent so a crash mid-sweep is safe.
func (s *Scheduler) sweepHolds(ctx context.Context) {
	due, err := s.store.ListDueHolds(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("maintenance: list due holds failed")
		return
	}
	for _, h := range due {
		if _, err := s.gates.ResolveHold(ctx, h.TenantID, h.HoldHash, false, "challenge window elapsed"); err != nil {
			if errors.HasCode(err, errors.CodeHoldDisputed) {
				continue
			}
			s.logger.Error().Err(err).Str("hold_hash", h.HoldHash).Msg("maintenance: hold auto-release failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.HoldbackReleasesTotal.WithLabelValues("auto_released").Inc()
		}
	}
}

func (s *Scheduler) sweepExpiredGates(ctx context.Context) {
	overdue, err := s.store.ListExpiredGates(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("maintenance: list expired gates failed")
		return
	}
	for _, g := range overdue {
		if _, err := s.gates.Expire(ctx, g.TenantID, g.GateID); err != nil {
			s.logger.Error().Err(err).Str("gate_id", g.GateID).Msg("maintenance: gate expiry failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.GateTransitionsTotal.WithLabelValues(string(storage.GateExpired)).Inc()
		}
	}
}

// reconcile cross-checks gate state against the ledger sum and flags drift.
// Detection only: drift means a bug elsewhere and money must not move here.
func (s *Scheduler) reconcile(ctx context.Context) {
	overdue, err := s.store.ListExpiredGates(ctx, s.now().UTC().Add(24*time.Hour), s.cfg.BatchSize)
	if err != nil {
		return
	}
	for _, g := range overdue {
		entries, err := s.store.GetLedgerEntries(ctx, g.TenantID, g.GateID)
		if err != nil {
			continue
		}
		if err := escrow.VerifyEntries(entries); err != nil {
			s.flagDrift(g, err)
			continue
		}
		if g.Status == storage.GateResolved && escrow.Balance(entries) != 0 {
			s.flagDrift(g, errors.E(errors.CodeSettlementSplitInvalid,
				"resolved gate holds escrow balance %d", escrow.Balance(entries)))
		}
	}
}

func (s *Scheduler) flagDrift(g storage.Gate, err error) {
	if s.metrics != nil {
		s.metrics.ReconciliationDriftTotal.Inc()
	}
	s.logger.Error().Err(err).
		Str("gate_id", g.GateID).
		Str("status", string(g.Status)).
		Msg("maintenance: reconciliation drift")
}

// pumpOutbox attempts every due delivery, scheduling exponential backoff
// with jitter on failure and marking rows permanently failed past the
// attempt cap.
func (s *Scheduler) pumpOutbox(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.store.DueOutbox(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("maintenance: list due outbox failed")
		return
	}
	for _, row := range due {
		if err := s.deliverer.Deliver(ctx, row); err == nil {
			if ackErr := s.store.MarkOutboxAcked(ctx, row.DeliveryID, s.now().UTC()); ackErr != nil {
				s.logger.Error().Err(ackErr).Str("delivery_id", row.DeliveryID).Msg("maintenance: ack mark failed")
			}
			continue
		} else {
			attempts := row.Attempts + 1
			failed := attempts >= s.cfg.RetryMaxAttempts
			next := s.now().UTC().Add(s.backoff(attempts))
			if markErr := s.store.MarkOutboxAttempt(ctx, row.DeliveryID, attempts, next, err.Error(), failed); markErr != nil {
				s.logger.Error().Err(markErr).Str("delivery_id", row.DeliveryID).Msg("maintenance: attempt mark failed")
			}
			if failed {
				s.logger.Error().
					Str("delivery_id", row.DeliveryID).
					Int("attempts", attempts).
					Msg("maintenance: delivery permanently failed")
			}
		}
	}
}

// backoff computes base * 2^min(16, attempts) with ±20% jitter, capped.
func (s *Scheduler) backoff(attempts int) time.Duration {
	exp := attempts
	if exp > 16 {
		exp = 16
	}
	d := s.cfg.RetryBase * time.Duration(int64(1)<<exp)
	if d > s.cfg.RetryMax {
		d = s.cfg.RetryMax
	}
	jitter := 1 + (s.jitter()*0.4 - 0.2)
	d = time.Duration(float64(d) * jitter)
	if d > s.cfg.RetryMax {
		d = s.cfg.RetryMax
	}
	return d
}
