package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/SettldHQ/gateway/internal/errors"
)

// PostgresStore implements Store on PostgreSQL. Domain rows are stored as
// JSONB documents alongside the columns the queries filter and lock on;
// gate mutations run in a single transaction with the gate row locked
// FOR UPDATE and each touched event stream serialized by a transaction-scoped
// advisory lock.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

const defaultQueryTimeout = 5 * time.Second

func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// NewPostgresStore opens a connection pool, verifies connectivity, and
// creates the schema if missing.
func NewPostgresStore(ctx context.Context, connectionString string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing pool, sharing it with other
// components. Close becomes a no-op for the pool.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.createTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS gates (
			tenant_id  TEXT NOT NULL,
			gate_id    TEXT NOT NULL,
			status     TEXT NOT NULL,
			revision   BIGINT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			body       JSONB NOT NULL,
			PRIMARY KEY (tenant_id, gate_id)
		)`,
		`CREATE INDEX IF NOT EXISTS gates_expiry_idx ON gates (expires_at) WHERE status NOT IN ('resolved', 'expired', 'disputed')`,
		`CREATE TABLE IF NOT EXISTS gate_quotes (
			tenant_id TEXT NOT NULL,
			quote_id  TEXT NOT NULL,
			gate_id   TEXT NOT NULL,
			body      JSONB NOT NULL,
			PRIMARY KEY (tenant_id, quote_id)
		)`,
		`CREATE TABLE IF NOT EXISTS payment_authorizations (
			tenant_id         TEXT NOT NULL,
			authorization_ref TEXT NOT NULL,
			gate_id           TEXT NOT NULL,
			token_hash        TEXT NOT NULL,
			body              JSONB NOT NULL,
			PRIMARY KEY (tenant_id, authorization_ref)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS payment_authorizations_token_idx ON payment_authorizations (tenant_id, token_hash)`,
		`CREATE TABLE IF NOT EXISTS settlement_decisions (
			tenant_id TEXT NOT NULL,
			gate_id   TEXT NOT NULL,
			body      JSONB NOT NULL,
			PRIMARY KEY (tenant_id, gate_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq       BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			gate_id   TEXT NOT NULL,
			body      JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ledger_entries_gate_idx ON ledger_entries (tenant_id, gate_id)`,
		`CREATE TABLE IF NOT EXISTS holds (
			tenant_id  TEXT NOT NULL,
			hold_hash  TEXT NOT NULL,
			status     TEXT NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			body       JSONB NOT NULL,
			PRIMARY KEY (tenant_id, hold_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS holds_due_idx ON holds (window_end) WHERE status = 'held'`,
		`CREATE TABLE IF NOT EXISTS events (
			stream_id       TEXT NOT NULL,
			seq             BIGINT NOT NULL,
			event_id        TEXT NOT NULL,
			at              TIMESTAMPTZ NOT NULL,
			payload         JSONB NOT NULL,
			prev_chain_hash TEXT NOT NULL,
			chain_hash      TEXT NOT NULL,
			signer_key_id   TEXT NOT NULL DEFAULT '',
			signature       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (stream_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			tenant_id     TEXT NOT NULL,
			scope         TEXT NOT NULL,
			idem_key      TEXT NOT NULL,
			request_hash  TEXT NOT NULL,
			status_code   INT NOT NULL,
			response_body JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, scope, idem_key)
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			tenant_id       TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			available_cents BIGINT NOT NULL CHECK (available_cents >= 0),
			PRIMARY KEY (tenant_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_outbox (
			delivery_id     TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			acked_at        TIMESTAMPTZ,
			failed          BOOLEAN NOT NULL DEFAULT FALSE,
			attempts        INT NOT NULL DEFAULT 0,
			body            JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS webhook_outbox_due_idx ON webhook_outbox (next_attempt_at) WHERE acked_at IS NULL AND NOT failed`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func storeErr(op string, err error) error {
	return errors.E(errors.CodeStoreUnavailable, "%s: %v", op, err)
}

func (s *PostgresStore) GetGate(ctx context.Context, tenantID, gateID string) (Gate, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM gates WHERE tenant_id = $1 AND gate_id = $2`,
		tenantID, gateID).Scan(&body)
	if err == sql.ErrNoRows {
		return Gate{}, errors.E(errors.CodeGateNotFound, "gate %q not found", gateID)
	}
	if err != nil {
		return Gate{}, storeErr("query gate", err)
	}
	var g Gate
	if err := json.Unmarshal(body, &g); err != nil {
		return Gate{}, storeErr("decode gate", err)
	}
	return g, nil
}

func (s *PostgresStore) ApplyGateMutation(ctx context.Context, m GateMutation) (Gate, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Gate{}, storeErr("begin gate mutation", err)
	}
	defer tx.Rollback()

	gate := m.Gate
	gate.Revision = m.ExpectedRevision + 1
	body, err := json.Marshal(gate)
	if err != nil {
		return Gate{}, storeErr("encode gate", err)
	}

	if m.ExpectedRevision == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO gates (tenant_id, gate_id, status, revision, expires_at, body)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
			gate.TenantID, gate.GateID, string(gate.Status), gate.Revision, gate.ExpiresAt, body)
		if err != nil {
			return Gate{}, storeErr("insert gate", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Gate{}, errors.E(errors.CodeConcurrentModification, "gate %q already exists", gate.GateID)
		}
	} else {
		var currentRevision int64
		err := tx.QueryRowContext(ctx,
			`SELECT revision FROM gates WHERE tenant_id = $1 AND gate_id = $2 FOR UPDATE`,
			gate.TenantID, gate.GateID).Scan(&currentRevision)
		if err == sql.ErrNoRows {
			return Gate{}, errors.E(errors.CodeGateNotFound, "gate %q not found", gate.GateID)
		}
		if err != nil {
			return Gate{}, storeErr("lock gate", err)
		}
		if currentRevision != m.ExpectedRevision {
			return Gate{}, errors.E(errors.CodeConcurrentModification,
				"gate %q revision moved from %d", gate.GateID, m.ExpectedRevision).
				WithDetail("currentRevision", currentRevision)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE gates SET status = $3, revision = $4, expires_at = $5, body = $6
			 WHERE tenant_id = $1 AND gate_id = $2`,
			gate.TenantID, gate.GateID, string(gate.Status), gate.Revision, gate.ExpiresAt, body); err != nil {
			return Gate{}, storeErr("update gate", err)
		}
	}

	for _, d := range m.WalletDeltas {
		if err := applyWalletDelta(ctx, tx, gate.TenantID, d); err != nil {
			return Gate{}, err
		}
	}
	for _, e := range m.LedgerEntries {
		entryBody, err := json.Marshal(e)
		if err != nil {
			return Gate{}, storeErr("encode ledger entry", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (tenant_id, gate_id, body) VALUES ($1, $2, $3)`,
			e.TenantID, e.GateID, entryBody); err != nil {
			return Gate{}, storeErr("insert ledger entry", err)
		}
	}
	if m.Quote != nil {
		qBody, err := json.Marshal(m.Quote)
		if err != nil {
			return Gate{}, storeErr("encode quote", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gate_quotes (tenant_id, quote_id, gate_id, body) VALUES ($1, $2, $3, $4)`,
			m.Quote.TenantID, m.Quote.QuoteID, m.Quote.GateID, qBody); err != nil {
			return Gate{}, storeErr("insert quote", err)
		}
	}
	if m.Authorization != nil {
		aBody, err := json.Marshal(m.Authorization)
		if err != nil {
			return Gate{}, storeErr("encode authorization", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payment_authorizations (tenant_id, authorization_ref, gate_id, token_hash, body)
			 VALUES ($1, $2, $3, $4, $5)`,
			m.Authorization.TenantID, m.Authorization.AuthorizationRef,
			m.Authorization.GateID, m.Authorization.TokenHash, aBody); err != nil {
			return Gate{}, storeErr("insert authorization", err)
		}
	}
	for _, h := range []*Hold{m.Hold, m.HoldUpdate} {
		if h == nil {
			continue
		}
		hBody, err := json.Marshal(h)
		if err != nil {
			return Gate{}, storeErr("encode hold", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO holds (tenant_id, hold_hash, status, window_end, body)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tenant_id, hold_hash)
			 DO UPDATE SET status = EXCLUDED.status, window_end = EXCLUDED.window_end, body = EXCLUDED.body`,
			h.TenantID, h.HoldHash, string(h.Status), h.ChallengeWindowEndsAt, hBody); err != nil {
			return Gate{}, storeErr("upsert hold", err)
		}
	}
	if m.Decision != nil {
		dBody, err := json.Marshal(m.Decision)
		if err != nil {
			return Gate{}, storeErr("encode decision", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settlement_decisions (tenant_id, gate_id, body) VALUES ($1, $2, $3)`,
			m.Decision.TenantID, m.Decision.GateID, dBody); err != nil {
			return Gate{}, storeErr("insert decision", err)
		}
	}
	for _, a := range m.Events {
		if _, err := appendEventTx(ctx, tx, a); err != nil {
			return Gate{}, err
		}
	}
	for _, row := range m.Outbox {
		if err := enqueueOutboxTx(ctx, tx, row); err != nil {
			return Gate{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Gate{}, storeErr("commit gate mutation", err)
	}
	return gate, nil
}

func applyWalletDelta(ctx context.Context, tx *sql.Tx, tenantID string, d WalletDelta) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (tenant_id, agent_id, available_cents) VALUES ($1, $2, 0)
		 ON CONFLICT (tenant_id, agent_id) DO NOTHING`,
		tenantID, d.AgentID); err != nil {
		return storeErr("ensure wallet", err)
	}
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT available_cents FROM wallets WHERE tenant_id = $1 AND agent_id = $2 FOR UPDATE`,
		tenantID, d.AgentID).Scan(&balance)
	if err != nil {
		return storeErr("lock wallet", err)
	}
	if balance+d.DeltaCents < 0 {
		return errors.E(errors.CodeInsufficientFunds,
			"wallet %q balance would go negative", d.AgentID).
			WithDetail("availableCents", balance).
			WithDetail("deltaCents", d.DeltaCents)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE wallets SET available_cents = available_cents + $3 WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, d.AgentID, d.DeltaCents); err != nil {
		return storeErr("update wallet", err)
	}
	return nil
}

// appendEventTx serializes writers per stream with a transaction-scoped
// advisory lock, then chains the new event onto the current head.
func appendEventTx(ctx context.Context, tx *sql.Tx, a EventAppend) (Event, error) {
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, "stream:"+a.StreamID); err != nil {
		return Event{}, storeErr("lock stream", err)
	}

	prev := GenesisPrevChainHash
	var headSeq int64
	err := tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM events WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1`,
		a.StreamID).Scan(&headSeq, &prev)
	if err != nil && err != sql.ErrNoRows {
		return Event{}, storeErr("query stream head", err)
	}
	if a.ExpectedPrevChainHash != nil && *a.ExpectedPrevChainHash != prev {
		return Event{}, errors.E(errors.CodeEventAppendConflict,
			"stream %q head moved", a.StreamID).
			WithDetail("headSeq", headSeq).
			WithDetail("headChainHash", prev)
	}
	chain, err := ChainHash(prev, a.Payload)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		EventID:       uuid.NewString(),
		StreamID:      a.StreamID,
		Seq:           headSeq + 1,
		At:            time.Now().UTC(),
		Payload:       a.Payload,
		PrevChainHash: prev,
		ChainHash:     chain,
		SignerKeyID:   a.SignerKeyID,
		Signature:     a.Signature,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (stream_id, seq, event_id, at, payload, prev_chain_hash, chain_hash, signer_key_id, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.StreamID, ev.Seq, ev.EventID, ev.At, []byte(ev.Payload), ev.PrevChainHash, ev.ChainHash,
		ev.SignerKeyID, ev.Signature); err != nil {
		return Event{}, storeErr("insert event", err)
	}
	return ev, nil
}

func enqueueOutboxTx(ctx context.Context, tx *sql.Tx, row OutboxRow) error {
	body, err := json.Marshal(row)
	if err != nil {
		return storeErr("encode outbox row", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO webhook_outbox (delivery_id, tenant_id, next_attempt_at, attempts, body)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (delivery_id) DO NOTHING`,
		row.DeliveryID, row.TenantID, row.NextAttemptAt, row.Attempts, body); err != nil {
		return storeErr("insert outbox row", err)
	}
	return nil
}

func (s *PostgresStore) ListExpiredGates(ctx context.Context, now time.Time, limit int) ([]Gate, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM gates
		 WHERE status NOT IN ('resolved', 'expired', 'disputed') AND expires_at < $1
		 ORDER BY expires_at ASC LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, storeErr("query expired gates", err)
	}
	defer rows.Close()

	var out []Gate
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, storeErr("scan gate", err)
		}
		var g Gate
		if err := json.Unmarshal(body, &g); err != nil {
			return nil, storeErr("decode gate", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetQuote(ctx context.Context, tenantID, quoteID string) (Quote, error) {
	var q Quote
	err := s.getJSON(ctx, `SELECT body FROM gate_quotes WHERE tenant_id = $1 AND quote_id = $2`,
		[]any{tenantID, quoteID}, &q)
	if err == sql.ErrNoRows {
		return Quote{}, errors.E(errors.CodeQuoteExpired, "quote %q not found", quoteID)
	}
	return q, err
}

func (s *PostgresStore) GetAuthorization(ctx context.Context, tenantID, ref string) (PaymentAuthorization, error) {
	var a PaymentAuthorization
	err := s.getJSON(ctx, `SELECT body FROM payment_authorizations WHERE tenant_id = $1 AND authorization_ref = $2`,
		[]any{tenantID, ref}, &a)
	if err == sql.ErrNoRows {
		return PaymentAuthorization{}, errors.E(errors.CodeGateNotFound, "authorization %q not found", ref)
	}
	return a, err
}

func (s *PostgresStore) GetAuthorizationByTokenHash(ctx context.Context, tenantID, tokenHash string) (PaymentAuthorization, error) {
	var a PaymentAuthorization
	err := s.getJSON(ctx, `SELECT body FROM payment_authorizations WHERE tenant_id = $1 AND token_hash = $2`,
		[]any{tenantID, tokenHash}, &a)
	if err == sql.ErrNoRows {
		return PaymentAuthorization{}, errors.E(errors.CodeGateNotFound, "no authorization for token")
	}
	return a, err
}

func (s *PostgresStore) GetDecision(ctx context.Context, tenantID, gateID string) (SettlementDecisionRecord, error) {
	var d SettlementDecisionRecord
	err := s.getJSON(ctx, `SELECT body FROM settlement_decisions WHERE tenant_id = $1 AND gate_id = $2`,
		[]any{tenantID, gateID}, &d)
	if err == sql.ErrNoRows {
		return SettlementDecisionRecord{}, errors.E(errors.CodeGateNotFound, "no decision for gate %q", gateID)
	}
	return d, err
}

// getJSON runs a single-row body lookup and decodes into dest. sql.ErrNoRows
// passes through untouched so callers map it to their domain code.
func (s *PostgresStore) getJSON(ctx context.Context, query string, args []any, dest any) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var body []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return storeErr("query row", err)
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return storeErr("decode row", err)
	}
	return nil
}

func (s *PostgresStore) GetLedgerEntries(ctx context.Context, tenantID, gateID string) ([]LedgerEntry, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM ledger_entries WHERE tenant_id = $1 AND gate_id = $2 ORDER BY seq ASC`,
		tenantID, gateID)
	if err != nil {
		return nil, storeErr("query ledger entries", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, storeErr("scan ledger entry", err)
		}
		var e LedgerEntry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, storeErr("decode ledger entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetHold(ctx context.Context, tenantID, holdHash string) (Hold, error) {
	var h Hold
	err := s.getJSON(ctx, `SELECT body FROM holds WHERE tenant_id = $1 AND hold_hash = $2`,
		[]any{tenantID, holdHash}, &h)
	if err == sql.ErrNoRows {
		return Hold{}, errors.E(errors.CodeHoldNotFound, "hold %q not found", holdHash)
	}
	return h, err
}

func (s *PostgresStore) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM holds WHERE status = 'held' AND window_end <= $1 ORDER BY window_end ASC LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, storeErr("query due holds", err)
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, storeErr("scan hold", err)
		}
		var h Hold
		if err := json.Unmarshal(body, &h); err != nil {
			return nil, storeErr("decode hold", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, a EventAppend) (Event, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, storeErr("begin event append", err)
	}
	defer tx.Rollback()

	ev, err := appendEventTx(ctx, tx, a)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, storeErr("commit event append", err)
	}
	return ev, nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, streamID string, afterSeq int64, limit int) ([]Event, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, seq, at, payload, prev_chain_hash, chain_hash, signer_key_id, signature
		 FROM events WHERE stream_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		streamID, afterSeq, limit)
	if err != nil {
		return nil, storeErr("query events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev := Event{StreamID: streamID}
		var payload []byte
		if err := rows.Scan(&ev.EventID, &ev.Seq, &ev.At, &payload,
			&ev.PrevChainHash, &ev.ChainHash, &ev.SignerKeyID, &ev.Signature); err != nil {
			return nil, storeErr("scan event", err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetStreamHead(ctx context.Context, streamID string) (StreamHead, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var head StreamHead
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, chain_hash, event_id FROM events WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1`,
		streamID).Scan(&head.HeadSeq, &head.HeadChainHash, &head.LastEventID)
	if err == sql.ErrNoRows {
		return StreamHead{HeadChainHash: GenesisPrevChainHash}, nil
	}
	if err != nil {
		return StreamHead{}, storeErr("query stream head", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT event_id FROM events WHERE stream_id = $1 ORDER BY seq ASC LIMIT 1`,
		streamID).Scan(&head.FirstEventID)
	if err != nil {
		return StreamHead{}, storeErr("query stream first event", err)
	}
	return head, nil
}

func (s *PostgresStore) GetIdempotency(ctx context.Context, tenantID, scope, key string) (IdempotencyRow, bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := IdempotencyRow{TenantID: tenantID, Scope: scope, Key: key}
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, status_code, response_body, created_at
		 FROM idempotency_keys WHERE tenant_id = $1 AND scope = $2 AND idem_key = $3`,
		tenantID, scope, key).Scan(&row.RequestHash, &row.StatusCode, &body, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return IdempotencyRow{}, false, nil
	}
	if err != nil {
		return IdempotencyRow{}, false, storeErr("query idempotency", err)
	}
	row.ResponseBody = body
	return row, true, nil
}

func (s *PostgresStore) PutIdempotency(ctx context.Context, row IdempotencyRow) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (tenant_id, scope, idem_key, request_hash, status_code, response_body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
		row.TenantID, row.Scope, row.Key, row.RequestHash, row.StatusCode,
		[]byte(row.ResponseBody), row.CreatedAt); err != nil {
		return storeErr("insert idempotency", err)
	}
	return nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, tenantID, agentID string) (WalletAccount, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	w := WalletAccount{TenantID: tenantID, AgentID: agentID}
	err := s.db.QueryRowContext(ctx,
		`SELECT available_cents FROM wallets WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID).Scan(&w.AvailableCents)
	if err == sql.ErrNoRows {
		return WalletAccount{}, errors.E(errors.CodeWalletNotFound, "wallet %q not found", agentID)
	}
	if err != nil {
		return WalletAccount{}, storeErr("query wallet", err)
	}
	return w, nil
}

func (s *PostgresStore) CreditWallet(ctx context.Context, tenantID, agentID string, amountCents int64) (WalletAccount, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	w := WalletAccount{TenantID: tenantID, AgentID: agentID}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO wallets (tenant_id, agent_id, available_cents) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, agent_id)
		 DO UPDATE SET available_cents = wallets.available_cents + EXCLUDED.available_cents
		 RETURNING available_cents`,
		tenantID, agentID, amountCents).Scan(&w.AvailableCents)
	if err != nil {
		return WalletAccount{}, storeErr("credit wallet", err)
	}
	return w, nil
}

func (s *PostgresStore) EnqueueOutbox(ctx context.Context, rows ...OutboxRow) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin outbox enqueue", err)
	}
	defer tx.Rollback()
	for _, row := range rows {
		if err := enqueueOutboxTx(ctx, tx, row); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit outbox enqueue", err)
	}
	return nil
}

func (s *PostgresStore) DueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxRow, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT body, attempts, next_attempt_at FROM webhook_outbox
		 WHERE acked_at IS NULL AND NOT failed AND next_attempt_at <= $1
		 ORDER BY next_attempt_at ASC LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, storeErr("query due outbox", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var body []byte
		var attempts int
		var nextAttemptAt time.Time
		if err := rows.Scan(&body, &attempts, &nextAttemptAt); err != nil {
			return nil, storeErr("scan outbox row", err)
		}
		var row OutboxRow
		if err := json.Unmarshal(body, &row); err != nil {
			return nil, storeErr("decode outbox row", err)
		}
		row.Attempts = attempts
		row.NextAttemptAt = nextAttemptAt
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkOutboxAttempt(ctx context.Context, deliveryID string, attempts int, nextAttemptAt time.Time, lastError string, failed bool) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE webhook_outbox
		 SET attempts = $2, next_attempt_at = $3, failed = $4,
		     body = jsonb_set(jsonb_set(body, '{attempts}', to_jsonb($2::int)), '{lastError}', to_jsonb($5::text))
		 WHERE delivery_id = $1`,
		deliveryID, attempts, nextAttemptAt, failed, lastError); err != nil {
		return storeErr("mark outbox attempt", err)
	}
	return nil
}

func (s *PostgresStore) MarkOutboxAcked(ctx context.Context, deliveryID string, at time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE webhook_outbox SET acked_at = $2 WHERE delivery_id = $1`,
		deliveryID, at); err != nil {
		return storeErr("mark outbox acked", err)
	}
	return nil
}

func (s *PostgresStore) PendingOutboxCount(ctx context.Context) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_outbox WHERE acked_at IS NULL AND NOT failed`).Scan(&n)
	if err != nil {
		return 0, storeErr("count pending outbox", err)
	}
	return n, nil
}

// WithAdvisoryLock holds a session advisory lock on a dedicated connection
// for the duration of fn. The lock does not time out; fn is bounded by its
// own context.
func (s *PostgresStore) WithAdvisoryLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return storeErr("acquire connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, name); err != nil {
		return errors.E(errors.CodeStoreLockTimeout, "advisory lock %q: %v", name, err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
		defer cancel()
		_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, name)
	}()

	return fn(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return errors.E(errors.CodeStoreUnavailable, "ping: %v", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
