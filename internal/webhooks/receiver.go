package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/signing"
	"github.com/SettldHQ/gateway/pkg/responders"
)

// MaxTimestampSkew bounds how stale a delivery timestamp may be in either
// direction.
const MaxTimestampSkew = 5 * time.Minute

// maxDeliveryBody caps accepted artifact size.
const maxDeliveryBody = 2 << 20

// Dedupe log lifecycle events. Every delivery logs RECEIVED and ACK_RESULT;
// first-time deliveries also log STORED after archival and ACK_QUEUED before
// the ack is written. Only STORED entries bind a dedupe key.
const (
	dedupeEventReceived  = "RECEIVED"
	dedupeEventStored    = "STORED"
	dedupeEventAckQueued = "ACK_QUEUED"
	dedupeEventAckResult = "ACK_RESULT"
)

// dedupeEntry is one line of the append-only dedupe log.
type dedupeEntry struct {
	Event        string `json:"event"`
	DedupeKey    string `json:"dedupeKey"`
	ArtifactType string `json:"artifactType"`
	BodySha256   string `json:"bodySha256"`
	ReceivedAt   int64  `json:"receivedAt"`
	Result       string `json:"result,omitempty"`
}

// Receiver accepts signed artifact deliveries, deduplicates them by dedupe
// key, and archives bodies content-addressed under dir/artifacts.
type Receiver struct {
	secret string
	dir    string
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]dedupeEntry
}

// NewReceiver loads the dedupe log from dir and returns a ready receiver.
func NewReceiver(secret, dir string, logger zerolog.Logger) (*Receiver, error) {
	r := &Receiver{
		secret: secret,
		dir:    dir,
		logger: logger,
		now:    time.Now,
		seen:   make(map[string]dedupeEntry),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.E(errors.CodeInternal, "create receiver dir: %v", err)
	}
	if err := r.loadDedupeLog(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Receiver) dedupeLogPath() string { return filepath.Join(r.dir, "dedupe.jsonl") }

func (r *Receiver) loadDedupeLog() error {
	data, err := os.ReadFile(r.dedupeLogPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.E(errors.CodeInternal, "read dedupe log: %v", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry dedupeEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			r.logger.Warn().Err(err).Msg("webhooks: skipping corrupt dedupe log line")
			continue
		}
		// RECEIVED and ack entries are audit trail only; a key is bound
		// once its artifact hit the archive.
		if entry.Event != dedupeEventStored && entry.Event != "" {
			continue
		}
		r.seen[entry.DedupeKey] = entry
	}
	return nil
}

// ServeHTTP handles one delivery: signature and timestamp checks, dedupe,
// content-addressed archival, and a JSON ack.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxDeliveryBody+1))
	if err != nil || len(body) > maxDeliveryBody {
		errors.Write(w, errors.E(errors.CodeArtifactInvalid, "delivery body unreadable or too large"))
		return
	}

	tsRaw := req.Header.Get(HeaderTimestamp)
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		errors.Write(w, errors.E(errors.CodeWebhookTimestampInvalid, "timestamp header %q not parseable", tsRaw))
		return
	}
	now := r.now()
	skew := now.Sub(time.UnixMilli(ts))
	if skew > MaxTimestampSkew || skew < -MaxTimestampSkew {
		errors.Write(w, errors.E(errors.CodeWebhookTimestampInvalid, "timestamp outside allowed skew"))
		return
	}

	envelope, err := deliveryEnvelope(ts, body)
	if err != nil {
		errors.Write(w, err)
		return
	}
	if !signing.VerifyHMACSHA256([]byte(r.secret), envelope, req.Header.Get(HeaderSignature)) {
		errors.Write(w, errors.E(errors.CodeWebhookSignatureInvalid, "delivery signature check failed"))
		return
	}

	dedupeKey := req.Header.Get(HeaderDedupeKey)
	artifactType := req.Header.Get(HeaderArtifactType)
	if dedupeKey == "" || artifactType == "" {
		errors.Write(w, errors.E(errors.CodeArtifactInvalid, "dedupe key and artifact type headers required"))
		return
	}
	if !json.Valid(body) {
		errors.Write(w, errors.E(errors.CodeArtifactInvalid, "delivery body is not valid JSON"))
		return
	}

	sum := sha256.Sum256(body)
	bodySha := hex.EncodeToString(sum[:])

	// The artifact-hash header must match what the body itself proves:
	// receipts self-identify through their embedded receiptHash, everything
	// else binds to the body digest.
	if declared := req.Header.Get(HeaderArtifactHash); declared != "" {
		if computed := artifactHash(body, bodySha); declared != computed {
			errors.Write(w, errors.E(errors.CodeArtifactInvalid,
				"declared artifact hash does not match delivery body").
				WithDetail("declaredHash", declared).
				WithDetail("computedHash", computed))
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.logLifecycle(dedupeEventReceived, dedupeKey, artifactType, bodySha, now, "")

	if prior, ok := r.seen[dedupeKey]; ok {
		if prior.BodySha256 != bodySha {
			r.logLifecycle(dedupeEventAckResult, dedupeKey, artifactType, bodySha, now, "mismatch")
			errors.Write(w, errors.E(errors.CodeDedupeMismatch,
				"dedupe key %q already bound to a different artifact", dedupeKey).
				WithDetail("storedSha256", prior.BodySha256).
				WithDetail("receivedSha256", bodySha))
			return
		}
		r.logLifecycle(dedupeEventAckResult, dedupeKey, artifactType, bodySha, now, "duplicate")
		responders.JSON(w, http.StatusOK, map[string]any{
			"ok":         true,
			"duplicate":  true,
			"bodySha256": bodySha,
		})
		return
	}

	if err := r.archive(artifactType, bodySha, body); err != nil {
		errors.Write(w, err)
		return
	}
	entry := dedupeEntry{
		Event:        dedupeEventStored,
		DedupeKey:    dedupeKey,
		ArtifactType: artifactType,
		BodySha256:   bodySha,
		ReceivedAt:   now.UnixMilli(),
	}
	if err := r.appendDedupeLog(entry); err != nil {
		errors.Write(w, err)
		return
	}
	r.seen[dedupeKey] = entry
	r.logLifecycle(dedupeEventAckQueued, dedupeKey, artifactType, bodySha, now, "")
	r.logLifecycle(dedupeEventAckResult, dedupeKey, artifactType, bodySha, now, "ok")

	r.logger.Info().
		Str("dedupe_key", dedupeKey).
		Str("artifact_type", artifactType).
		Str("body_sha256", bodySha).
		Msg("webhooks: artifact received")
	responders.JSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"duplicate":  false,
		"bodySha256": bodySha,
	})
}

// artifactHash derives the hash the delivery's artifact-hash header must
// declare for this body.
func artifactHash(body []byte, bodySha string) string {
	var embedded struct {
		ReceiptHash string `json:"receiptHash"`
	}
	if err := json.Unmarshal(body, &embedded); err == nil && embedded.ReceiptHash != "" {
		return embedded.ReceiptHash
	}
	return bodySha
}

// logLifecycle records an audit entry in the dedupe log. Best effort; the
// STORED entry written separately is the one that carries dedupe state.
func (r *Receiver) logLifecycle(event, dedupeKey, artifactType, bodySha string, at time.Time, result string) {
	err := r.appendDedupeLog(dedupeEntry{
		Event:        event,
		DedupeKey:    dedupeKey,
		ArtifactType: artifactType,
		BodySha256:   bodySha,
		ReceivedAt:   at.UnixMilli(),
		Result:       result,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("event", event).Msg("webhooks: dedupe log append failed")
	}
}

// archive writes the body content-addressed; an existing file with the same
// hash is already identical by construction.
func (r *Receiver) archive(artifactType, bodySha string, body []byte) error {
	dir := filepath.Join(r.dir, "artifacts", filepath.Base(artifactType))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.E(errors.CodeInternal, "create artifact dir: %v", err)
	}
	path := filepath.Join(dir, bodySha+".json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return errors.E(errors.CodeInternal, "write artifact: %v", err)
	}
	return nil
}

func (r *Receiver) appendDedupeLog(entry dedupeEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return errors.E(errors.CodeInternal, "encode dedupe entry: %v", err)
	}
	f, err := os.OpenFile(r.dedupeLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.E(errors.CodeInternal, "open dedupe log: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.E(errors.CodeInternal, "append dedupe log: %v", err)
	}
	return nil
}
