// Package webhooks moves settlement artifacts to external receivers: an
// HMAC-signing deliverer drains the outbox, and a receiver verifies,
// dedupes, and archives what arrives.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/circuitbreaker"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/metrics"
	"github.com/SettldHQ/gateway/internal/signing"
	"github.com/SettldHQ/gateway/internal/storage"
	"github.com/SettldHQ/gateway/pkg/x402"
)

// Delivery headers. The signature covers {timestamp, bodyJson} in canonical
// form so receivers can verify without re-serializing the body.
const (
	HeaderTimestamp     = "x-proxy-timestamp"
	HeaderSignature     = "x-proxy-signature"
	HeaderDeliveryID    = "x-proxy-delivery-id"
	HeaderDedupeKey     = "x-proxy-dedupe-key"
	HeaderArtifactType  = "x-proxy-artifact-type"
	HeaderArtifactHash  = "x-proxy-artifact-hash"
	HeaderTenantID      = "x-proxy-tenant-id"
	HeaderDestinationID = "x-proxy-destination-id"
)

// Destination is one configured receiver endpoint.
type Destination struct {
	URL    string
	Secret string
}

// Deliverer posts signed outbox rows to their destinations.
type Deliverer struct {
	destinations map[string]Destination
	client       *http.Client
	breakers     *circuitbreaker.Manager
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewDeliverer wires a deliverer. client should carry the delivery timeout;
// breakers may be nil for pass-through delivery.
func NewDeliverer(destinations map[string]Destination, client *http.Client, breakers *circuitbreaker.Manager, logger zerolog.Logger, m *metrics.Metrics) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Deliverer{
		destinations: destinations,
		client:       client,
		breakers:     breakers,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
	}
}

// deliveryEnvelope is the canonical byte form the HMAC covers.
func deliveryEnvelope(timestampMs int64, body json.RawMessage) ([]byte, error) {
	return canonical.Marshal(map[string]any{
		"timestamp": timestampMs,
		"bodyJson":  body,
	})
}

// SignDelivery computes the HMAC hex signature over the canonical envelope.
// Exported for the receiver and tests.
func SignDelivery(secret string, timestampMs int64, body json.RawMessage) (string, error) {
	envelope, err := deliveryEnvelope(timestampMs, body)
	if err != nil {
		return "", err
	}
	return signing.HMACSHA256([]byte(secret), envelope), nil
}

// Deliver posts one outbox row. Any non-2xx response or transport failure is
// an error; the caller owns retry scheduling.
func (d *Deliverer) Deliver(ctx context.Context, row storage.OutboxRow) error {
	dest, ok := d.destinations[row.DestinationID]
	if !ok {
		return errors.E(errors.CodeInternal, "no destination configured for %q", row.DestinationID)
	}

	start := d.now()
	ts := start.UnixMilli()
	sig, err := SignDelivery(dest.Secret, ts, row.Body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(row.Body))
	if err != nil {
		return errors.E(errors.CodeInternal, "build delivery request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderDeliveryID, row.DeliveryID)
	req.Header.Set(HeaderDedupeKey, row.DedupeKey)
	req.Header.Set(HeaderArtifactType, row.ArtifactType)
	req.Header.Set(HeaderArtifactHash, row.ArtifactHash)
	req.Header.Set(HeaderTenantID, row.TenantID)
	req.Header.Set(HeaderDestinationID, row.DestinationID)
	req.Header.Set(x402.HeaderProtocol, x402.ProtocolVersion)

	// The receiver status check lives inside the breaker call so rejections
	// count toward tripping it, not just transport failures.
	res, err := d.breakers.Execute(circuitbreaker.ServiceWebhook, func() (interface{}, error) {
		resp, doErr := d.client.Do(req)
		if doErr != nil {
			return "transport_error", errors.E(errors.CodeGatewayUpstreamUnavailable,
				"deliver %q: %v", row.DeliveryID, doErr)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "rejected", errors.E(errors.CodeGatewayUpstreamUnavailable,
				"deliver %q: receiver returned %d", row.DeliveryID, resp.StatusCode)
		}
		return "acked", nil
	})
	if err != nil {
		status, _ := res.(string)
		if status == "" {
			// Breaker open: the request never left.
			status = "transport_error"
			err = errors.E(errors.CodeGatewayUpstreamUnavailable, "deliver %q: %v", row.DeliveryID, err)
		}
		d.observe(row, status, start, row.Attempts > 0)
		return err
	}
	d.observe(row, "acked", start, row.Attempts > 0)
	d.logger.Debug().
		Str("delivery_id", row.DeliveryID).
		Str("artifact_type", row.ArtifactType).
		Msg("webhooks: delivered")
	return nil
}

func (d *Deliverer) observe(row storage.OutboxRow, status string, start time.Time, retry bool) {
	if d.metrics == nil {
		return
	}
	d.metrics.ObserveDelivery(row.ArtifactType, status, d.now().Sub(start), retry)
}
