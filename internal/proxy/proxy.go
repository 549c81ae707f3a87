// Package proxy implements the client side of the x402 dance as a reverse
// proxy: it forwards requests to the upstream provider, translates a 402
// offer into a gate, retries with a minted SettldPay token, and settles the
// gate from the upstream response before relaying it.
package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/circuitbreaker"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/gate"
	"github.com/SettldHQ/gateway/internal/metrics"
	"github.com/SettldHQ/gateway/internal/storage"
	"github.com/SettldHQ/gateway/internal/token"
	"github.com/SettldHQ/gateway/pkg/x402"
)

// DefaultMaxResponseBytes caps the buffered upstream response on the retry
// hop. Overflow forces a red settlement rather than an unverifiable release.
const DefaultMaxResponseBytes = 2 << 20

// Config tunes the proxy.
type Config struct {
	// Upstream is the provider origin requests are forwarded to.
	Upstream *url.URL

	// ProviderPublicKeyPem pins the upstream's response-signing key. When
	// set, a 2xx without a valid provider signature settles red.
	ProviderPublicKeyPem string

	MaxResponseBytes int64
}

// Proxy is an http.Handler implementing the gateway side of x402.
type Proxy struct {
	gates    *gate.Service
	cfg      Config
	client   *http.Client
	breakers *circuitbreaker.Manager
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New wires a proxy in front of cfg.Upstream.
func New(gates *gate.Service, cfg Config, client *http.Client, breakers *circuitbreaker.Manager, logger zerolog.Logger, m *metrics.Metrics) *Proxy {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Proxy{
		gates:    gates,
		cfg:      cfg,
		client:   client,
		breakers: breakers,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := p.now()
	tenantID := r.Header.Get(x402.HeaderTenantID)
	if tenantID == "" {
		errors.Write(w, errors.E(errors.CodeTenantMissing, "x-proxy-tenant-id header is required"))
		return
	}

	gateID := r.Header.Get(x402.HeaderGateID)
	var outcome string
	if gateID == "" {
		outcome = p.firstHop(w, r, tenantID)
	} else {
		outcome = p.retryHop(w, r, tenantID, gateID)
	}
	if p.metrics != nil {
		p.metrics.ObserveProxy(outcome, p.now().Sub(start))
	}
}

// firstHop forwards the request as-is. A non-402 streams straight back; a
// 402 becomes a gate and is relayed with the gate id attached.
func (p *Proxy) firstHop(w http.ResponseWriter, r *http.Request, tenantID string) string {
	passport := r.Header.Get(x402.HeaderAgentPassport)

	upReq, err := p.upstreamRequest(r, r.Body)
	if err != nil {
		errors.Write(w, err)
		return "error"
	}
	resp, err := p.roundTrip(upReq)
	if err != nil {
		errors.Write(w, err)
		return "upstream_unavailable"
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		relayResponse(w, resp)
		return "passthrough"
	}

	offerHeader := resp.Header.Get(x402.HeaderPaymentRequired)
	offer, err := x402.ParseOffer(offerHeader)
	if err != nil {
		errors.Write(w, errors.E(errors.CodeGatewayOfferInvalid, "upstream offer unparseable: %v", err))
		return "offer_invalid"
	}

	payee := offer.ProviderID
	if payee == "" {
		payee = "agent_provider"
	}
	g, err := p.gates.Create(r.Context(), tenantID, gate.CreateRequest{
		PayerAgentID:          payerFromPassport(passport),
		PayeeAgentID:          payee,
		AmountCents:           offer.AmountCents,
		Currency:              offer.Currency,
		ToolID:                offer.ToolID,
		ProviderID:            offer.ProviderID,
		PaymentRequiredHeader: offerHeader,
		ProviderPublicKeyPem:  p.cfg.ProviderPublicKeyPem,
		AgentPassport:         passport,
	})
	if err != nil {
		errors.Write(w, err)
		return "create_failed"
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(x402.HeaderGateID, g.GateID)
	w.Header().Set(x402.HeaderProtocol, x402.ProtocolVersion)
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = io.Copy(w, resp.Body)
	return "gate_created"
}

// retryHop authorizes payment for an existing gate, replays the request with
// the minted token, and settles the gate from the upstream response.
func (p *Proxy) retryHop(w http.ResponseWriter, r *http.Request, tenantID, gateID string) string {
	// The retry must be replayable byte-for-byte. A request with a body
	// cannot be, because the first hop already consumed it.
	if hasBody(r) {
		errors.Write(w, errors.E(errors.CodeGatewayRetryRequiresBufferedBody,
			"x402 retry for gate %q must not carry a request body", gateID))
		return "unbuffered_body"
	}

	g, _, err := p.gates.Get(r.Context(), tenantID, gateID)
	if err != nil {
		errors.Write(w, err)
		return "gate_not_found"
	}

	var offer x402.Offer
	if g.PaymentRequiredHeaderRaw != "" {
		if offer, err = x402.ParseOffer(g.PaymentRequiredHeaderRaw); err != nil {
			errors.Write(w, errors.E(errors.CodeGatewayOfferInvalid, "stored offer unparseable: %v", err))
			return "offer_invalid"
		}
	}

	auth, err := p.authorize(r, tenantID, gateID, offer)
	if err != nil {
		errors.Write(w, err)
		return "authorize_failed"
	}

	// Escrow is reserved from here on. Every failure path below must
	// settle the gate red so the reservation is refunded, not stranded.
	upReq, err := p.upstreamRequest(r, http.NoBody)
	if err != nil {
		p.forceRed(w, r, tenantID, gateID, string(errors.CodeGatewayError))
		return "error"
	}
	upReq.Header.Set("Authorization", x402.AuthorizationScheme+" "+auth.Token)
	upReq.Header.Set(x402.HeaderPayment, auth.Token)

	resp, err := p.roundTrip(upReq)
	if err != nil {
		p.forceRed(w, r, tenantID, gateID, string(errors.CodeGatewayError))
		return "upstream_unavailable"
	}
	defer resp.Body.Close()

	body, overflow, err := readCapped(resp.Body, p.cfg.MaxResponseBytes)
	if err != nil || overflow {
		p.forceRed(w, r, tenantID, gateID, string(errors.CodeGatewayResponseTooLarge))
		return "response_too_large"
	}

	result, responseSha, err := p.settle(r, tenantID, gateID, resp, body)
	if err != nil {
		p.forceRed(w, r, tenantID, gateID, string(errors.CodeGatewayError))
		return "verify_failed"
	}

	copyHeaders(w.Header(), resp.Header)
	settlementHeaders(w.Header(), result)
	w.Header().Set(x402.HeaderResponseSha256, responseSha)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	return "settled_" + result.Decision.VerificationStatus
}

// authorize runs the quote and authorize-payment leg, anchoring a strict
// request binding over the empty-body retry when the offer asks for one.
func (p *Proxy) authorize(r *http.Request, tenantID, gateID string, offer x402.Offer) (gate.AuthorizeResult, error) {
	mode := offer.RequestBindingMode
	var bindingHash string
	if mode == token.BindingModeStrict {
		var err error
		bindingHash, err = token.BindingHash(r.Method, p.cfg.Upstream.Host, pathWithQuery(r.URL), canonical.HashBytes(nil))
		if err != nil {
			return gate.AuthorizeResult{}, err
		}
	}

	var quoteID string
	if offer.QuoteRequired || mode == token.BindingModeStrict {
		_, q, err := p.gates.Quote(r.Context(), tenantID, gateID, gate.QuoteRequest{
			RequestBindingMode:   mode,
			RequestBindingSha256: bindingHash,
			QuoteID:              offer.QuoteID,
		})
		if err != nil {
			return gate.AuthorizeResult{}, err
		}
		quoteID = q.QuoteID
	}

	return p.gates.AuthorizePayment(r.Context(), tenantID, gateID, gate.AuthorizeRequest{
		RequestBindingMode:   mode,
		RequestBindingSha256: bindingHash,
		QuoteID:              quoteID,
	})
}

// settle hashes the upstream response and posts the verification decision.
func (p *Proxy) settle(r *http.Request, tenantID, gateID string, resp *http.Response, body []byte) (gate.VerifyResult, string, error) {
	responseHash, err := responseHash(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return gate.VerifyResult{}, "", err
	}

	status := verificationStatus(resp.StatusCode)
	var codes []string
	if status != storage.VerificationGreen {
		codes = append(codes, fmt.Sprintf("X402_GATEWAY_UPSTREAM_STATUS_%d", resp.StatusCode))
	}

	result, err := p.gates.Verify(r.Context(), tenantID, gateID, gate.VerifyRequest{
		VerificationStatus:   status,
		VerificationCodes:    codes,
		ProviderSignature:    resp.Header.Get(x402.HeaderProviderSignature),
		ProviderKeyID:        resp.Header.Get(x402.HeaderProviderKeyID),
		ResponseSha256:       responseHash,
		RequestMethod:        r.Method,
		RequestHost:          p.cfg.Upstream.Host,
		RequestPathWithQuery: pathWithQuery(r.URL),
		RequestBodySha256:    canonical.HashBytes(nil),
	})
	return result, responseHash, err
}

// forceRed settles the gate red so reserved escrow is refunded, then tells
// the client the gateway failed. Best effort: a gate that already settled or
// never reserved is left alone.
func (p *Proxy) forceRed(w http.ResponseWriter, r *http.Request, tenantID, gateID, code string) {
	_, err := p.gates.Verify(r.Context(), tenantID, gateID, gate.VerifyRequest{
		VerificationStatus: storage.VerificationRed,
		VerificationCodes:  []string{code},
	})
	if err != nil && !errors.HasCode(err, errors.CodeGateInvalidState) {
		p.logger.Error().Err(err).
			Str("gate_id", gateID).
			Str("code", code).
			Msg("proxy: forced-red settlement failed")
	}
	errors.Write(w, errors.E(errors.Code(code), "gateway error while settling gate %q", gateID))
}

func (p *Proxy) upstreamRequest(r *http.Request, body io.Reader) (*http.Request, error) {
	target := *p.cfg.Upstream
	target.Path = singleJoin(p.cfg.Upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, errors.E(errors.CodeGatewayError, "build upstream request: %v", err)
	}
	copyHeaders(req.Header, r.Header)
	// The passport authenticates the agent to the gateway, not to the
	// provider; gateway bookkeeping headers stay on this side too.
	req.Header.Del(x402.HeaderAgentPassport)
	req.Header.Del(x402.HeaderGateID)
	req.Header.Del(x402.HeaderTenantID)
	req.Header.Del(x402.HeaderIdempotencyKey)
	req.Header.Del("Host")
	req.Host = p.cfg.Upstream.Host
	return req, nil
}

func (p *Proxy) roundTrip(req *http.Request) (*http.Response, error) {
	do := func() (interface{}, error) { return p.client.Do(req) }
	var (
		out interface{}
		err error
	)
	if p.breakers != nil {
		out, err = p.breakers.Execute(circuitbreaker.ServiceUpstream, do)
	} else {
		out, err = do()
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.ProxyUpstreamErrors.WithLabelValues(string(errors.CodeGatewayUpstreamUnavailable)).Inc()
		}
		return nil, errors.E(errors.CodeGatewayUpstreamUnavailable, "upstream fetch: %v", err)
	}
	return out.(*http.Response), nil
}

// responseHash hashes canonical JSON when the response declares JSON and
// parses as such, raw bytes otherwise. Formatting-only differences in a JSON
// body must not change the settlement evidence.
func responseHash(contentType string, body []byte) (string, error) {
	if strings.Contains(contentType, "application/json") {
		var node any
		if err := json.Unmarshal(body, &node); err == nil {
			data, err := canonical.Marshal(node)
			if err != nil {
				return "", err
			}
			return canonical.HashBytes(data), nil
		}
	}
	return canonical.HashBytes(body), nil
}

func verificationStatus(upstreamStatus int) string {
	if upstreamStatus >= 200 && upstreamStatus <= 299 {
		return storage.VerificationGreen
	}
	return storage.VerificationRed
}

// settlementHeaders echoes the settlement outcome onto the relayed response.
func settlementHeaders(h http.Header, result gate.VerifyResult) {
	h.Set(x402.HeaderGateID, result.Gate.GateID)
	h.Set(x402.HeaderProtocol, x402.ProtocolVersion)
	h.Set(x402.HeaderSettlementStatus, string(result.Gate.Status))
	h.Set(x402.HeaderVerificationStatus, result.Decision.VerificationStatus)
	h.Set(x402.HeaderReleasedAmountCents, strconv.FormatInt(result.Decision.ReleasedAmountCents, 10))
	h.Set(x402.HeaderRefundedAmountCents, strconv.FormatInt(result.Decision.RefundedAmountCents, 10))
	if len(result.Decision.ReasonCodes) > 0 {
		h.Set(x402.HeaderVerificationCodes, strings.Join(result.Decision.ReasonCodes, ","))
	}
	if result.Hold != nil {
		h.Set(x402.HeaderHoldbackStatus, string(result.Hold.Status))
		h.Set(x402.HeaderHoldbackAmountCents, strconv.FormatInt(result.Hold.AmountCents, 10))
	}
}

func relayResponse(w http.ResponseWriter, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// hasBody reports whether the request carries a payload, peeking one byte
// when the length is unknown.
func hasBody(r *http.Request) bool {
	if r.ContentLength > 0 {
		return true
	}
	if r.ContentLength == 0 || r.Body == nil || r.Body == http.NoBody {
		return false
	}
	buf := make([]byte, 1)
	n, _ := r.Body.Read(buf)
	return n > 0
}

// readCapped buffers up to max bytes; anything beyond is an overflow.
func readCapped(rc io.Reader, max int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(rc, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > max {
		return nil, true, nil
	}
	return data, false, nil
}

func pathWithQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func singleJoin(a, b string) string {
	switch {
	case a == "":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/") && b != "":
		return a + "/" + b
	default:
		return a + b
	}
}

// payerFromPassport extracts the agent id claim without verifying the
// passport; gate creation is pre-payment and verification happens at
// authorize time. A missing or opaque passport falls back to a shared id.
func payerFromPassport(passport string) string {
	if claim, err := token.DecodePassportClaim(passport); err == nil && claim.AgentID != "" {
		return claim.AgentID
	}
	return "agent_anonymous"
}
