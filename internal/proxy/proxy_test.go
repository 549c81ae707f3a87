package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/gate"
	"github.com/SettldHQ/gateway/internal/signing"
	"github.com/SettldHQ/gateway/internal/storage"
	"github.com/SettldHQ/gateway/pkg/x402"
)

const testTenant = "tenant_1"

type fixture struct {
	store    *storage.MemoryStore
	gates    *gate.Service
	upstream *httptest.Server
	proxy    *httptest.Server
}

// newFixture stands up an upstream that answers the x402 dance: 402 with an
// offer until an Authorization header arrives, then the given response.
func newFixture(t *testing.T, offerHeader string, respond http.HandlerFunc) *fixture {
	return newFixtureHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.Header().Set(x402.HeaderPaymentRequired, offerHeader)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		respond(w, r)
	})
}

func newFixtureHandler(t *testing.T, upstream http.HandlerFunc) *fixture {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	f := &fixture{store: storage.NewMemoryStore()}
	f.gates = gate.NewService(f.store, kp, gate.DefaultConfig(), zerolog.Nop())

	f.upstream = httptest.NewServer(upstream)
	t.Cleanup(f.upstream.Close)

	target, err := url.Parse(f.upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	p := New(f.gates, Config{Upstream: target}, f.upstream.Client(), nil, zerolog.Nop(), nil)
	f.proxy = httptest.NewServer(p)
	t.Cleanup(f.proxy.Close)
	return f
}

func (f *fixture) request(t *testing.T, method, path, gateID string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.proxy.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set(x402.HeaderTenantID, testTenant)
	if gateID != "" {
		req.Header.Set(x402.HeaderGateID, gateID)
	}
	resp, err := f.proxy.Client().Do(req)
	if err != nil {
		t.Fatalf("proxy request error = %v", err)
	}
	return resp
}

func (f *fixture) fund(t *testing.T, agentID string, cents int64) {
	t.Helper()
	if _, err := f.store.CreditWallet(context.Background(), testTenant, agentID, cents); err != nil {
		t.Fatalf("CreditWallet() error = %v", err)
	}
}

func jsonUpstream(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

const testOffer = "amountCents=1000; currency=USD; providerId=prov_1; toolId=tool_echo"

func TestProxy_PassThrough(t *testing.T) {
	// Upstream that never asks for payment streams straight through.
	f := newFixtureHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("x-upstream", "yes")
		_, _ = w.Write([]byte("plain"))
	})

	resp := f.request(t, http.MethodGet, "/v1/echo", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != 200 || resp.Header.Get("x-upstream") != "yes" {
		t.Fatalf("status = %d, headers = %v", resp.StatusCode, resp.Header)
	}
	if resp.Header.Get(x402.HeaderGateID) != "" {
		t.Error("pass-through response carries a gate id")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "plain" {
		t.Errorf("body = %q", body)
	}
}

func TestProxy_FirstHopCreatesGate(t *testing.T) {
	f := newFixture(t, testOffer, jsonUpstream(`{"ok":true}`))

	resp := f.request(t, http.MethodGet, "/v1/echo", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	gateID := resp.Header.Get(x402.HeaderGateID)
	if gateID == "" {
		t.Fatal("402 relay is missing the gate id header")
	}

	g, err := f.store.GetGate(context.Background(), testTenant, gateID)
	if err != nil {
		t.Fatalf("GetGate() error = %v", err)
	}
	if g.AmountCents != 1000 || g.Currency != "USD" || g.PayeeAgentID != "prov_1" {
		t.Errorf("gate = %+v", g)
	}
	if g.PaymentRequiredHeaderRaw != testOffer {
		t.Errorf("stored offer = %q", g.PaymentRequiredHeaderRaw)
	}
}

func TestProxy_RetrySettlesGreen(t *testing.T) {
	f := newFixture(t, testOffer, jsonUpstream(`{"result": "ok", "n": 1}`))
	f.fund(t, "agent_anonymous", 5000)

	first := f.request(t, http.MethodGet, "/v1/echo", "", nil)
	first.Body.Close()
	gateID := first.Header.Get(x402.HeaderGateID)

	resp := f.request(t, http.MethodGet, "/v1/echo", gateID, nil)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(x402.HeaderVerificationStatus); got != storage.VerificationGreen {
		t.Errorf("verification status header = %q", got)
	}
	if got := resp.Header.Get(x402.HeaderReleasedAmountCents); got != "1000" {
		t.Errorf("released header = %q", got)
	}
	if got := resp.Header.Get(x402.HeaderSettlementStatus); got != string(storage.GateResolved) {
		t.Errorf("settlement status header = %q", got)
	}

	// Formatting-insensitive hash of the JSON body.
	wantHash, err := canonical.Hash(map[string]any{"result": "ok", "n": 1})
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got := resp.Header.Get(x402.HeaderResponseSha256); got != wantHash {
		t.Errorf("response hash = %q, want %q", got, wantHash)
	}

	payee, err := f.store.GetWallet(context.Background(), testTenant, "prov_1")
	if err != nil || payee.AvailableCents != 1000 {
		t.Errorf("payee wallet = %+v, err = %v", payee, err)
	}
}

func TestProxy_RetryWithBodyRejected(t *testing.T) {
	f := newFixture(t, testOffer, jsonUpstream(`{}`))
	f.fund(t, "agent_anonymous", 5000)

	first := f.request(t, http.MethodGet, "/v1/echo", "", nil)
	first.Body.Close()
	gateID := first.Header.Get(x402.HeaderGateID)

	resp := f.request(t, http.MethodPost, "/v1/echo", gateID, strings.NewReader(`{"payload":1}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	// No money moved: the gate never authorized.
	g, err := f.store.GetGate(context.Background(), testTenant, gateID)
	if err != nil || g.Status != storage.GateCreated {
		t.Errorf("gate = %+v, err = %v", g, err)
	}
}

func TestProxy_UpstreamFailureForcesRed(t *testing.T) {
	f := newFixture(t, testOffer, func(w http.ResponseWriter, _ *http.Request) {
		// Simulate a mid-flight upstream crash on the paid retry.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	})
	f.fund(t, "agent_anonymous", 5000)

	first := f.request(t, http.MethodGet, "/v1/echo", "", nil)
	first.Body.Close()
	gateID := first.Header.Get(x402.HeaderGateID)

	resp := f.request(t, http.MethodGet, "/v1/echo", gateID, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	ctx := context.Background()
	d, err := f.store.GetDecision(ctx, testTenant, gateID)
	if err != nil {
		t.Fatalf("GetDecision() error = %v", err)
	}
	if d.VerificationStatus != storage.VerificationRed || d.RefundedAmountCents != 1000 {
		t.Errorf("decision = %+v", d)
	}
	// Escrow refunded, not stranded.
	payer, err := f.store.GetWallet(ctx, testTenant, "agent_anonymous")
	if err != nil || payer.AvailableCents != 5000 {
		t.Errorf("payer wallet = %+v, err = %v", payer, err)
	}
}

func TestProxy_ResponseTooLargeForcesRed(t *testing.T) {
	huge := strings.Repeat("x", 256)
	f := newFixture(t, testOffer, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(huge))
	})
	f.fund(t, "agent_anonymous", 5000)

	// Shrink the cap below the upstream body.
	target, _ := url.Parse(f.upstream.URL)
	small := New(f.gates, Config{Upstream: target, MaxResponseBytes: 64}, f.upstream.Client(), nil, zerolog.Nop(), nil)
	srv := httptest.NewServer(small)
	defer srv.Close()
	f.proxy = srv

	first := f.request(t, http.MethodGet, "/v1/echo", "", nil)
	first.Body.Close()
	gateID := first.Header.Get(x402.HeaderGateID)

	resp := f.request(t, http.MethodGet, "/v1/echo", gateID, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	d, err := f.store.GetDecision(context.Background(), testTenant, gateID)
	if err != nil {
		t.Fatalf("GetDecision() error = %v", err)
	}
	found := false
	for _, code := range d.ReasonCodes {
		if code == "X402_GATEWAY_RESPONSE_TOO_LARGE" {
			found = true
		}
	}
	if d.VerificationStatus != storage.VerificationRed || !found {
		t.Errorf("decision = %+v", d)
	}
}

func TestProxy_StrictBindingOffer(t *testing.T) {
	offer := testOffer + "; quoteRequired=true; requestBindingMode=strict"
	f := newFixture(t, offer, jsonUpstream(`{"ok":true}`))
	f.fund(t, "agent_anonymous", 5000)

	first := f.request(t, http.MethodGet, "/v1/echo?q=1", "", nil)
	first.Body.Close()
	gateID := first.Header.Get(x402.HeaderGateID)

	resp := f.request(t, http.MethodGet, "/v1/echo?q=1", gateID, nil)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	g, err := f.store.GetGate(context.Background(), testTenant, gateID)
	if err != nil || g.Status != storage.GateResolved {
		t.Errorf("gate = %+v, err = %v", g, err)
	}
}

func TestProxy_NonJSONUpstreamErrorSettlesRed(t *testing.T) {
	f := newFixture(t, testOffer, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	f.fund(t, "agent_anonymous", 5000)

	first := f.request(t, http.MethodGet, "/v1/echo", "", nil)
	first.Body.Close()
	gateID := first.Header.Get(x402.HeaderGateID)

	resp := f.request(t, http.MethodGet, "/v1/echo", gateID, nil)
	defer resp.Body.Close()
	// Upstream status relays as-is; the settlement is red underneath.
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want relayed 500", resp.StatusCode)
	}
	if got := resp.Header.Get(x402.HeaderVerificationStatus); got != storage.VerificationRed {
		t.Errorf("verification status header = %q", got)
	}
	if got := resp.Header.Get(x402.HeaderResponseSha256); got != canonical.HashBytes([]byte("boom")) {
		t.Errorf("response hash = %q", got)
	}
	d, err := f.store.GetDecision(context.Background(), testTenant, gateID)
	if err != nil || d.RefundedAmountCents != 1000 {
		t.Errorf("decision = %+v, err = %v", d, err)
	}
}

func TestResponseHash(t *testing.T) {
	a, err := responseHash("application/json", []byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatalf("responseHash() error = %v", err)
	}
	b, _ := responseHash("application/json; charset=utf-8", []byte(`{"a":1,"b":2}`))
	if a != b {
		t.Errorf("JSON hash depends on formatting: %s vs %s", a, b)
	}
	raw, _ := responseHash("text/plain", []byte(`{"b": 2, "a": 1}`))
	if raw == a {
		t.Error("raw hash unexpectedly matches canonical JSON hash")
	}
	if raw != canonical.HashBytes([]byte(`{"b": 2, "a": 1}`)) {
		t.Error("non-JSON content must hash raw bytes")
	}
}

func TestProxy_MissingTenant(t *testing.T) {
	f := newFixture(t, testOffer, jsonUpstream(`{}`))
	req, _ := http.NewRequest(http.MethodGet, f.proxy.URL+"/v1/echo", nil)
	resp, err := f.proxy.Client().Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 TENANT_MISSING", resp.StatusCode)
	}
}
