package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/canonical"
	"github.com/SettldHQ/gateway/internal/circuitbreaker"
	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/signing"
)

func testKeyPair(t *testing.T) *signing.KeyPair {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp
}

func testPayload(now time.Time) Payload {
	return Payload{
		TenantID:           "tenant_1",
		GateID:             "gate_1",
		PayerAgentID:       "agent_payer",
		PayeeAgentID:       "agent_payee",
		AmountCents:        1000,
		Currency:           "USD",
		IssuedAt:           now.UnixMilli(),
		ExpiresAt:          now.Add(DefaultTTL).UnixMilli(),
		Nonce:              "nonce_1",
		RequestBindingMode: BindingModeNone,
	}
}

func TestMintVerify_RoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	keys, err := NewStaticKeyset(kp.Public)
	if err != nil {
		t.Fatalf("NewStaticKeyset() error = %v", err)
	}
	now := time.Now()

	tok, err := Mint(testPayload(now), kp)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if !strings.Contains(tok, ".") {
		t.Fatalf("token %q missing segment separator", tok)
	}

	p, err := Verify(context.Background(), tok, VerifyOptions{TenantID: "tenant_1", Now: now, Keys: keys})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if p.GateID != "gate_1" || p.AmountCents != 1000 || p.KeyID != kp.KeyID {
		t.Errorf("Verify() payload = %+v", p)
	}
}

func TestVerify_FailureCodes(t *testing.T) {
	kp := testKeyPair(t)
	other := testKeyPair(t)
	keys, _ := NewStaticKeyset(kp.Public)
	now := time.Now()

	valid, err := Mint(testPayload(now), kp)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	expired, err := Mint(Payload{
		TenantID:  "tenant_1",
		GateID:    "gate_1",
		IssuedAt:  now.Add(-10 * time.Minute).UnixMilli(),
		ExpiresAt: now.Add(-5 * time.Minute).UnixMilli(),
	}, kp)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	foreignSigner, err := Mint(testPayload(now), other)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	tests := []struct {
		name string
		tok  string
		opts VerifyOptions
		want errors.Code
	}{
		{"single segment", "not-a-token", VerifyOptions{Keys: keys}, errors.CodeTokenMalformed},
		{"bad base64", "!!!.###", VerifyOptions{Keys: keys}, errors.CodeTokenMalformed},
		{"expired", expired, VerifyOptions{TenantID: "tenant_1", Now: now, Keys: keys}, errors.CodeTokenExpired},
		{"tenant mismatch", valid, VerifyOptions{TenantID: "tenant_other", Now: now, Keys: keys}, errors.CodeTokenMalformed},
		{"unknown signer", foreignSigner, VerifyOptions{TenantID: "tenant_1", Now: now, Keys: keys}, errors.CodeTokenSignerUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(context.Background(), tt.tok, tt.opts)
			if !errors.HasCode(err, tt.want) {
				t.Errorf("Verify() error = %v, want code %s", err, tt.want)
			}
		})
	}
}

func TestVerify_TamperedSignature(t *testing.T) {
	kp := testKeyPair(t)
	keys, _ := NewStaticKeyset(kp.Public)
	now := time.Now()
	tok, _ := Mint(testPayload(now), kp)

	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + strings.Repeat("A", len(parts[1]))
	_, err := Verify(context.Background(), tampered, VerifyOptions{TenantID: "tenant_1", Now: now, Keys: keys})
	if !errors.HasCode(err, errors.CodeTokenSignatureInvalid) && !errors.HasCode(err, errors.CodeTokenMalformed) {
		t.Errorf("Verify() error = %v, want signature failure", err)
	}
}

func TestBindingHash_Normalization(t *testing.T) {
	emptyBody := canonical.HashBytes(nil)
	a, err := BindingHash("get", "API.Example.COM", "/exa/search?q=pilot+health", emptyBody)
	if err != nil {
		t.Fatalf("BindingHash() error = %v", err)
	}
	b, err := BindingHash("GET", "api.example.com", "/exa/search?q=pilot+health", emptyBody)
	if err != nil {
		t.Fatalf("BindingHash() error = %v", err)
	}
	if a != b {
		t.Errorf("binding hash not normalized: %s vs %s", a, b)
	}
}

func TestCheckBinding_StrictMismatch(t *testing.T) {
	emptyBody := canonical.HashBytes(nil)
	anchored, err := BindingHash("GET", "api.example.com", "/exa/search?q=pilot+health", emptyBody)
	if err != nil {
		t.Fatalf("BindingHash() error = %v", err)
	}
	p := Payload{RequestBindingMode: BindingModeStrict, RequestBindingSha256: anchored}

	if err := CheckBinding(p, "GET", "api.example.com", "/exa/search?q=pilot+health", emptyBody); err != nil {
		t.Errorf("CheckBinding() matching request error = %v", err)
	}

	withBody := canonical.HashBytes([]byte(`{"q":"other"}`))
	err = CheckBinding(p, "GET", "api.example.com", "/exa/search?q=pilot+health", withBody)
	if !errors.HasCode(err, errors.CodeRequestBindingMismatch) {
		t.Errorf("CheckBinding() error = %v, want SETTLDPAY_REQUEST_BINDING_MISMATCH", err)
	}

	// none mode never binds
	if err := CheckBinding(Payload{RequestBindingMode: BindingModeNone}, "POST", "x", "/y", withBody); err != nil {
		t.Errorf("CheckBinding() none mode error = %v", err)
	}
}

func TestProviderResponseSignature(t *testing.T) {
	kp := testKeyPair(t)
	pemData, err := signing.PublicKeyToPEM(kp.Public)
	if err != nil {
		t.Fatalf("PublicKeyToPEM() error = %v", err)
	}
	claim := ProviderResponseClaim{GateID: "gate_1", ResponseHash: canonical.HashBytes([]byte(`{"ok":true}`))}

	sig, err := SignProviderResponse(claim, kp)
	if err != nil {
		t.Fatalf("SignProviderResponse() error = %v", err)
	}
	if err := VerifyProviderResponse(pemData, kp.KeyID, sig, claim); err != nil {
		t.Errorf("VerifyProviderResponse() error = %v", err)
	}

	err = VerifyProviderResponse(pemData, kp.KeyID, "", claim)
	if !errors.HasCode(err, errors.CodeProviderSignatureMissing) {
		t.Errorf("missing signature error = %v", err)
	}
	err = VerifyProviderResponse(pemData, "wrong-key-id", sig, claim)
	if !errors.HasCode(err, errors.CodeProviderSignatureKeyIDUnknown) {
		t.Errorf("wrong key id error = %v", err)
	}
	err = VerifyProviderResponse(pemData, kp.KeyID, sig, ProviderResponseClaim{GateID: "gate_1", ResponseHash: "other"})
	if !errors.HasCode(err, errors.CodeProviderSignatureInvalid) {
		t.Errorf("altered claim error = %v", err)
	}
}

func TestProviderQuoteSignature(t *testing.T) {
	kp := testKeyPair(t)
	pemData, _ := signing.PublicKeyToPEM(kp.Public)
	payload := map[string]any{"quoteId": "q_1", "amountCents": 500, "currency": "USD"}

	sig, err := SignProviderQuote(payload, kp)
	if err != nil {
		t.Fatalf("SignProviderQuote() error = %v", err)
	}
	if err := VerifyProviderQuote(pemData, kp.KeyID, sig, payload); err != nil {
		t.Errorf("VerifyProviderQuote() error = %v", err)
	}
	err = VerifyProviderQuote(pemData, kp.KeyID, "", payload)
	if !errors.HasCode(err, errors.CodeProviderQuoteMissing) {
		t.Errorf("missing quote signature error = %v", err)
	}
}

func TestWellKnownKeyset_FetchAndPinned(t *testing.T) {
	remote := testKeyPair(t)
	pinned := testKeyPair(t)

	jwk, err := JWKFromPublicKey(remote.Public)
	if err != nil {
		t.Fatalf("JWKFromPublicKey() error = %v", err)
	}
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Header().Set("Cache-Control", "max-age=300")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[{"kty":"OKP","crv":"Ed25519","kid":"` + jwk.Kid + `","x":"` + jwk.X + `"}]}`))
	}))
	defer srv.Close()

	pinnedSet, _ := NewStaticKeyset(pinned.Public)
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), zerolog.Nop())
	ks := NewWellKnownKeyset(srv.URL, srv.Client(), breakers, pinnedSet, zerolog.Nop())

	// Pinned fallback resolves without any fetch.
	if _, ok := ks.ResolveKey(context.Background(), pinned.KeyID); !ok {
		t.Error("pinned key not resolved")
	}
	if fetches != 0 {
		t.Errorf("fetches = %d before remote lookup, want 0", fetches)
	}

	if _, ok := ks.ResolveKey(context.Background(), remote.KeyID); !ok {
		t.Error("remote key not resolved")
	}
	// Cached: second lookup must not refetch within max-age.
	if _, ok := ks.ResolveKey(context.Background(), remote.KeyID); !ok {
		t.Error("remote key not resolved from cache")
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1 (Cache-Control honored)", fetches)
	}

	if _, ok := ks.ResolveKey(context.Background(), "unknown-key-id"); ok {
		t.Error("unknown key id resolved")
	}
}

func TestWellKnownKeyset_BreakerStopsFailingFetches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := circuitbreaker.DefaultConfig()
	cfg.JWKS.ConsecutiveFailures = 2
	cfg.JWKS.Timeout = time.Hour
	breakers := circuitbreaker.NewManager(cfg, zerolog.Nop())
	ks := NewWellKnownKeyset(srv.URL, srv.Client(), breakers, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if _, ok := ks.ResolveKey(context.Background(), "some-key"); ok {
			t.Fatal("failing endpoint resolved a key")
		}
	}
	if hits != 2 {
		t.Errorf("endpoint hits = %d, want 2 (breaker open after consecutive failures)", hits)
	}
}

func TestParseMaxAge(t *testing.T) {
	if got := parseMaxAge("public, max-age=120"); got != 120*time.Second {
		t.Errorf("parseMaxAge() = %v, want 120s", got)
	}
	if got := parseMaxAge(""); got != DefaultKeysetMaxAge {
		t.Errorf("parseMaxAge(empty) = %v, want default", got)
	}
}

func TestPassportRoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	keys, _ := NewStaticKeyset(kp.Public)
	now := time.Now()

	passport, err := MintPassport(PassportClaim{
		AgentID:   "agent_payer",
		TenantID:  "tenant_1",
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(time.Hour).UnixMilli(),
	}, kp)
	if err != nil {
		t.Fatalf("MintPassport() error = %v", err)
	}
	claim, err := VerifyPassport(context.Background(), passport, keys, now)
	if err != nil {
		t.Fatalf("VerifyPassport() error = %v", err)
	}
	if claim.AgentID != "agent_payer" {
		t.Errorf("AgentID = %q", claim.AgentID)
	}

	_, err = VerifyPassport(context.Background(), "garbage", keys, now)
	if !errors.HasCode(err, errors.CodeTokenMalformed) {
		t.Errorf("VerifyPassport(garbage) error = %v", err)
	}
}
