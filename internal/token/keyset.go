package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/circuitbreaker"
	"github.com/SettldHQ/gateway/internal/signing"
)

// JWKS is the well-known keyset document (OKP/Ed25519 keys only).
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is a single Ed25519 public key entry.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
	Use string `json:"use,omitempty"`
}

// JWKFromPublicKey builds the JWKS entry for a public key.
func JWKFromPublicKey(pub ed25519.PublicKey) (JWK, error) {
	kid, err := signing.KeyIDFromPublicKey(pub)
	if err != nil {
		return JWK{}, err
	}
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		Kid: kid,
		X:   base64.RawURLEncoding.EncodeToString(pub),
		Use: "sig",
	}, nil
}

// StaticKeyset resolves keys from an immutable map. Rotation replaces the
// whole value.
type StaticKeyset struct {
	keys map[string]ed25519.PublicKey
}

// NewStaticKeyset builds a keyset from public keys, indexing by derived keyId.
func NewStaticKeyset(keys ...ed25519.PublicKey) (*StaticKeyset, error) {
	m := make(map[string]ed25519.PublicKey, len(keys))
	for _, pub := range keys {
		kid, err := signing.KeyIDFromPublicKey(pub)
		if err != nil {
			return nil, err
		}
		m[kid] = pub
	}
	return &StaticKeyset{keys: m}, nil
}

// ResolveKey implements KeyResolver.
func (s *StaticKeyset) ResolveKey(_ context.Context, keyID string) (ed25519.PublicKey, bool) {
	pub, ok := s.keys[keyID]
	return pub, ok
}

// WellKnownKeyset resolves signer keys from a remote JWKS endpoint, caching
// the document per its Cache-Control max-age, with a pinned fallback key that
// is always trusted even when the endpoint is unreachable.
type WellKnownKeyset struct {
	url      string
	client   *http.Client
	breakers *circuitbreaker.Manager
	pinned   *StaticKeyset
	logger   zerolog.Logger

	mu        sync.RWMutex
	snapshot  map[string]ed25519.PublicKey
	expiresAt time.Time
}

// DefaultKeysetMaxAge applies when the endpoint sends no usable Cache-Control.
const DefaultKeysetMaxAge = 60 * time.Second

// NewWellKnownKeyset constructs a remote keyset resolver. client should carry
// the JWKS fetch timeout; breakers may be nil for an unguarded fetch.
func NewWellKnownKeyset(url string, client *http.Client, breakers *circuitbreaker.Manager, pinned *StaticKeyset, logger zerolog.Logger) *WellKnownKeyset {
	return &WellKnownKeyset{
		url:      url,
		client:   client,
		breakers: breakers,
		pinned:   pinned,
		logger:   logger,
	}
}

// ResolveKey implements KeyResolver. Pinned keys win without a fetch; other
// keyIds consult the cached snapshot, refreshing when stale.
func (w *WellKnownKeyset) ResolveKey(ctx context.Context, keyID string) (ed25519.PublicKey, bool) {
	if w.pinned != nil {
		if pub, ok := w.pinned.ResolveKey(ctx, keyID); ok {
			return pub, true
		}
	}
	if w.url == "" {
		return nil, false
	}

	w.mu.RLock()
	snap, fresh := w.snapshot, time.Now().Before(w.expiresAt)
	w.mu.RUnlock()

	if fresh {
		pub, ok := snap[keyID]
		return pub, ok
	}

	refreshed, maxAge, err := w.fetch(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Str("url", w.url).Msg("keyset: jwks refresh failed, serving stale snapshot")
		pub, ok := snap[keyID]
		return pub, ok
	}

	w.mu.Lock()
	w.snapshot = refreshed
	w.expiresAt = time.Now().Add(maxAge)
	w.mu.Unlock()

	pub, ok := refreshed[keyID]
	return pub, ok
}

func (w *WellKnownKeyset) fetch(ctx context.Context) (map[string]ed25519.PublicKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, 0, err
	}
	res, err := w.breakers.Execute(circuitbreaker.ServiceJWKS, func() (interface{}, error) {
		return w.client.Do(req)
	})
	if err != nil {
		return nil, 0, err
	}
	resp := res.(*http.Response)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, &statusError{status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	var doc JWKS
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, err
	}

	keys := make(map[string]ed25519.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys[jwk.Kid] = ed25519.PublicKey(raw)
	}
	return keys, parseMaxAge(resp.Header.Get("Cache-Control")), nil
}

type statusError struct{ status int }

func (e *statusError) Error() string { return "jwks endpoint returned status " + strconv.Itoa(e.status) }

func parseMaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return DefaultKeysetMaxAge
}
