package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/token"
	"github.com/SettldHQ/gateway/pkg/responders"
)

// keysetMaxAge is the client-side cache window for the published keyset.
const keysetMaxAge = 300 * time.Second

// wellKnownKeyset handles GET /.well-known/settldpay-keyset. Verifiers fetch
// the active token-signing keys here; the Cache-Control max-age bounds how
// long they may reuse a snapshot.
func (h handlers) wellKnownKeyset(w http.ResponseWriter, r *http.Request) {
	jwk, err := token.JWKFromPublicKey(h.gates.SignerPublicKey().Public)
	if err != nil {
		errors.Write(w, err)
		return
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(keysetMaxAge.Seconds())))
	responders.JSON(w, http.StatusOK, map[string]any{
		"keys": []token.JWK{jwk},
	})
}
