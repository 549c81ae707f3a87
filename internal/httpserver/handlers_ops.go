package httpserver

import (
	"net/http"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/pkg/responders"
)

// runMaintenance handles POST /ops/maintenance/holdback/run. It executes one
// scheduler pass inline: holdback sweep, gate expiry, reconciliation, outbox
// pump.
func (h handlers) runMaintenance(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		errors.Write(w, errors.E(errors.CodeInternal, "maintenance scheduler not configured"))
		return
	}
	if err := h.scheduler.RunOnce(r.Context()); err != nil {
		errors.Write(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"ok": true})
}

type holdVerdictRequest struct {
	HoldHash   string `json:"holdHash"`
	Resolution string `json:"resolution"`
	Reason     string `json:"reason,omitempty"`
}

// holdVerdict handles POST /ops/holds/verdict. An operator settles a
// challenged hold by releasing it to the payee or refunding the payer.
func (h handlers) holdVerdict(w http.ResponseWriter, r *http.Request) {
	var req holdVerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.Write(w, err)
		return
	}
	if req.HoldHash == "" {
		errors.Write(w, errors.E(errors.CodeFieldMissing, "holdHash is required"))
		return
	}
	var refund bool
	switch req.Resolution {
	case "release":
	case "refund":
		refund = true
	default:
		errors.Write(w, errors.E(errors.CodeRequestInvalid,
			"resolution must be release or refund, got %q", req.Resolution))
		return
	}
	hold, err := h.gates.ResolveDispute(r.Context(), tenantFromContext(r.Context()), req.HoldHash, refund, req.Reason)
	if err != nil {
		errors.Write(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"hold": hold,
	})
}

type creditWalletRequest struct {
	AgentID     string `json:"agentId"`
	AmountCents int64  `json:"amountCents"`
}

// creditWallet handles POST /ops/wallets/credit. Demo funding rail.
func (h handlers) creditWallet(w http.ResponseWriter, r *http.Request) {
	var req creditWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.Write(w, err)
		return
	}
	if req.AgentID == "" {
		errors.Write(w, errors.E(errors.CodeFieldMissing, "agentId is required"))
		return
	}
	if req.AmountCents <= 0 {
		errors.Write(w, errors.E(errors.CodeAmountInvalid, "amountCents must be positive"))
		return
	}
	wallet, err := h.store.CreditWallet(r.Context(), tenantFromContext(r.Context()), req.AgentID, req.AmountCents)
	if err != nil {
		errors.Write(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"wallet": wallet,
	})
}
