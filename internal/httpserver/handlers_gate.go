package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/gate"
	"github.com/SettldHQ/gateway/pkg/responders"
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.E(errors.CodeRequestInvalid, "decode request body: %v", err)
	}
	return nil
}

// createGate handles POST /x402/gate/create.
func (h handlers) createGate(w http.ResponseWriter, r *http.Request) {
	var req gate.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.Write(w, err)
		return
	}
	g, err := h.gates.Create(r.Context(), tenantFromContext(r.Context()), req)
	if err != nil {
		errors.Write(w, err)
		return
	}
	responders.JSON(w, http.StatusCreated, map[string]any{
		"ok":   true,
		"gate": g,
	})
}

type quoteGateRequest struct {
	GateID string `json:"gateId"`
	gate.QuoteRequest
}

// quoteGate handles POST /x402/gate/quote.
func (h handlers) quoteGate(w http.ResponseWriter, r *http.Request) {
	var req quoteGateRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.Write(w, err)
		return
	}
	if req.GateID == "" {
		errors.Write(w, errors.E(errors.CodeFieldMissing, "gateId is required"))
		return
	}
	g, q, err := h.gates.Quote(r.Context(), tenantFromContext(r.Context()), req.GateID, req.QuoteRequest)
	if err != nil {
		errors.Write(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"gate":  g,
		"quote": q,
	})
}

type authorizePaymentRequest struct {
	GateID string `json:"gateId"`
	gate.AuthorizeRequest
}

// authorizePayment handles POST /x402/gate/authorize-payment.
func (h handlers) authorizePayment(w http.ResponseWriter, r *http.Request) {
	var req authorizePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.Write(w, err)
		return
	}
	if req.GateID == "" {
		errors.Write(w, errors.E(errors.CodeFieldMissing, "gateId is required"))
		return
	}
	res, err := h.gates.AuthorizePayment(r.Context(), tenantFromContext(r.Context()), req.GateID, req.AuthorizeRequest)
	if err != nil {
		errors.Write(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"gate":             res.Gate,
		"token":            res.Token,
		"authorizationRef": res.AuthorizationRef,
		"quoteId":          res.QuoteID,
		"expiresAt":        res.ExpiresAt,
	})
}

type verifyGateRequest struct {
	GateID string `json:"gateId"`
	gate.VerifyRequest
}

// verifyGate handles POST /x402/gate/verify.
func (h handlers) verifyGate(w http.ResponseWriter, r *http.Request) {
	var req verifyGateRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.Write(w, err)
		return
	}
	if req.GateID == "" {
		errors.Write(w, errors.E(errors.CodeFieldMissing, "gateId is required"))
		return
	}
	res, err := h.gates.Verify(r.Context(), tenantFromContext(r.Context()), req.GateID, req.VerifyRequest)
	if err != nil {
		errors.Write(w, err)
		return
	}
	payload := map[string]any{
		"ok":         true,
		"gate":       res.Gate,
		"settlement": res.Decision,
		"receipt":    res.Receipt,
	}
	if res.Hold != nil {
		payload["hold"] = res.Hold
	}
	responders.JSON(w, http.StatusOK, payload)
}

type challengeHoldRequest struct {
	HoldHash string `json:"holdHash"`
	Reason   string `json:"reason,omitempty"`
}

// challengeHold handles POST /x402/gate/hold/challenge.
func (h handlers) challengeHold(w http.ResponseWriter, r *http.Request) {
	var req challengeHoldRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.Write(w, err)
		return
	}
	if req.HoldHash == "" {
		errors.Write(w, errors.E(errors.CodeFieldMissing, "holdHash is required"))
		return
	}
	hold, err := h.gates.Challenge(r.Context(), tenantFromContext(r.Context()), req.HoldHash, req.Reason)
	if err != nil {
		errors.Write(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"hold": hold,
	})
}

// getGate handles GET /x402/gate/{gateID}.
func (h handlers) getGate(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gateID")
	g, decision, err := h.gates.Get(r.Context(), tenantFromContext(r.Context()), gateID)
	if err != nil {
		errors.Write(w, err)
		return
	}
	payload := map[string]any{
		"ok":   true,
		"gate": g,
	}
	if decision != nil {
		payload["settlement"] = decision
	}
	responders.JSON(w, http.StatusOK, payload)
}
