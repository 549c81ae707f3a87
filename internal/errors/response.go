package errors

import (
	"encoding/json"
	"net/http"
)

// Envelope is the standardized error body returned to clients:
// {ok:false, code, message, details?}.
type Envelope struct {
	OK      bool           `json:"ok"`
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewEnvelope builds the wire envelope for a typed error.
func NewEnvelope(err *Error) Envelope {
	return Envelope{
		OK:      false,
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
}

// Write serializes the envelope for err with its mapped HTTP status.
func Write(w http.ResponseWriter, err error) {
	typed := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(typed.Code.HTTPStatus())
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(NewEnvelope(typed))
}

// WriteStatus serializes the envelope with an explicit HTTP status where
// the code's default mapping does not apply.
func WriteStatus(w http.ResponseWriter, status int, err error) {
	typed := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(NewEnvelope(typed))
}

// WriteCode is a convenience for handlers that have no Error value yet.
func WriteCode(w http.ResponseWriter, code Code, message string) {
	Write(w, &Error{Code: code, Message: message})
}
