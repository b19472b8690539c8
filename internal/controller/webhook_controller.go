package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/cassiomorais/venuepay/internal/gateway"
	"github.com/cassiomorais/venuepay/internal/payment"
	"github.com/go-chi/chi/v5"
)

// WebhookController receives gateway callbacks. Requests are authenticated
// by signature, not by bearer token.
type WebhookController struct {
	router *payment.Router
}

// NewWebhookController creates a new WebhookController.
func NewWebhookController(router *payment.Router) *WebhookController {
	return &WebhookController{router: router}
}

// Receive handles POST /webhooks/{gateway}
func (h *WebhookController) Receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	p := h.router.ForGateway(name)
	if p == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown gateway " + name, Code: "unknown_gateway"})
		return
	}

	// The signature covers the raw bytes, so the body is read unparsed.
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "webhook body too large", Code: "payload_too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "could not read webhook body", Code: "invalid_body"})
		return
	}

	res, err := p.HandleWebhook(r.Context(), payload, r.Header.Get(gateway.SignatureHeader))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromWebhookResult(res))
}
