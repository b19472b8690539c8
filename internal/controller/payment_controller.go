package controller

import (
	"net/http"

	"github.com/cassiomorais/venuepay/internal/domain/intent"
	customMW "github.com/cassiomorais/venuepay/internal/middleware"
	"github.com/cassiomorais/venuepay/internal/payment"
	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/go-chi/chi/v5"
)

// PaymentController handles payment-related HTTP requests.
type PaymentController struct {
	router       *payment.Router
	transactions *transaction.Manager
}

// NewPaymentController creates a new PaymentController.
func NewPaymentController(router *payment.Router, transactions *transaction.Manager) *PaymentController {
	return &PaymentController{
		router:       router,
		transactions: transactions,
	}
}

// CreatePayment handles POST /api/v1/payments
func (h *PaymentController) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	userID, _ := customMW.GetUserID(r.Context())
	meta := req.intentMetadata(userID)
	p := h.router.For(intent.VenueOf(meta), meta[intent.MetaUserID])

	res, err := p.ProcessPayment(r.Context(), payment.ProcessRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Metadata: meta,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, FromProcessResult(res, req, p))
}

// ConfirmPayment handles POST /api/v1/payments/{id}/confirm
func (h *PaymentController) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")

	var req ConfirmPaymentRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	snap := h.transactions.State(req.TransactionID)
	if snap == nil {
		writeError(w, transaction.NotFound(req.TransactionID))
		return
	}
	userID, _ := customMW.GetUserID(r.Context())
	if err := authorizeTransaction(snap, userID); err != nil {
		writeError(w, err)
		return
	}

	p := h.router.ForTransaction(req.TransactionID)
	captured, err := p.ConfirmPayment(r.Context(), intentID, req.TransactionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromIntent(captured, req.TransactionID, p))
}

// ValidatePayment handles GET /api/v1/payments/{id}/validation
func (h *PaymentController) ValidatePayment(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")
	userID, _ := customMW.GetUserID(r.Context())

	p := h.router.ForIntent(r.Context(), intentID)
	in, err := p.ValidatePayment(r.Context(), payment.ValidateRequest{
		IntentID: intentID,
		UserID:   userID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromValidatedIntent(in))
}
