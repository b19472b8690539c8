package controller

import (
	"net/http"

	"github.com/cassiomorais/venuepay/internal/breaker"
	customMW "github.com/cassiomorais/venuepay/internal/middleware"
	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/go-chi/chi/v5"
)

// TransactionController exposes in-flight transactions and breaker state
// for operators.
type TransactionController struct {
	transactions *transaction.Manager
	breakers     *breaker.Registry
}

// NewTransactionController creates a new TransactionController.
func NewTransactionController(transactions *transaction.Manager, breakers *breaker.Registry) *TransactionController {
	return &TransactionController{transactions: transactions, breakers: breakers}
}

// GetTransaction handles GET /api/v1/transactions/{id}. Only active
// transactions are known; finalized ones report not found.
func (h *TransactionController) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap := h.transactions.State(id)
	if snap == nil {
		writeError(w, transaction.NotFound(id))
		return
	}
	userID, _ := customMW.GetUserID(r.Context())
	if err := authorizeTransaction(snap, userID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromSnapshot(snap))
}

// ListBreakers handles GET /api/v1/breakers
func (h *TransactionController) ListBreakers(w http.ResponseWriter, r *http.Request) {
	snaps := h.breakers.Snapshots()
	resp := make([]BreakerResponse, 0, len(snaps))
	for _, s := range snaps {
		resp = append(resp, FromBreakerSnapshot(s))
	}
	writeJSON(w, http.StatusOK, resp)
}
