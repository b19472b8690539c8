package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

const maxBodySize = 1 << 20

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins, so the most specific sentinel of a
// wrapped chain must come first.
var errorMappings = []errorMapping{
	{domainErrors.ErrInvalidSignature, http.StatusBadRequest, domainErrors.CodeInvalidSignature},
	{domainErrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domainErrors.ErrAuthorization, http.StatusForbidden, domainErrors.CodeAuthorization},
	{domainErrors.ErrServiceNotReady, http.StatusServiceUnavailable, domainErrors.CodeServiceNotReady},
	{domainErrors.ErrCircuitOpen, http.StatusServiceUnavailable, domainErrors.CodeCircuitOpen},
	{domainErrors.ErrProviderTimeout, http.StatusGatewayTimeout, "gateway_timeout"},
	{domainErrors.ErrProviderUnavailable, http.StatusServiceUnavailable, "gateway_unavailable"},
	{domainErrors.ErrTransactionNotFound, http.StatusNotFound, domainErrors.CodeTransactionNotFound},
	{domainErrors.ErrIntentNotFound, http.StatusNotFound, "intent_not_found"},
	{domainErrors.ErrTransactionIncomplete, http.StatusConflict, domainErrors.CodeTransactionIncomplete},
	{domainErrors.ErrTransactionExpired, http.StatusConflict, "transaction_expired"},
	{domainErrors.ErrPaymentNotSucceeded, http.StatusConflict, domainErrors.CodePaymentNotSucceeded},
	{domainErrors.ErrConfirmationInProgress, http.StatusConflict, domainErrors.CodeConfirmationBusy},
	{domainErrors.ErrProviderRejected, http.StatusUnprocessableEntity, "payment_rejected"},
	{domainErrors.ErrPaymentConfirmationFailed, http.StatusUnprocessableEntity, domainErrors.CodeConfirmationFailed},
	{domainErrors.ErrPaymentCaptureFailed, http.StatusUnprocessableEntity, domainErrors.CodeCaptureFailed},
	{domainErrors.ErrTransactionBegin, http.StatusServiceUnavailable, domainErrors.CodeTransactionBoundary},
	{domainErrors.ErrTransactionCommit, http.StatusServiceUnavailable, domainErrors.CodeTransactionBoundary},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = domainErrors.CodeValidation
		resp.Error = validationErr.Error()
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			// Signature failures do not reveal which check failed.
			if m.err == domainErrors.ErrInvalidSignature {
				resp.Error = domainErrors.ErrInvalidSignature.Error()
			}
			writeJSON(w, m.status, resp)
			return
		}
	}

	var domainErr *domainErrors.DomainError
	if errors.As(err, &domainErr) {
		resp.Code = domainErr.Code
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "internal_error"
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}

// authorizeTransaction requires an authenticated caller to own the
// transaction. Anonymous callers are only possible with auth disabled.
func authorizeTransaction(snap *transaction.Snapshot, userID string) error {
	if userID == "" {
		return nil
	}
	if owner := stringMeta(snap.Context, "userId"); owner != userID {
		return domainErrors.Wrap(domainErrors.CodeAuthorization, domainErrors.ErrAuthorization, nil)
	}
	return nil
}
