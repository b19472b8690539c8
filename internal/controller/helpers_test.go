package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		payload      any
		expectedBody string
	}{
		{
			name:         "simple map",
			status:       http.StatusOK,
			payload:      map[string]string{"message": "hello"},
			expectedBody: `{"message":"hello"}`,
		},
		{
			name:         "struct",
			status:       http.StatusCreated,
			payload:      struct{ ID string }{ID: "123"},
			expectedBody: `{"ID":"123"}`,
		},
		{
			name:         "error response",
			status:       http.StatusBadRequest,
			payload:      ErrorResponse{Error: "bad request", Code: "invalid_input"},
			expectedBody: `{"error":"bad request","code":"invalid_input"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeJSON(w, tt.status, tt.payload)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

func TestWriteError_ValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	err := domainErrors.NewValidationError("amount", "must be a positive integer")

	writeError(w, err)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, domainErrors.CodeValidation, response.Code)
	assert.Contains(t, response.Error, "amount")
}

func TestWriteError_DomainErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "invalid signature",
			err:            domainErrors.Wrap(domainErrors.CodeInvalidSignature, domainErrors.ErrInvalidSignature, errors.New("timestamp outside tolerance")),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   domainErrors.CodeInvalidSignature,
		},
		{
			name:           "foreign intent",
			err:            domainErrors.Wrap(domainErrors.CodeAuthorization, domainErrors.ErrAuthorization, nil),
			expectedStatus: http.StatusForbidden,
			expectedCode:   domainErrors.CodeAuthorization,
		},
		{
			name:           "processor not ready",
			err:            domainErrors.Wrap(domainErrors.CodeServiceNotReady, domainErrors.ErrServiceNotReady, nil),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   domainErrors.CodeServiceNotReady,
		},
		{
			name:           "open circuit under processing failure",
			err:            domainErrors.Wrap(domainErrors.CodePaymentProcessing, domainErrors.ErrPaymentProcessing, domainErrors.ErrCircuitOpen),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   domainErrors.CodeCircuitOpen,
		},
		{
			name:           "gateway timeout",
			err:            domainErrors.ErrProviderTimeout,
			expectedStatus: http.StatusGatewayTimeout,
			expectedCode:   "gateway_timeout",
		},
		{
			name:           "unknown transaction",
			err:            transaction.NotFound("tx-1"),
			expectedStatus: http.StatusNotFound,
			expectedCode:   domainErrors.CodeTransactionNotFound,
		},
		{
			name:           "unknown intent",
			err:            domainErrors.ErrIntentNotFound,
			expectedStatus: http.StatusNotFound,
			expectedCode:   "intent_not_found",
		},
		{
			name:           "incomplete transaction",
			err:            domainErrors.Wrap(domainErrors.CodeTransactionIncomplete, domainErrors.ErrTransactionIncomplete, nil),
			expectedStatus: http.StatusConflict,
			expectedCode:   domainErrors.CodeTransactionIncomplete,
		},
		{
			name:           "not succeeded",
			err:            domainErrors.Wrap(domainErrors.CodePaymentNotSucceeded, domainErrors.ErrPaymentNotSucceeded, errors.New("intent pi_1 is canceled")),
			expectedStatus: http.StatusConflict,
			expectedCode:   domainErrors.CodePaymentNotSucceeded,
		},
		{
			name:           "confirmation in progress",
			err:            domainErrors.Wrap(domainErrors.CodeConfirmationBusy, domainErrors.ErrConfirmationInProgress, errors.New("transaction tx-1 is being confirmed")),
			expectedStatus: http.StatusConflict,
			expectedCode:   domainErrors.CodeConfirmationBusy,
		},
		{
			name:           "capture failure",
			err:            domainErrors.Wrap(domainErrors.CodeCaptureFailed, domainErrors.ErrPaymentCaptureFailed, errors.New("boom")),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   domainErrors.CodeCaptureFailed,
		},
		{
			name:           "rejected by gateway",
			err:            domainErrors.Wrap(domainErrors.CodeConfirmationFailed, domainErrors.ErrPaymentConfirmationFailed, domainErrors.ErrProviderRejected),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   "payment_rejected",
		},
		{
			name:           "session begin failure",
			err:            domainErrors.Wrap(domainErrors.CodeTransactionBoundary, domainErrors.ErrTransactionBegin, errors.New("pool exhausted")),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   domainErrors.CodeTransactionBoundary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response ErrorResponse
			err := json.NewDecoder(w.Body).Decode(&response)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, response.Code)
		})
	}
}

func TestWriteError_InvalidSignatureHidesReason(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.Wrap(domainErrors.CodeInvalidSignature, domainErrors.ErrInvalidSignature, errors.New("no matching v1 signature")))

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, domainErrors.ErrInvalidSignature.Error(), response.Error)
}

func TestWriteError_GenericDomainError(t *testing.T) {
	w := httptest.NewRecorder()
	err := domainErrors.NewDomainError("custom_error", "custom error message", nil)

	writeError(w, err)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "custom_error", response.Code)
	assert.Equal(t, "custom error message", response.Error)
}

func TestWriteError_UnknownError_FallbackToInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	err := errors.New("unexpected error")

	writeError(w, err)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "internal_error", response.Code)
	assert.Equal(t, "internal server error", response.Error)
}

func TestDecodeAndValidate_Success(t *testing.T) {
	body := `{"amount":5000,"currency":"cad","venue_id":"v1","metadata":{"table":"12"}}`
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))

	var result CreatePaymentRequest
	err := decodeAndValidate(httptest.NewRecorder(), req, &result)

	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.Amount)
	assert.Equal(t, "v1", result.VenueID)
	assert.Equal(t, "12", result.Metadata["table"])
}

func TestDecodeAndValidate_Failures(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"invalid json", `{invalid json}`, "body"},
		{"empty body", ``, "body"},
		{"unknown field", `{"amount":5000,"currency":"cad","tip":100}`, "body"},
		{"float amount", `{"amount":50.5,"currency":"cad"}`, "body"},
		{"missing amount", `{"currency":"cad"}`, "Amount"},
		{"negative amount", `{"amount":-1,"currency":"cad"}`, "Amount"},
		{"short currency", `{"amount":5000,"currency":"ca"}`, "Currency"},
		{"numeric currency", `{"amount":5000,"currency":"123"}`, "Currency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader([]byte(tt.body)))

			var result CreatePaymentRequest
			err := decodeAndValidate(httptest.NewRecorder(), req, &result)

			var validationErr *domainErrors.ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func TestCreatePaymentRequest_IntentMetadata(t *testing.T) {
	req := CreatePaymentRequest{
		VenueID: "v1",
		OrderID: "o1",
		Metadata: map[string]string{
			"userId":        "spoofed",
			"transactionId": "forged",
			"table":         "12",
		},
	}

	meta := req.intentMetadata("u1")

	assert.Equal(t, map[string]string{
		"userId":  "u1",
		"venueId": "v1",
		"orderId": "o1",
		"table":   "12",
	}, meta)
	assert.Equal(t, "spoofed", req.Metadata["userId"], "request metadata is not mutated")
}

func TestAuthorizeTransaction(t *testing.T) {
	snap := &transaction.Snapshot{Context: map[string]any{"userId": "u1"}}

	assert.NoError(t, authorizeTransaction(snap, ""))
	assert.NoError(t, authorizeTransaction(snap, "u1"))
	assert.ErrorIs(t, authorizeTransaction(snap, "u2"), domainErrors.ErrAuthorization)
}
