package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cassiomorais/venuepay/internal/breaker"
	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/cassiomorais/venuepay/internal/gateway"
	"github.com/cassiomorais/venuepay/internal/infrastructure/config"
	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/venuepay/internal/middleware"
	"github.com/cassiomorais/venuepay/internal/payment"
	"github.com/cassiomorais/venuepay/internal/testutil"
	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "controller-test-secret-0123456789abcdef"

type apiHarness struct {
	gateway   *testutil.MockGateway
	store     *testutil.MockIntentStore
	txm       *transaction.Manager
	processor *payment.Processor
	handler   http.Handler
	dbErr     error
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		gateway: testutil.NewMockGateway(),
		store:   testutil.NewMockIntentStore(),
	}
	recorder := testutil.NewEventRecorder()
	h.txm = transaction.NewManager(testutil.NewMockSessionFactory(), recorder, zerolog.Nop())
	breakers := breaker.NewRegistry(breaker.DefaultSettings())
	h.processor = payment.NewProcessor(h.gateway, h.txm, breakers, h.store, zerolog.Nop(),
		payment.WithPublisher(recorder),
		payment.WithDeduper(testutil.NewMockDeduper()),
		payment.WithWebhookSecret(testutil.TestWebhookSecret),
	)
	h.processor.SetReady(true)

	h.handler = NewRouter(RouterDeps{
		Router:       payment.NewRouter(h.processor, nil, nil),
		Transactions: h.txm,
		Breakers:     breakers,
		HealthChecks: []HealthCheck{{
			Name:  "database",
			Check: func(context.Context) error { return h.dbErr },
		}},
		Metrics:        observability.NewTestMetrics(),
		MetricsHandler: http.NotFoundHandler(),
		Auth:           config.AuthConfig{JWTSecret: testJWTSecret},
		Logger:         zerolog.Nop(),
	})
	return h
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, customMW.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (h *apiHarness) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", bearer(t, userID))
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) create(t *testing.T, userID string) PaymentResponse {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/v1/payments", userID, map[string]any{
		"amount":   5000,
		"currency": "cad",
		"venue_id": "venue-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp PaymentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestPaymentFlow_CreateConfirmValidate(t *testing.T) {
	h := newAPIHarness(t)

	created := h.create(t, "u1")
	assert.NotEmpty(t, created.IntentID)
	assert.NotEmpty(t, created.TransactionID)
	assert.Equal(t, string(intent.StatusRequiresConfirmation), created.Status)
	assert.Equal(t, "mockpay", created.Gateway)
	assert.Equal(t, "stable", created.Variant)

	w := h.do(t, http.MethodGet, "/api/v1/transactions/"+created.TransactionID, "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tx TransactionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tx))
	assert.Equal(t, string(transaction.StateInProgress), tx.State)
	assert.Equal(t, "venue-1", tx.VenueID)
	assert.Equal(t, []string{"rollback_create_intent"}, tx.Compensations)

	w = h.do(t, http.MethodPost, "/api/v1/payments/"+created.IntentID+"/confirm", "u1",
		ConfirmPaymentRequest{TransactionID: created.TransactionID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var confirmed PaymentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&confirmed))
	assert.Equal(t, string(intent.StatusSucceeded), confirmed.Status)
	assert.Equal(t, int64(5000), confirmed.Amount)

	w = h.do(t, http.MethodGet, "/api/v1/payments/"+created.IntentID+"/validation", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var validation ValidationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&validation))
	assert.True(t, validation.Valid)
	assert.Equal(t, "venue-1", validation.VenueID)

	w = h.do(t, http.MethodGet, "/api/v1/transactions/"+created.TransactionID, "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "finalized transactions leave the registry")
}

func TestCreatePayment_UsesAuthenticatedUser(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/payments", "u1", map[string]any{
		"amount":   5000,
		"currency": "cad",
		"metadata": map[string]string{"userId": "someone-else"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	intents := h.gateway.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, "u1", intents[0].Metadata[intent.MetaUserID])
}

func TestCreatePayment_Errors(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/payments", "u1", map[string]any{"amount": 0, "currency": "cad"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domainErrors.CodeValidation, decodeError(t, w).Code)

	w = h.do(t, http.MethodPost, "/api/v1/payments", "", map[string]any{"amount": 5000, "currency": "cad"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	h.gateway.CreateIntentFunc = func(context.Context, gateway.CreateParams) (*intent.Intent, error) {
		return nil, domainErrors.ErrProviderUnavailable
	}
	w = h.do(t, http.MethodPost, "/api/v1/payments", "u1", map[string]any{"amount": 5000, "currency": "cad"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, h.txm.Active(), "failed creation rolls the transaction back")

	h.processor.SetReady(false)
	w = h.do(t, http.MethodPost, "/api/v1/payments", "u1", map[string]any{"amount": 5000, "currency": "cad"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, domainErrors.CodeServiceNotReady, decodeError(t, w).Code)
}

func TestConfirmPayment_OwnershipAndLookup(t *testing.T) {
	h := newAPIHarness(t)
	created := h.create(t, "u1")

	w := h.do(t, http.MethodPost, "/api/v1/payments/"+created.IntentID+"/confirm", "u2",
		ConfirmPaymentRequest{TransactionID: created.TransactionID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotNil(t, h.txm.State(created.TransactionID), "a rejected caller does not touch the transaction")

	w = h.do(t, http.MethodPost, "/api/v1/payments/"+created.IntentID+"/confirm", "u1",
		ConfirmPaymentRequest{TransactionID: "00000000-0000-0000-0000-000000000000"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, domainErrors.CodeTransactionNotFound, decodeError(t, w).Code)

	w = h.do(t, http.MethodPost, "/api/v1/payments/"+created.IntentID+"/confirm", "u1",
		map[string]string{"transaction_id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfirmPayment_CaptureFailureRollsBack(t *testing.T) {
	h := newAPIHarness(t)
	created := h.create(t, "u1")
	h.gateway.CaptureIntentFunc = func(context.Context, string) (*intent.Intent, error) {
		return nil, errors.New("capture exploded")
	}

	w := h.do(t, http.MethodPost, "/api/v1/payments/"+created.IntentID+"/confirm", "u1",
		ConfirmPaymentRequest{TransactionID: created.TransactionID})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, domainErrors.CodeCaptureFailed, decodeError(t, w).Code)
	assert.Nil(t, h.txm.State(created.TransactionID))
	in, err := h.gateway.RetrieveIntent(context.Background(), created.IntentID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusCanceled, in.Status)
}

func TestValidatePayment_NotSucceededAndForeign(t *testing.T) {
	h := newAPIHarness(t)
	created := h.create(t, "u1")

	w := h.do(t, http.MethodGet, "/api/v1/payments/"+created.IntentID+"/validation", "u1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, domainErrors.CodePaymentNotSucceeded, decodeError(t, w).Code)

	w = h.do(t, http.MethodGet, "/api/v1/payments/"+created.IntentID+"/validation", "u2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "pending intents are hidden from other users")
	assert.Equal(t, domainErrors.CodeAuthorization, decodeError(t, w).Code)

	h.gateway.SetStatus(created.IntentID, intent.StatusSucceeded)
	w = h.do(t, http.MethodGet, "/api/v1/payments/"+created.IntentID+"/validation", "u2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhook(t *testing.T) {
	h := newAPIHarness(t)
	created := h.create(t, "u1")
	h.store.Put(testutil.NewRecord(created.IntentID, created.TransactionID))
	body, header := testutil.NewWebhook("evt_1", gateway.EventIntentSucceeded,
		testutil.NewTestIntent(created.IntentID, intent.StatusSucceeded, map[string]string{"userId": "u1"}))

	send := func(path, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set(gateway.SignatureHeader, signature)
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)
		return w
	}

	w := send("/webhooks/mockpay", "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domainErrors.CodeInvalidSignature, decodeError(t, w).Code)

	w = send("/webhooks/otherpay", header)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = send("/webhooks/mockpay", header)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ack WebhookResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ack))
	assert.True(t, ack.Handled)
	assert.False(t, ack.Duplicate)

	w = send("/webhooks/mockpay", header)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ack))
	assert.True(t, ack.Duplicate)

	rec, err := h.store.GetByIntentID(context.Background(), created.IntentID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusSucceeded, rec.Status)
}

func TestListBreakers(t *testing.T) {
	h := newAPIHarness(t)
	h.create(t, "u1")

	w := h.do(t, http.MethodGet, "/api/v1/breakers", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var breakers []BreakerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&breakers))
	require.Len(t, breakers, 1)
	assert.Equal(t, "mockpay", breakers[0].Service)
	assert.Equal(t, "venue-1", breakers[0].Venue)
	assert.Equal(t, "CLOSED", breakers[0].State)
}

func TestHealthEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	h.processor.SetReady(false)
	w = h.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "payment gateway unavailable")

	h.processor.SetReady(true)
	h.dbErr = errors.New("connection refused")
	w = h.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "database unavailable")
}
