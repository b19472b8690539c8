package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/cassiomorais/venuepay/internal/gateway"
	"github.com/cassiomorais/venuepay/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededRecord(h *harness, intentID string) {
	rec := testutil.NewRecord(intentID, "tx-1")
	h.store.Put(rec)
}

func TestHandleWebhook_InvalidSignatureHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	seededRecord(h, "pi_1")
	claimed := false
	h.dedupe.ClaimFunc = func(context.Context, string) (bool, error) {
		claimed = true
		return true, nil
	}
	body, _ := testutil.NewWebhook("evt_1", gateway.EventIntentSucceeded,
		testutil.NewTestIntent("pi_1", intent.StatusSucceeded, map[string]string{"userId": "u1"}))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"garbage", "nonsense"},
		{"wrong secret", gateway.Sign(body, "whsec_other", time.Now())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.processor.HandleWebhook(context.Background(), body, tt.header)

			assert.Nil(t, res)
			assert.ErrorIs(t, err, domainErrors.ErrInvalidSignature)
			assert.Equal(t, domainErrors.CodeInvalidSignature, domainErrors.CodeOf(err))
		})
	}

	assert.False(t, claimed)
	assert.Empty(t, h.recorder.Events())
	rec, err := h.store.GetByIntentID(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusRequiresConfirmation, rec.Status)
	assert.Equal(t, float64(3), promtest.ToFloat64(h.metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature")))
}

func TestHandleWebhook_TamperedBody(t *testing.T) {
	h := newHarness(t)
	body, header := testutil.NewWebhook("evt_1", gateway.EventIntentSucceeded,
		testutil.NewTestIntent("pi_1", intent.StatusSucceeded, nil))
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = ' '

	_, err := h.processor.HandleWebhook(context.Background(), tampered, header)
	assert.ErrorIs(t, err, domainErrors.ErrInvalidSignature)
}

func TestHandleWebhook_Succeeded(t *testing.T) {
	h := newHarness(t)
	seededRecord(h, "pi_1")
	body, header := testutil.NewWebhook("evt_1", gateway.EventIntentSucceeded,
		testutil.NewTestIntent("pi_1", intent.StatusSucceeded, map[string]string{"venueId": "v1", "transactionId": "tx-1"}))

	res, err := h.processor.HandleWebhook(context.Background(), body, header)

	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "evt_1", res.EventID)

	rec, err := h.store.GetByIntentID(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, intent.StatusSucceeded, rec.Status)

	completed := h.recorder.OfType(events.PaymentCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "pi_1", completed[0].IntentID)
	assert.Equal(t, "tx-1", completed[0].TransactionID)
	assert.Equal(t, "v1", completed[0].VenueID)
	assert.Equal(t, "webhook", completed[0].Data["source"])
}

func TestHandleWebhook_FailureTypes(t *testing.T) {
	for _, tc := range []struct {
		eventType string
		status    intent.Status
	}{
		{gateway.EventIntentFailed, intent.StatusRequiresPaymentMethod},
		{gateway.EventIntentCanceled, intent.StatusCanceled},
	} {
		t.Run(tc.eventType, func(t *testing.T) {
			h := newHarness(t)
			seededRecord(h, "pi_1")
			body, header := testutil.NewWebhook("evt_"+tc.eventType, tc.eventType, testutil.NewTestIntent("pi_1", tc.status, nil))

			res, err := h.processor.HandleWebhook(context.Background(), body, header)

			require.NoError(t, err)
			assert.True(t, res.Handled)
			rec, err := h.store.GetByIntentID(context.Background(), "pi_1")
			require.NoError(t, err)
			assert.Equal(t, tc.status, rec.Status)
			assert.Len(t, h.recorder.OfType(events.PaymentFailed), 1)
		})
	}
}

func TestHandleWebhook_UnknownTypeIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	body, header := testutil.NewWebhook("evt_9", "charge.dispute.created", testutil.NewTestIntent("pi_1", intent.StatusSucceeded, nil))

	res, err := h.processor.HandleWebhook(context.Background(), body, header)

	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, "charge.dispute.created", res.Type)
	assert.Empty(t, h.recorder.Events())
}

func TestHandleWebhook_DuplicateIsNoOp(t *testing.T) {
	h := newHarness(t)
	seededRecord(h, "pi_1")
	body, header := testutil.NewWebhook("evt_1", gateway.EventIntentSucceeded, testutil.NewTestIntent("pi_1", intent.StatusSucceeded, nil))

	_, err := h.processor.HandleWebhook(context.Background(), body, header)
	require.NoError(t, err)
	res, err := h.processor.HandleWebhook(context.Background(), body, header)

	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, h.recorder.OfType(events.PaymentCompleted), 1)
}

func TestHandleWebhook_HandlerErrorReleasesDedupe(t *testing.T) {
	h := newHarness(t)
	seededRecord(h, "pi_1")
	calls := 0
	h.store.UpdateStatusFunc = func(context.Context, string, intent.Status) error {
		calls++
		if calls == 1 {
			return errors.New("db down")
		}
		return nil
	}
	body, header := testutil.NewWebhook("evt_1", gateway.EventIntentSucceeded, testutil.NewTestIntent("pi_1", intent.StatusSucceeded, nil))

	_, err := h.processor.HandleWebhook(context.Background(), body, header)
	require.Error(t, err)

	res, err := h.processor.HandleWebhook(context.Background(), body, header)
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "a failed delivery can be retried")
	assert.Equal(t, 2, calls)
}

func TestHandleWebhook_UnknownIntentIsTolerated(t *testing.T) {
	h := newHarness(t)
	body, header := testutil.NewWebhook("evt_1", gateway.EventIntentSucceeded, testutil.NewTestIntent("pi_elsewhere", intent.StatusSucceeded, nil))

	res, err := h.processor.HandleWebhook(context.Background(), body, header)

	require.NoError(t, err)
	assert.True(t, res.Handled)
}

func TestHandleWebhook_NotReady(t *testing.T) {
	h := newHarness(t)
	h.processor.SetReady(false)
	body, header := testutil.NewWebhook("evt_1", gateway.EventIntentSucceeded, testutil.NewTestIntent("pi_1", intent.StatusSucceeded, nil))

	_, err := h.processor.HandleWebhook(context.Background(), body, header)
	assert.ErrorIs(t, err, domainErrors.ErrServiceNotReady)
}
