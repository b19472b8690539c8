package payment_test

import (
	"context"
	"testing"

	"github.com/cassiomorais/venuepay/internal/features"
	"github.com/cassiomorais/venuepay/internal/payment"
	"github.com/cassiomorais/venuepay/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCanary(h *harness) (*payment.Processor, *testutil.MockGateway) {
	canaryGateway := testutil.NewMockGatewayNamed("mockpay-next")
	p := payment.NewProcessor(canaryGateway, h.txm, h.breakers, h.store, zerolog.Nop(),
		payment.WithVariant("canary"),
		payment.WithPublisher(h.recorder),
	)
	p.SetReady(true)
	return p, canaryGateway
}

func TestRouter_WithoutCanary(t *testing.T) {
	h := newHarness(t)
	r := payment.NewRouter(h.processor, nil, features.NewManager(features.Flag{Name: features.CanaryProcessor, Enabled: true, Rollout: 100}))

	assert.Same(t, h.processor, r.For("v1", "u1"))
	assert.Len(t, r.Processors(), 1)
}

func TestRouter_CanaryByFlag(t *testing.T) {
	h := newHarness(t)
	canary, _ := newCanary(h)
	flags := features.NewManager(features.Flag{Name: features.CanaryProcessor, Enabled: true, Venues: []string{"venue-beta"}})
	r := payment.NewRouter(h.processor, canary, flags)

	assert.Same(t, canary, r.For("venue-beta", "u1"))
	assert.Same(t, h.processor, r.For("venue-main", "u1"))
	assert.Len(t, r.Processors(), 2)
}

func TestRouter_ConfirmFollowsOpeningVariant(t *testing.T) {
	h := newHarness(t)
	canary, canaryGateway := newCanary(h)
	flags := features.NewManager(features.Flag{Name: features.CanaryProcessor, Enabled: true, Venues: []string{"venue-beta"}})
	r := payment.NewRouter(h.processor, canary, flags)
	ctx := context.Background()

	res, err := r.For("venue-beta", "u1").ProcessPayment(ctx, payment.ProcessRequest{
		Amount: 5000, Currency: "cad", Metadata: map[string]string{"venueId": "venue-beta", "userId": "u1"},
	})
	require.NoError(t, err)

	// The rollout changes between process and confirm.
	flags.Set(features.Flag{Name: features.CanaryProcessor, Enabled: false})

	p := r.ForTransaction(res.TransactionID)
	assert.Same(t, canary, p)
	_, err = p.ConfirmPayment(ctx, res.IntentID, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 1, canaryGateway.Calls("capture"))

	assert.Same(t, canary, r.ForIntent(ctx, res.IntentID))
	assert.Same(t, h.processor, r.ForIntent(ctx, "pi_unknown"))
	assert.Same(t, h.processor, r.ForTransaction("missing"))
}

func TestRouter_ForGateway(t *testing.T) {
	h := newHarness(t)
	canary, _ := newCanary(h)
	r := payment.NewRouter(h.processor, canary, nil)

	assert.Same(t, h.processor, r.ForGateway("mockpay"))
	assert.Same(t, canary, r.ForGateway("mockpay-next"))
	assert.Nil(t, r.ForGateway("otherpay"))
	// Without flags every request stays on stable.
	assert.Same(t, h.processor, r.For("venue-beta", "u1"))
}
