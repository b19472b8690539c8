package gateway

import (
	"context"
	"fmt"
	"maps"
	"math/rand"
	"strings"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/google/uuid"
)

// Mock is an in-memory gateway that follows the real intent state machine.
type Mock struct {
	name        string
	failureRate float64 // 0.0 to 1.0
	timeoutRate float64 // 0.0 to 1.0
	latency     time.Duration
	verifier    Verifier

	mu      sync.Mutex
	intents map[string]*intent.Intent
	capture map[string]intent.CaptureMethod
}

// MockOption configures a Mock.
type MockOption func(*Mock)

// WithFailureRate sets the probability that a call fails as unavailable.
func WithFailureRate(rate float64) MockOption {
	return func(m *Mock) { m.failureRate = rate }
}

// WithTimeoutRate sets the probability of a simulated timeout.
func WithTimeoutRate(rate float64) MockOption {
	return func(m *Mock) { m.timeoutRate = rate }
}

// WithLatency sets the simulated round-trip latency.
func WithLatency(d time.Duration) MockOption {
	return func(m *Mock) { m.latency = d }
}

// WithVerifier replaces the webhook verifier.
func WithVerifier(v Verifier) MockOption {
	return func(m *Mock) { m.verifier = v }
}

// NewMock creates an in-memory gateway.
func NewMock(name string, opts ...MockOption) *Mock {
	m := &Mock{
		name:     name,
		verifier: Verifier{Tolerance: DefaultTolerance},
		intents:  make(map[string]*intent.Intent),
		capture:  make(map[string]intent.CaptureMethod),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) CreateIntent(ctx context.Context, params CreateParams) (*intent.Intent, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if err := intent.ValidateAmount(params.Amount, params.Currency); err != nil {
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrProviderRejected, err)
	}

	in := &intent.Intent{
		ID:       "pi_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Amount:   params.Amount,
		Currency: strings.ToLower(params.Currency),
		Status:   intent.StatusRequiresConfirmation,
		Metadata: maps.Clone(params.Metadata),
	}
	capture := params.CaptureMethod
	if capture == "" {
		capture = intent.CaptureAutomatic
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[in.ID] = in
	m.capture[in.ID] = capture
	return copyIntent(in), nil
}

func (m *Mock) ConfirmIntent(ctx context.Context, id string) (*intent.Intent, error) {
	return m.transition(ctx, id, func(in *intent.Intent, capture intent.CaptureMethod) error {
		if in.Status != intent.StatusRequiresConfirmation {
			return unexpectedState(in, "confirm")
		}
		in.Status = intent.StatusSucceeded
		if capture == intent.CaptureManual {
			in.Status = intent.StatusRequiresCapture
		}
		return nil
	})
}

func (m *Mock) CaptureIntent(ctx context.Context, id string) (*intent.Intent, error) {
	return m.transition(ctx, id, func(in *intent.Intent, _ intent.CaptureMethod) error {
		if in.Status != intent.StatusRequiresCapture {
			return unexpectedState(in, "capture")
		}
		in.Status = intent.StatusSucceeded
		return nil
	})
}

func (m *Mock) CancelIntent(ctx context.Context, id string) (*intent.Intent, error) {
	return m.transition(ctx, id, func(in *intent.Intent, _ intent.CaptureMethod) error {
		if in.IsTerminal() {
			return unexpectedState(in, "cancel")
		}
		in.Status = intent.StatusCanceled
		return nil
	})
}

func (m *Mock) RetrieveIntent(ctx context.Context, id string) (*intent.Intent, error) {
	return m.transition(ctx, id, func(*intent.Intent, intent.CaptureMethod) error { return nil })
}

func (m *Mock) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Mock) VerifyWebhook(payload []byte, header, secret string) (*Event, error) {
	return m.verifier.Verify(payload, header, secret)
}

// SetStatus forces an intent into status, simulating out-of-band gateway changes.
func (m *Mock) SetStatus(id string, status intent.Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if ok {
		in.Status = status
	}
	return ok
}

// Intents returns copies of every intent the mock knows about.
func (m *Mock) Intents() []*intent.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*intent.Intent, 0, len(m.intents))
	for _, in := range m.intents {
		out = append(out, copyIntent(in))
	}
	return out
}

func (m *Mock) transition(ctx context.Context, id string, apply func(*intent.Intent, intent.CaptureMethod) error) (*intent.Intent, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrIntentNotFound, id)
	}
	if err := apply(in, m.capture[id]); err != nil {
		return nil, err
	}
	return copyIntent(in), nil
}

func (m *Mock) simulate(ctx context.Context) error {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.timeoutRate > 0 && rand.Float64() < m.timeoutRate {
		return domainErrors.ErrProviderTimeout
	}
	if m.failureRate > 0 && rand.Float64() < m.failureRate {
		return fmt.Errorf("%w: %s simulated outage", domainErrors.ErrProviderUnavailable, m.name)
	}
	return nil
}

func unexpectedState(in *intent.Intent, op string) error {
	return fmt.Errorf("%w: cannot %s intent %s in status %s", domainErrors.ErrProviderRejected, op, in.ID, in.Status)
}

func copyIntent(in *intent.Intent) *intent.Intent {
	out := *in
	out.Metadata = maps.Clone(in.Metadata)
	return &out
}
