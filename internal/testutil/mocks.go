package testutil

import (
	"context"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/cassiomorais/venuepay/internal/gateway"
)

// --- Intent Store Mock ---

// MockIntentStore is an in-memory payment.IntentStore. Writes made with a
// session-bound context only become visible once that session commits.
type MockIntentStore struct {
	mu      sync.Mutex
	records map[string]*intent.Record

	SaveFunc         func(ctx context.Context, rec *intent.Record) error
	UpdateStatusFunc func(ctx context.Context, intentID string, status intent.Status) error
}

func NewMockIntentStore() *MockIntentStore {
	return &MockIntentStore{records: make(map[string]*intent.Record)}
}

func (m *MockIntentStore) Save(ctx context.Context, rec *intent.Record) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, rec)
	}
	cp := *rec
	m.apply(ctx, func() { m.records[cp.IntentID] = &cp })
	return nil
}

func (m *MockIntentStore) UpdateStatus(ctx context.Context, intentID string, status intent.Status) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, intentID, status)
	}
	m.mu.Lock()
	_, committed := m.records[intentID]
	m.mu.Unlock()
	if !committed && sessionFrom(ctx) == nil {
		return domainErrors.ErrIntentNotFound
	}
	m.apply(ctx, func() {
		if rec, ok := m.records[intentID]; ok {
			rec.Status = status
			rec.UpdatedAt = time.Now()
		}
	})
	return nil
}

func (m *MockIntentStore) GetByIntentID(_ context.Context, intentID string) (*intent.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[intentID]
	if !ok {
		return nil, domainErrors.ErrIntentNotFound
	}
	cp := *rec
	return &cp, nil
}

// Put stores rec directly, bypassing any session.
func (m *MockIntentStore) Put(rec *intent.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.IntentID] = &cp
}

// Len returns the number of committed records.
func (m *MockIntentStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MockIntentStore) apply(ctx context.Context, fn func()) {
	locked := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		fn()
	}
	if s := sessionFrom(ctx); s != nil {
		s.stage(locked)
		return
	}
	locked()
}

// --- Webhook Deduper Mock ---

// MockDeduper is an in-memory payment.WebhookDeduper.
type MockDeduper struct {
	mu   sync.Mutex
	seen map[string]bool

	ClaimFunc func(ctx context.Context, eventID string) (bool, error)
}

func NewMockDeduper() *MockDeduper {
	return &MockDeduper{seen: make(map[string]bool)}
}

func (m *MockDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	if m.ClaimFunc != nil {
		return m.ClaimFunc(ctx, eventID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[eventID] {
		return false, nil
	}
	m.seen[eventID] = true
	return true, nil
}

func (m *MockDeduper) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, eventID)
	return nil
}

// --- Event Recorder ---

// EventRecorder is an events.Publisher that keeps every event.
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *EventRecorder) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// OfType returns recorded events of type t.
func (r *EventRecorder) OfType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// --- Gateway Mock ---

// MockGateway wraps the in-memory gateway with per-call overrides and call
// counting.
type MockGateway struct {
	*gateway.Mock

	mu    sync.Mutex
	calls map[string]int

	CreateIntentFunc  func(ctx context.Context, params gateway.CreateParams) (*intent.Intent, error)
	ConfirmIntentFunc func(ctx context.Context, id string) (*intent.Intent, error)
	CaptureIntentFunc func(ctx context.Context, id string) (*intent.Intent, error)
	CancelIntentFunc  func(ctx context.Context, id string) (*intent.Intent, error)
	PingFunc          func(ctx context.Context) error
}

func NewMockGateway() *MockGateway {
	return NewMockGatewayNamed("mockpay")
}

func NewMockGatewayNamed(name string) *MockGateway {
	return &MockGateway{Mock: gateway.NewMock(name), calls: make(map[string]int)}
}

func (g *MockGateway) CreateIntent(ctx context.Context, params gateway.CreateParams) (*intent.Intent, error) {
	g.count("create")
	if g.CreateIntentFunc != nil {
		return g.CreateIntentFunc(ctx, params)
	}
	return g.Mock.CreateIntent(ctx, params)
}

func (g *MockGateway) ConfirmIntent(ctx context.Context, id string) (*intent.Intent, error) {
	g.count("confirm")
	if g.ConfirmIntentFunc != nil {
		return g.ConfirmIntentFunc(ctx, id)
	}
	return g.Mock.ConfirmIntent(ctx, id)
}

func (g *MockGateway) CaptureIntent(ctx context.Context, id string) (*intent.Intent, error) {
	g.count("capture")
	if g.CaptureIntentFunc != nil {
		return g.CaptureIntentFunc(ctx, id)
	}
	return g.Mock.CaptureIntent(ctx, id)
}

func (g *MockGateway) CancelIntent(ctx context.Context, id string) (*intent.Intent, error) {
	g.count("cancel")
	if g.CancelIntentFunc != nil {
		return g.CancelIntentFunc(ctx, id)
	}
	return g.Mock.CancelIntent(ctx, id)
}

func (g *MockGateway) Ping(ctx context.Context) error {
	g.count("ping")
	if g.PingFunc != nil {
		return g.PingFunc(ctx)
	}
	return g.Mock.Ping(ctx)
}

// Calls returns how many times op ("create", "confirm", "capture",
// "cancel", "ping") was invoked.
func (g *MockGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *MockGateway) count(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
}
