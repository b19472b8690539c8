package testutil

import (
	"context"
	"sync"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/events"
)

// --- Stream Mock ---

// MockStream serves queued deliveries once, then blocks until the context
// is cancelled.
type MockStream struct {
	mu      sync.Mutex
	pending []events.Delivery
	acked   []string

	ReadErr error
}

func NewMockStream(deliveries ...events.Delivery) *MockStream {
	return &MockStream{pending: deliveries}
}

func (s *MockStream) Read(ctx context.Context) ([]events.Delivery, error) {
	s.mu.Lock()
	if s.ReadErr != nil {
		err := s.ReadErr
		s.ReadErr = nil
		s.mu.Unlock()
		return nil, err
	}
	if len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		return batch, nil
	}
	s.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *MockStream) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, id)
	return nil
}

// Acked returns the acknowledged message ids in order.
func (s *MockStream) Acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.acked))
	copy(out, s.acked)
	return out
}

// --- Dead Letter Mock ---

type DeadLettered struct {
	Delivery events.Delivery
	Reason   string
}

type MockDeadLetter struct {
	mu      sync.Mutex
	entries []DeadLettered

	Err error
}

func (d *MockDeadLetter) DeadLetter(_ context.Context, del events.Delivery, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.entries = append(d.entries, DeadLettered{Delivery: del, Reason: reason})
	return nil
}

func (d *MockDeadLetter) Entries() []DeadLettered {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLettered, len(d.entries))
	copy(out, d.entries)
	return out
}

// --- Locker Mock ---

// MockLocker is an in-process lock table. Keys in Busy are reported as held
// by another owner.
type MockLocker struct {
	mu   sync.Mutex
	held map[string]bool
	keys []string

	Busy map[string]bool
}

func NewMockLocker() *MockLocker {
	return &MockLocker{held: make(map[string]bool), Busy: make(map[string]bool)}
}

func (l *MockLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.Busy[key] || l.held[key] {
		l.mu.Unlock()
		return domainErrors.ErrLockAcquisitionFailed
	}
	l.held[key] = true
	l.keys = append(l.keys, key)
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

// Keys returns every key locked so far.
func (l *MockLocker) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.keys))
	copy(out, l.keys)
	return out
}

// --- Journal Mock ---

type MockJournal struct {
	mu         sync.Mutex
	reconciled []string
}

func (j *MockJournal) MarkReconciled(_ context.Context, transactionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reconciled = append(j.reconciled, transactionID)
	return nil
}

func (j *MockJournal) Reconciled() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.reconciled))
	copy(out, j.reconciled)
	return out
}
