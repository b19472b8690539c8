package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/cassiomorais/venuepay/internal/transaction"
)

type sessionKey struct{}

// MockSession is an in-memory storage session. Writes staged through a
// bound context are applied on Commit and discarded on Rollback.
type MockSession struct {
	mu        sync.Mutex
	pending   []func()
	commits   int
	rollbacks int

	CommitFunc   func(ctx context.Context) error
	RollbackFunc func(ctx context.Context) error
}

func (s *MockSession) Bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func (s *MockSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	s.commits++
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if s.CommitFunc != nil {
		if err := s.CommitFunc(ctx); err != nil {
			return err
		}
	}
	for _, apply := range pending {
		apply()
	}
	return nil
}

func (s *MockSession) Rollback(ctx context.Context) error {
	s.mu.Lock()
	s.rollbacks++
	s.pending = nil
	s.mu.Unlock()

	if s.RollbackFunc != nil {
		return s.RollbackFunc(ctx)
	}
	return nil
}

// Ends returns how many times the session was committed or rolled back.
func (s *MockSession) Ends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits + s.rollbacks
}

// Commits returns how many times Commit was called.
func (s *MockSession) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Rollbacks returns how many times Rollback was called.
func (s *MockSession) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

func (s *MockSession) stage(apply func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, apply)
}

// sessionFrom returns the session bound to ctx, if any.
func sessionFrom(ctx context.Context) *MockSession {
	s, _ := ctx.Value(sessionKey{}).(*MockSession)
	return s
}

// MockSessionFactory hands out MockSessions and remembers them.
type MockSessionFactory struct {
	mu       sync.Mutex
	sessions []*MockSession

	BeginFunc func(ctx context.Context) (transaction.Session, error)
	// CommitErr and RollbackErr are installed on every new session.
	CommitErr   error
	RollbackErr error
}

func NewMockSessionFactory() *MockSessionFactory {
	return &MockSessionFactory{}
}

func (f *MockSessionFactory) Begin(ctx context.Context) (transaction.Session, error) {
	if f.BeginFunc != nil {
		return f.BeginFunc(ctx)
	}
	s := &MockSession{}
	if f.CommitErr != nil {
		err := f.CommitErr
		s.CommitFunc = func(context.Context) error { return err }
	}
	if f.RollbackErr != nil {
		err := f.RollbackErr
		s.RollbackFunc = func(context.Context) error { return err }
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Sessions returns every session handed out so far.
func (f *MockSessionFactory) Sessions() []*MockSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*MockSession, len(f.sessions))
	copy(out, f.sessions)
	return out
}

// Last returns the most recent session.
func (f *MockSessionFactory) Last() *MockSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// ErrSessionUnavailable simulates a storage outage.
var ErrSessionUnavailable = errors.New("storage unavailable")
