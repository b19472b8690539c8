// Package transaction coordinates a storage session with the external side
// effects registered against it. Every side effect carries a compensation
// that is replayed in reverse order when the unit of work is rolled back.
package transaction

import (
	"context"
	"maps"
	"sync"
	"time"
)

// State is the lifecycle state of a transaction.
type State string

const (
	StateInitiated   State = "initiated"
	StateInProgress  State = "in_progress"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
)

// IsFinal reports whether no further transition is possible.
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateRolledBack
}

// Session is the storage unit of work owned by a transaction. It is ended
// exactly once, by either Commit or Rollback.
type Session interface {
	// Bind returns a context that routes repository calls through the session.
	Bind(ctx context.Context) context.Context
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SessionFactory opens sessions.
type SessionFactory interface {
	Begin(ctx context.Context) (Session, error)
}

// Compensation is a reversal command for one operation. Kind and Payload
// identify it in logs, events and reconciliation; Execute performs it.
type Compensation struct {
	Kind    string
	Payload map[string]string
	Execute func(ctx context.Context) error
}

// Operation is a side effect to register on a transaction. Rollback is
// optional; when set, its Kind is derived from Type.
type Operation struct {
	Type     string
	Data     any
	Rollback *Compensation
}

// OperationSnapshot is the recorded form of an operation.
type OperationSnapshot struct {
	Type      string
	Data      any
	Completed bool
}

// CompensationSnapshot describes a registered compensation without its function.
type CompensationSnapshot struct {
	Kind    string
	Payload map[string]string
}

// Snapshot is an immutable copy of a transaction.
type Snapshot struct {
	ID            string
	State         State
	Context       map[string]any
	Operations    []OperationSnapshot
	Compensations []CompensationSnapshot
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Transaction is a handle to an active unit of work. Mutate it only
// through the Manager.
type Transaction struct {
	id        string
	meta      map[string]any
	startedAt time.Time

	// gate serializes mutation and finalization.
	gate      sync.Mutex
	finalized bool
	session   Session

	mu            sync.RWMutex
	state         State
	operations    []OperationSnapshot
	compensations []Compensation
	finishedAt    time.Time
}

// ID returns the transaction id.
func (t *Transaction) ID() string {
	return t.id
}

// StartedAt returns when the transaction began.
func (t *Transaction) StartedAt() time.Time {
	return t.startedAt
}

// Snapshot returns a copy of the current transaction state.
func (t *Transaction) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ops := make([]OperationSnapshot, len(t.operations))
	copy(ops, t.operations)

	comps := make([]CompensationSnapshot, len(t.compensations))
	for i, c := range t.compensations {
		comps[i] = CompensationSnapshot{Kind: c.Kind, Payload: maps.Clone(c.Payload)}
	}

	return Snapshot{
		ID:            t.id,
		State:         t.state,
		Context:       maps.Clone(t.meta),
		Operations:    ops,
		Compensations: comps,
		StartedAt:     t.startedAt,
		FinishedAt:    t.finishedAt,
	}
}

func (t *Transaction) setState(s State, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	if s.IsFinal() {
		t.finishedAt = at
	}
}

func (t *Transaction) currentState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// firstIncomplete returns the index of the first operation not yet
// completed, or -1.
func (t *Transaction) firstIncomplete() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, op := range t.operations {
		if !op.Completed {
			return i
		}
	}
	return -1
}

func (t *Transaction) stringMeta(key string) string {
	v, _ := t.meta[key].(string)
	return v
}

// CompensationKind names the compensation registered for an operation type.
func CompensationKind(opType string) string {
	return "rollback_" + opType
}
