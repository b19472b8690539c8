package transaction

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager owns the registry of active transactions.
type Manager struct {
	sessions  SessionFactory
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	active map[string]*Transaction
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records transaction outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// NewManager creates a transaction manager.
func NewManager(sessions SessionFactory, publisher events.Publisher, logger zerolog.Logger, opts ...Option) *Manager {
	if publisher == nil {
		publisher = events.Discard
	}
	m := &Manager{
		sessions:  sessions,
		publisher: publisher,
		logger:    observability.Component(logger, "transaction_manager"),
		now:       time.Now,
		active:    make(map[string]*Transaction),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Begin opens a session and registers a new transaction carrying meta.
func (m *Manager) Begin(ctx context.Context, meta map[string]any) (*Transaction, error) {
	session, err := m.sessions.Begin(ctx)
	if err != nil {
		return nil, domainErrors.Wrap(domainErrors.CodeTransactionBoundary, domainErrors.ErrTransactionBegin, err)
	}

	if meta == nil {
		meta = make(map[string]any)
	}
	tx := &Transaction{
		id:        uuid.NewString(),
		meta:      maps.Clone(meta),
		startedAt: m.now(),
		session:   session,
		state:     StateInitiated,
	}

	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()
	m.updateActive()

	m.logger.Debug().Str("transaction_id", tx.id).Msg("Transaction started")
	return tx, nil
}

// AddOperation appends op to the transaction and, when op carries a
// rollback, pushes it onto the compensation stack. It returns the index of
// the new operation.
func (m *Manager) AddOperation(_ context.Context, txID string, op Operation) (int, error) {
	tx := m.lookup(txID)
	if tx == nil {
		return 0, NotFound(txID)
	}

	tx.gate.Lock()
	defer tx.gate.Unlock()
	if tx.finalized {
		return 0, NotFound(txID)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.operations = append(tx.operations, OperationSnapshot{Type: op.Type, Data: op.Data})
	if op.Rollback != nil {
		c := *op.Rollback
		c.Kind = CompensationKind(op.Type)
		c.Payload = maps.Clone(c.Payload)
		tx.compensations = append(tx.compensations, c)
	}
	if tx.state == StateInitiated {
		tx.state = StateInProgress
	}
	return len(tx.operations) - 1, nil
}

// CompleteOperation marks the operation at index as completed.
func (m *Manager) CompleteOperation(_ context.Context, txID string, index int) error {
	tx := m.lookup(txID)
	if tx == nil {
		return NotFound(txID)
	}

	tx.gate.Lock()
	defer tx.gate.Unlock()
	if tx.finalized {
		return NotFound(txID)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if index < 0 || index >= len(tx.operations) {
		return domainErrors.NewValidationError("index", fmt.Sprintf("operation %d does not exist", index))
	}
	tx.operations[index].Completed = true
	return nil
}

// Within runs fn with ctx bound to the transaction's session so that
// repository writes join the unit of work. fn holds the finalization gate,
// so the session is never used concurrently or after it ended.
func (m *Manager) Within(ctx context.Context, txID string, fn func(ctx context.Context) error) error {
	tx := m.lookup(txID)
	if tx == nil {
		return NotFound(txID)
	}

	tx.gate.Lock()
	defer tx.gate.Unlock()
	if tx.finalized {
		return NotFound(txID)
	}
	return fn(tx.session.Bind(ctx))
}

// Commit commits the transaction if every operation has completed. An
// incomplete transaction is rolled back and ErrTransactionIncomplete is
// returned. A failed session commit runs the compensations and returns the
// commit error. The transaction leaves the registry in every case.
func (m *Manager) Commit(ctx context.Context, txID string) error {
	tx := m.lookup(txID)
	if tx == nil {
		return NotFound(txID)
	}

	tx.gate.Lock()
	defer tx.gate.Unlock()
	if tx.finalized {
		return NotFound(txID)
	}
	defer m.finish(tx)

	if idx := tx.firstIncomplete(); idx >= 0 {
		tx.mu.RLock()
		opType := tx.operations[idx].Type
		tx.mu.RUnlock()

		err := domainErrors.Wrap(domainErrors.CodeTransactionIncomplete, domainErrors.ErrTransactionIncomplete,
			fmt.Errorf("operation %d (%s) not completed", idx, opType))
		m.rollback(ctx, tx, err, true)
		return err
	}

	if err := tx.session.Commit(ctx); err != nil {
		// The session is already over; only compensations remain.
		tx.setState(StateFailed, m.now())
		m.rollback(ctx, tx, err, false)
		return domainErrors.Wrap(domainErrors.CodeTransactionBoundary, domainErrors.ErrTransactionCommit, err)
	}

	tx.setState(StateCompleted, m.now())
	m.countOutcome(StateCompleted)

	snap := tx.Snapshot()
	e := m.event(tx, events.TransactionCompleted, map[string]any{
		"operations":  len(snap.Operations),
		"duration_ms": snap.FinishedAt.Sub(snap.StartedAt).Milliseconds(),
	})
	m.publisher.Publish(e)

	m.logger.Info().
		Str("transaction_id", tx.id).
		Int("operations", len(snap.Operations)).
		Msg("Transaction committed")
	return nil
}

// Rollback aborts the session and runs every compensation in reverse
// registration order. Unknown or already finalized ids return false.
func (m *Manager) Rollback(ctx context.Context, txID string, cause error) bool {
	tx := m.lookup(txID)
	if tx == nil {
		m.logger.Warn().Str("transaction_id", txID).Msg("Rollback requested for unknown transaction")
		return false
	}

	tx.gate.Lock()
	defer tx.gate.Unlock()
	if tx.finalized {
		m.logger.Warn().Str("transaction_id", txID).Msg("Rollback requested for finalized transaction")
		return false
	}
	defer m.finish(tx)

	m.rollback(ctx, tx, cause, true)
	return true
}

// State returns a snapshot of an active transaction, or nil.
func (m *Manager) State(txID string) *Snapshot {
	tx := m.lookup(txID)
	if tx == nil {
		return nil
	}
	snap := tx.Snapshot()
	return &snap
}

// Active returns the number of registered transactions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// rollback must be called with tx.gate held.
func (m *Manager) rollback(ctx context.Context, tx *Transaction, cause error, abort bool) {
	// Cleanup runs to the end even if the caller's context is gone.
	ctx = context.WithoutCancel(ctx)

	if tx.currentState() != StateFailed {
		tx.setState(StateRollingBack, m.now())
	}

	var abortErr error
	if abort {
		abortErr = tx.session.Rollback(ctx)
	}

	failed := m.compensate(ctx, tx)
	tx.setState(StateRolledBack, m.now())
	m.countOutcome(StateRolledBack)

	data := map[string]any{"failed_compensations": failed}
	if cause != nil {
		data["cause"] = cause.Error()
	}

	logEvent := m.logger.Info()
	typ := events.TransactionRolledBack
	if abortErr != nil {
		typ = events.TransactionRollbackFailed
		data["abort_error"] = abortErr.Error()
		logEvent = observability.Alert(&m.logger).Err(abortErr)
	}
	logEvent.
		Str("transaction_id", tx.id).
		Int("failed_compensations", len(failed)).
		AnErr("cause", cause).
		Msg("Transaction rolled back")

	m.publisher.Publish(m.event(tx, typ, data))
}

func (m *Manager) compensate(ctx context.Context, tx *Transaction) []events.FailedCompensation {
	tx.mu.RLock()
	comps := make([]Compensation, len(tx.compensations))
	copy(comps, tx.compensations)
	tx.mu.RUnlock()

	var failed []events.FailedCompensation
	for i := len(comps) - 1; i >= 0; i-- {
		c := comps[i]
		if c.Execute == nil {
			continue
		}
		if err := c.Execute(ctx); err != nil {
			wrapped := domainErrors.Wrap(domainErrors.CodeRollbackFailed, domainErrors.ErrRollbackOperationFailed, err)
			observability.Alert(&m.logger).
				Err(wrapped).
				Str("transaction_id", tx.id).
				Str("kind", c.Kind).
				Interface("payload", c.Payload).
				Msg("Compensation failed, manual reconciliation may be required")
			if m.metrics != nil {
				m.metrics.CompensationFailures.WithLabelValues(c.Kind).Inc()
			}
			failed = append(failed, events.FailedCompensation{
				Kind:    c.Kind,
				Payload: maps.Clone(c.Payload),
				Error:   err.Error(),
			})
		}
	}
	return failed
}

// finish must be called with tx.gate held.
func (m *Manager) finish(tx *Transaction) {
	tx.finalized = true
	tx.session = nil

	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
	m.updateActive()
}

func (m *Manager) lookup(txID string) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[txID]
}

func (m *Manager) snapshotActive() []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		out = append(out, tx)
	}
	return out
}

func (m *Manager) event(tx *Transaction, typ events.Type, data map[string]any) events.Event {
	e := events.New(typ, data)
	e.OccurredAt = m.now()
	e.TransactionID = tx.id
	e.VenueID = tx.stringMeta(intent.MetaVenueID)
	return e
}

func (m *Manager) countOutcome(s State) {
	if m.metrics != nil {
		m.metrics.TransactionsTotal.WithLabelValues(string(s)).Inc()
	}
}

func (m *Manager) updateActive() {
	if m.metrics != nil {
		m.metrics.ActiveTransactions.Set(float64(m.Active()))
	}
}

// NotFound is the error returned for unknown or finalized transaction ids.
func NotFound(txID string) error {
	return domainErrors.Wrap(domainErrors.CodeTransactionNotFound, domainErrors.ErrTransactionNotFound,
		fmt.Errorf("transaction_id=%s", txID))
}
