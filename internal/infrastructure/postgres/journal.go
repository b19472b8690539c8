package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JournalEntry is the durable trace of one finalized transaction.
type JournalEntry struct {
	TransactionID       string
	VenueID             string
	Outcome             string
	Cause               string
	FailedCompensations []events.FailedCompensation
	FinishedAt          time.Time
}

// NeedsReconciliation reports whether some compensation did not run.
func (e *JournalEntry) NeedsReconciliation() bool {
	return len(e.FailedCompensations) > 0 || e.Outcome == "rollback_failed"
}

// journalEntryFromEvent maps transaction outcome events to journal rows.
// Other events are not journaled.
func journalEntryFromEvent(e events.Event) (*JournalEntry, bool) {
	var outcome string
	switch e.Type {
	case events.TransactionCompleted:
		outcome = "completed"
	case events.TransactionRolledBack:
		outcome = "rolled_back"
	case events.TransactionRollbackFailed:
		outcome = "rollback_failed"
	default:
		return nil, false
	}

	entry := &JournalEntry{
		TransactionID:       e.TransactionID,
		VenueID:             e.VenueID,
		Outcome:             outcome,
		FailedCompensations: e.FailedCompensations(),
		FinishedAt:          e.OccurredAt,
	}
	if cause, ok := e.Data["cause"].(string); ok {
		entry.Cause = cause
	}
	return entry, true
}

// JournalRepository records transaction outcomes in transaction_journal. It
// is an events.Sink so the relay can feed it.
type JournalRepository struct {
	pool *pgxpool.Pool
}

func NewJournalRepository(pool *pgxpool.Pool) *JournalRepository {
	return &JournalRepository{pool: pool}
}

func (r *JournalRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Handle implements events.Sink.
func (r *JournalRepository) Handle(ctx context.Context, e events.Event) error {
	entry, ok := journalEntryFromEvent(e)
	if !ok {
		return nil
	}
	return r.Insert(ctx, entry)
}

func (r *JournalRepository) Insert(ctx context.Context, entry *JournalEntry) error {
	comps := entry.FailedCompensations
	if comps == nil {
		comps = []events.FailedCompensation{}
	}
	failed, err := json.Marshal(comps)
	if err != nil {
		return fmt.Errorf("marshal failed compensations: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO transaction_journal (transaction_id, venue_id, outcome, cause, failed_compensations, needs_reconciliation, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		entry.TransactionID, entry.VenueID, entry.Outcome, entry.Cause, failed,
		entry.NeedsReconciliation(), entry.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// MarkReconciled clears the reconciliation flag once every failed
// compensation of the transaction has been retried successfully.
func (r *JournalRepository) MarkReconciled(ctx context.Context, transactionID string) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE transaction_journal SET needs_reconciliation = FALSE, reconciled_at = $2
		 WHERE transaction_id = $1`,
		transactionID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("mark journal entry reconciled: %w", err)
	}
	return nil
}

// PendingReconciliation lists transactions still waiting for manual or
// automatic reconciliation, oldest first.
func (r *JournalRepository) PendingReconciliation(ctx context.Context, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT transaction_id, venue_id, outcome, cause, failed_compensations, finished_at
		 FROM transaction_journal WHERE needs_reconciliation
		 ORDER BY finished_at ASC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		e := &JournalEntry{}
		var failed []byte
		if err := rows.Scan(&e.TransactionID, &e.VenueID, &e.Outcome, &e.Cause, &failed, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if len(failed) > 0 {
			if err := json.Unmarshal(failed, &e.FailedCompensations); err != nil {
				return nil, fmt.Errorf("unmarshal failed compensations: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
