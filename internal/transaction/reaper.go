package transaction

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
)

// Reap rolls back every active transaction that started more than maxAge
// ago and returns how many it finalized.
func (m *Manager) Reap(ctx context.Context, maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	reaped := 0
	for _, tx := range m.snapshotActive() {
		if !tx.StartedAt().Before(cutoff) {
			continue
		}
		cause := domainErrors.Wrap(domainErrors.CodeTransactionBoundary, domainErrors.ErrTransactionExpired,
			fmt.Errorf("older than %s", maxAge))
		if m.Rollback(ctx, tx.ID(), cause) {
			reaped++
		}
	}

	if reaped > 0 {
		m.logger.Warn().Int("count", reaped).Dur("max_age", maxAge).Msg("Reaped stale transactions")
	}
	return reaped
}

// RunReaper calls Reap every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Dur("max_age", maxAge).Msg("Transaction reaper started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Reap(ctx, maxAge)
		}
	}
}

// Shutdown rolls back every active transaction.
func (m *Manager) Shutdown(ctx context.Context) int {
	n := 0
	for _, tx := range m.snapshotActive() {
		if m.Rollback(ctx, tx.ID(), context.Canceled) {
			n++
		}
	}
	if n > 0 {
		m.logger.Warn().Int("count", n).Msg("Rolled back active transactions on shutdown")
	}
	return n
}
