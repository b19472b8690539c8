package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type IntentRepository struct {
	pool *pgxpool.Pool
}

func NewIntentRepository(pool *pgxpool.Pool) *IntentRepository {
	return &IntentRepository{pool: pool}
}

func (r *IntentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *IntentRepository) Save(ctx context.Context, rec *intent.Record) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO payment_intents (intent_id, transaction_id, gateway, venue_id, user_id, amount, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.IntentID, rec.TransactionID, rec.Gateway, rec.VenueID, rec.UserID,
		rec.Amount, rec.Currency, string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

func (r *IntentRepository) UpdateStatus(ctx context.Context, intentID string, status intent.Status) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_intents SET status = $2, updated_at = $3 WHERE intent_id = $1`,
		intentID, string(status), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update payment intent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrIntentNotFound
	}
	return nil
}

func (r *IntentRepository) GetByIntentID(ctx context.Context, intentID string) (*intent.Record, error) {
	rec := &intent.Record{}
	var status string
	err := r.db(ctx).QueryRow(ctx,
		`SELECT intent_id, transaction_id, gateway, venue_id, user_id, amount, currency, status, created_at, updated_at
		 FROM payment_intents WHERE intent_id = $1`, intentID,
	).Scan(&rec.IntentID, &rec.TransactionID, &rec.Gateway, &rec.VenueID, &rec.UserID,
		&rec.Amount, &rec.Currency, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrIntentNotFound
		}
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	rec.Status = intent.Status(status)
	return rec, nil
}
