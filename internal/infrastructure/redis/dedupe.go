package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDedupeTTL = 72 * time.Hour

// WebhookDeduper remembers webhook event ids so redeliveries are acknowledged
// without being dispatched twice.
type WebhookDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewWebhookDeduper(client redis.Cmdable, ttl time.Duration) *WebhookDeduper {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &WebhookDeduper{client: client, ttl: ttl}
}

func dedupeKey(eventID string) string {
	return "webhook:seen:" + eventID
}

// Claim records eventID and reports whether this caller saw it first.
func (d *WebhookDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupeKey(eventID), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	return ok, nil
}

// Release forgets eventID so a later redelivery is dispatched again.
func (d *WebhookDeduper) Release(ctx context.Context, eventID string) error {
	if err := d.client.Del(ctx, dedupeKey(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release webhook event: %w", err)
	}
	return nil
}
