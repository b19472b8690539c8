package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/venuepay/internal/middleware"
	"github.com/redis/go-redis/v9"
)

// ResponseCache stores idempotent HTTP responses.
type ResponseCache struct {
	client redis.Cmdable
}

func NewResponseCache(client redis.Cmdable) *ResponseCache {
	return &ResponseCache{client: client}
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}

func inFlightKey(key string) string {
	return "idempotency:inflight:" + key
}

func (c *ResponseCache) Get(ctx context.Context, key string) (*middleware.StoredResponse, error) {
	raw, err := c.client.Get(ctx, idempotencyKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotent response: %w", err)
	}
	var resp middleware.StoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode idempotent response: %w", err)
	}
	return &resp, nil
}

func (c *ResponseCache) Set(ctx context.Context, key string, resp *middleware.StoredResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	// First writer wins when two requests with the same key race.
	if err := c.client.SetNX(ctx, idempotencyKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set idempotent response: %w", err)
	}
	return nil
}

// Reserve claims key for one in-flight request. The claim expires after ttl
// so a crashed holder does not block the key forever.
func (c *ResponseCache) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, inFlightKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (c *ResponseCache) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, inFlightKey(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
