package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cassiomorais/venuepay/internal/breaker"
	"github.com/redis/go-redis/v9"
)

// VenueLoadProvider reads per-venue load published by the realtime
// connection tier into the hash venue:load:{venueID}.
type VenueLoadProvider struct {
	client redis.Cmdable
}

func NewVenueLoadProvider(client redis.Cmdable) *VenueLoadProvider {
	return &VenueLoadProvider{client: client}
}

func venueLoadKey(venueID string) string {
	return "venue:load:" + venueID
}

func (p *VenueLoadProvider) VenueLoad(ctx context.Context, venueID string) (breaker.Load, error) {
	fields, err := p.client.HGetAll(ctx, venueLoadKey(venueID)).Result()
	if err != nil {
		return breaker.Load{}, fmt.Errorf("failed to read venue load: %w", err)
	}
	return parseLoad(fields)
}

func parseLoad(fields map[string]string) (breaker.Load, error) {
	var load breaker.Load
	if v, ok := fields["connections"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return breaker.Load{}, fmt.Errorf("invalid connections %q: %w", v, err)
		}
		load.Connections = n
	}
	if v, ok := fields["message_rate"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return breaker.Load{}, fmt.Errorf("invalid message_rate %q: %w", v, err)
		}
		load.MessageRate = f
	}
	return load, nil
}
