package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/venuepay/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	EventStream = "payments:events"
	DLQStream   = "payments:dlq"
)

var errMalformedMessage = errors.New("malformed stream message")

// EncodeEvent flattens an event into stream message fields.
func EncodeEvent(e events.Event) (map[string]any, error) {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return map[string]any{
		"event_id":       e.ID,
		"event_type":     string(e.Type),
		"transaction_id": e.TransactionID,
		"intent_id":      e.IntentID,
		"venue_id":       e.VenueID,
		"occurred_at":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"payload":        string(payload),
	}, nil
}

// DecodeEvent rebuilds an event from stream message fields.
func DecodeEvent(values map[string]any) (events.Event, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}

	e := events.Event{
		ID:            str("event_id"),
		Type:          events.Type(str("event_type")),
		TransactionID: str("transaction_id"),
		IntentID:      str("intent_id"),
		VenueID:       str("venue_id"),
	}
	if e.ID == "" || e.Type == "" {
		return events.Event{}, fmt.Errorf("%w: missing event_id or event_type", errMalformedMessage)
	}

	if ts := str("occurred_at"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return events.Event{}, fmt.Errorf("%w: occurred_at: %w", errMalformedMessage, err)
		}
		e.OccurredAt = t
	}
	if payload := str("payload"); payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &e.Data); err != nil {
			return events.Event{}, fmt.Errorf("%w: payload: %w", errMalformedMessage, err)
		}
	}
	return e, nil
}

// StreamProducer appends events to a Redis stream. It doubles as an
// events.Sink for the relay.
type StreamProducer struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewStreamProducer writes to stream, trimming it to roughly maxLen entries
// when maxLen is positive.
func NewStreamProducer(client redis.Cmdable, stream string, maxLen int64) *StreamProducer {
	if stream == "" {
		stream = EventStream
	}
	return &StreamProducer{client: client, stream: stream, maxLen: maxLen}
}

// Handle implements events.Sink.
func (p *StreamProducer) Handle(ctx context.Context, e events.Event) error {
	return p.PublishEvent(ctx, e)
}

func (p *StreamProducer) PublishEvent(ctx context.Context, e events.Event) error {
	values, err := EncodeEvent(e)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishToDLQ parks a message that could not be processed, keeping its
// original fields next to the failure reason.
func (p *StreamProducer) PublishToDLQ(ctx context.Context, messageID, reason string, original map[string]any) error {
	values := make(map[string]any, len(original)+4)
	for k, v := range original {
		values[k] = v
	}
	values["source_stream"] = p.stream
	values["source_id"] = messageID
	values["reason"] = reason
	values["failed_at"] = time.Now().Unix()

	if err := p.client.XAdd(ctx, &redis.XAddArgs{Stream: DLQStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}

// DeadLetter implements the reconciler's dead-letter port.
func (p *StreamProducer) DeadLetter(ctx context.Context, d events.Delivery, reason string) error {
	values, err := EncodeEvent(d.Event)
	if err != nil {
		return err
	}
	return p.PublishToDLQ(ctx, d.ID, reason, values)
}

type StreamConsumer struct {
	client        redis.Cmdable
	dlq           *StreamProducer
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
	claimMinIdle  time.Duration
	logger        zerolog.Logger
}

type ConsumerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	BatchSize     int64
	BlockDuration time.Duration
	// ClaimMinIdle is how long a delivered message may stay unacknowledged
	// before another consumer takes it over. Zero disables reclaiming.
	ClaimMinIdle time.Duration
}

func NewStreamConsumer(client redis.Cmdable, cfg ConsumerConfig, logger zerolog.Logger) *StreamConsumer {
	if cfg.Stream == "" {
		cfg.Stream = EventStream
	}
	return &StreamConsumer{
		client:        client,
		dlq:           NewStreamProducer(client, cfg.Stream, 0),
		stream:        cfg.Stream,
		group:         cfg.Group,
		consumer:      cfg.Consumer,
		batchSize:     cfg.BatchSize,
		blockDuration: cfg.BlockDuration,
		claimMinIdle:  cfg.ClaimMinIdle,
		logger:        logger.With().Str("component", "stream_consumer").Str("stream", cfg.Stream).Logger(),
	}
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	// Create stream if it doesn't exist
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read returns the next batch of deliveries for this consumer, starting with
// messages abandoned by other consumers. Messages that cannot be decoded are
// moved to the DLQ and acknowledged.
func (c *StreamConsumer) Read(ctx context.Context) ([]events.Delivery, error) {
	var msgs []redis.XMessage

	if c.claimMinIdle > 0 {
		claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.claimMinIdle,
			Start:    "0-0",
			Count:    c.batchSize,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to claim messages: %w", err)
		}
		msgs = append(msgs, claimed...)
	}

	if len(msgs) == 0 {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.batchSize,
			Block:    c.blockDuration,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read from stream: %w", err)
		}
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
	}

	out := make([]events.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		e, err := DecodeEvent(msg.Values)
		if err != nil {
			c.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropping undecodable message to DLQ")
			if dlqErr := c.dlq.PublishToDLQ(ctx, msg.ID, err.Error(), msg.Values); dlqErr != nil {
				// Leave it pending so it is retried.
				c.logger.Error().Err(dlqErr).Str("message_id", msg.ID).Msg("Failed to move message to DLQ")
				continue
			}
			if ackErr := c.Ack(ctx, msg.ID); ackErr != nil {
				c.logger.Error().Err(ackErr).Str("message_id", msg.ID).Msg("Failed to ack malformed message")
			}
			continue
		}
		out = append(out, events.Delivery{ID: msg.ID, Event: e})
	}
	return out, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}
