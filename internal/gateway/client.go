package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
	"github.com/cassiomorais/venuepay/internal/domain/intent"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ClientConfig configures an HTTP gateway client.
type ClientConfig struct {
	Name             string
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	WebhookTolerance time.Duration
}

// Client talks to the gateway's REST API.
type Client struct {
	name     string
	baseURL  string
	apiKey   string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker[*wireIntent]
	verifier Verifier
	logger   zerolog.Logger
}

// NewClient creates a gateway client. All requests share one transport-level
// breaker that trips on sustained network or 5xx failures regardless of
// venue; per-venue isolation is layered on top by the caller.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = DefaultTolerance
	}
	logger = logger.With().Str("component", "gateway_client").Str("gateway", cfg.Name).Logger()

	c := &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		verifier: Verifier{Tolerance: cfg.WebhookTolerance},
		logger:   logger,
	}

	c.cb = gobreaker.NewCircuitBreaker[*wireIntent](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 20 && failureRatio >= 0.6
		},
		IsSuccessful: IsHealthyResult,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Gateway transport breaker state changed")
		},
	})
	return c
}

func (c *Client) Name() string { return c.name }

func (c *Client) CreateIntent(ctx context.Context, params CreateParams) (*intent.Intent, error) {
	key := params.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	body := wireIntent{
		Amount:        params.Amount,
		Currency:      strings.ToLower(params.Currency),
		CaptureMethod: string(params.CaptureMethod),
		Metadata:      params.Metadata,
	}
	return c.call(ctx, http.MethodPost, "/v1/payment_intents", body, key)
}

func (c *Client) ConfirmIntent(ctx context.Context, id string) (*intent.Intent, error) {
	return c.call(ctx, http.MethodPost, "/v1/payment_intents/"+id+"/confirm", nil, "")
}

func (c *Client) CaptureIntent(ctx context.Context, id string) (*intent.Intent, error) {
	return c.call(ctx, http.MethodPost, "/v1/payment_intents/"+id+"/capture", nil, "")
}

func (c *Client) CancelIntent(ctx context.Context, id string) (*intent.Intent, error) {
	return c.call(ctx, http.MethodPost, "/v1/payment_intents/"+id+"/cancel", nil, "")
}

func (c *Client) RetrieveIntent(ctx context.Context, id string) (*intent.Intent, error) {
	return c.call(ctx, http.MethodGet, "/v1/payment_intents/"+id, nil, "")
}

// Ping checks that the gateway answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domainErrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", domainErrors.ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) VerifyWebhook(payload []byte, header, secret string) (*Event, error) {
	return c.verifier.Verify(payload, header, secret)
}

func (c *Client) call(ctx context.Context, method, path string, body any, idempotencyKey string) (*intent.Intent, error) {
	w, err := c.cb.Execute(func() (*wireIntent, error) {
		return c.do(ctx, method, path, body, idempotencyKey)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domainErrors.ErrProviderUnavailable, err)
		}
		return nil, err
	}
	return w.toIntent(), nil
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string) (*wireIntent, error) {
	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %s %s", domainErrors.ErrProviderTimeout, method, path)
		}
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domainErrors.ErrProviderUnavailable, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Gateway request")

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s returned %d", domainErrors.ErrProviderUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrIntentNotFound, path)
	case resp.StatusCode >= 400:
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrProviderRejected, msg)
	}

	var w wireIntent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domainErrors.ErrProviderUnavailable, err)
	}
	return &w, nil
}
