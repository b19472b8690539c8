package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cassiomorais/venuepay/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// Load is live tenant activity reported alongside transitions. It is advisory:
// it never changes whether a call is admitted.
type Load struct {
	Connections int64
	MessageRate float64
}

// LoadProvider reports current load for a venue.
type LoadProvider interface {
	VenueLoad(ctx context.Context, venue string) (Load, error)
}

// Notifier receives breaker transitions, once per transition.
type Notifier interface {
	BreakerTransition(ctx context.Context, t Transition)
}

type key struct {
	service string
	venue   string
}

// Registry lazily creates one breaker per (service, venue) pair and keeps it
// for the lifetime of the process.
type Registry struct {
	settings        Settings
	serviceSettings map[string]Settings
	notifier        Notifier
	load            LoadProvider
	metrics         *observability.Metrics
	logger          zerolog.Logger
	now             func() time.Time

	mu       sync.Mutex
	breakers map[key]*Breaker
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets the transition notifier.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithLoadProvider sets the source of advisory venue load.
func WithLoadProvider(p LoadProvider) Option {
	return func(r *Registry) { r.load = p }
}

// WithMetrics records breaker state and request outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithServiceSettings overrides the default settings for one service.
func WithServiceSettings(service string, s Settings) Option {
	return func(r *Registry) { r.serviceSettings[service] = s }
}

// NewRegistry creates a registry whose breakers use settings unless overridden.
func NewRegistry(settings Settings, opts ...Option) *Registry {
	r := &Registry{
		settings:        settings,
		serviceSettings: make(map[string]Settings),
		logger:          zerolog.Nop(),
		now:             time.Now,
		breakers:        make(map[key]*Breaker),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the breaker for (service, venue), creating it on first use.
func (r *Registry) Get(service, venue string) *Breaker {
	k := key{service: service, venue: venue}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[k]; ok {
		return b
	}
	settings, ok := r.serviceSettings[service]
	if !ok {
		settings = r.settings
	}
	b := newBreaker(service, venue, settings, r.now, r.dispatch)
	r.breakers[k] = b
	if r.metrics != nil {
		r.metrics.CircuitBreakerState.WithLabelValues(service, venue).Set(float64(StateClosed))
	}
	return b
}

// Execute runs fn through the breaker for (service, venue).
func (r *Registry) Execute(ctx context.Context, service, venue string, fn func(ctx context.Context) error) error {
	err := r.Get(service, venue).Execute(ctx, fn)
	r.count(service, err)
	return err
}

// Do runs fn through the breaker for (service, venue) and returns its result.
func Do[T any](ctx context.Context, r *Registry, service, venue string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, service, venue, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// Snapshots returns every known breaker, ordered by service then venue.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

func (r *Registry) count(service string, err error) {
	if r.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
		if isOpen(err) {
			result = "rejected"
		}
	}
	r.metrics.CircuitBreakerRequests.WithLabelValues(service, result).Inc()
}

func (r *Registry) dispatch(ctx context.Context, transitions []Transition) {
	for _, t := range transitions {
		if r.load != nil {
			load, err := r.load.VenueLoad(ctx, t.Venue)
			if err != nil {
				r.logger.Debug().Err(err).Str("venue", t.Venue).Msg("Venue load unavailable")
			} else {
				t.Load = load
			}
		}

		r.logger.Warn().
			Str("service", t.Service).
			Str("venue", t.Venue).
			Str("from", t.From.String()).
			Str("to", t.To.String()).
			Int("consecutive_failures", t.ConsecutiveFailures).
			Int64("venue_connections", t.Load.Connections).
			Float64("venue_message_rate", t.Load.MessageRate).
			Msg("Circuit breaker transition")

		if r.metrics != nil {
			r.metrics.CircuitBreakerState.WithLabelValues(t.Service, t.Venue).Set(float64(t.To))
			r.metrics.CircuitBreakerTransitions.WithLabelValues(t.Service, t.To.String()).Inc()
		}
		if r.notifier != nil {
			r.notifier.BreakerTransition(ctx, t)
		}
	}
}
