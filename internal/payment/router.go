package payment

import (
	"context"

	"github.com/cassiomorais/venuepay/internal/features"
)

// Router picks the processor variant for a request.
type Router struct {
	stable *Processor
	canary *Processor
	flags  *features.Manager
}

// NewRouter routes to stable unless canary is set and the canary flag is
// enabled for the caller.
func NewRouter(stable, canary *Processor, flags *features.Manager) *Router {
	return &Router{stable: stable, canary: canary, flags: flags}
}

// For returns the processor for a venue and user.
func (r *Router) For(venueID, userID string) *Processor {
	if r.canary == nil || r.flags == nil {
		return r.stable
	}
	if r.flags.IsEnabled(features.CanaryProcessor, features.Context{VenueID: venueID, UserID: userID}) {
		return r.canary
	}
	return r.stable
}

// ForTransaction returns the processor that opened txID. Unknown
// transactions route to stable, which reports them as not found.
func (r *Router) ForTransaction(txID string) *Processor {
	if r.canary == nil {
		return r.stable
	}
	snap := r.stable.txm.State(txID)
	if snap == nil {
		return r.stable
	}
	if variant, _ := snap.Context[metaVariant].(string); variant == r.canary.variant {
		return r.canary
	}
	return r.stable
}

// ForIntent returns the processor whose gateway owns intentID, falling back
// to stable when no local record exists.
func (r *Router) ForIntent(ctx context.Context, intentID string) *Processor {
	if r.canary == nil {
		return r.stable
	}
	rec, err := r.stable.store.GetByIntentID(ctx, intentID)
	if err != nil || rec == nil {
		return r.stable
	}
	if rec.Gateway == r.canary.Gateway() && rec.Gateway != r.stable.Gateway() {
		return r.canary
	}
	return r.stable
}

// ForGateway returns the processor bound to the named gateway, or nil.
// Webhooks arrive per gateway and are verified with that gateway's secret.
func (r *Router) ForGateway(name string) *Processor {
	for _, p := range r.Processors() {
		if p.Gateway() == name {
			return p
		}
	}
	return nil
}

// Stable returns the stable processor.
func (r *Router) Stable() *Processor { return r.stable }

// Canary returns the canary processor, or nil.
func (r *Router) Canary() *Processor { return r.canary }

// Processors returns every registered processor.
func (r *Router) Processors() []*Processor {
	if r.canary == nil {
		return []*Processor{r.stable}
	}
	return []*Processor{r.stable, r.canary}
}
