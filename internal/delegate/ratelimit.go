// ABOUTME: Rate-limited delegate wrapper backed by a token bucket.
// ABOUTME: Callers block until capacity is available or their context ends.

package delegate

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-router/internal/catalog"
	"github.com/2389/coven-router/internal/fault"
)

// RateLimited wraps a Delegate with a requests-per-minute budget.
type RateLimited struct {
	next    Delegate
	limiter *rate.Limiter
}

// NewRateLimited wraps next. A non-positive perMinute disables limiting and
// returns next unchanged.
func NewRateLimited(next Delegate, perMinute int) Delegate {
	if perMinute <= 0 {
		return next
	}
	every := time.Minute / time.Duration(perMinute)
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// ChooseCapability waits for capacity, then delegates.
func (r *RateLimited) ChooseCapability(ctx context.Context, text string, candidates []catalog.Descriptor) (Decision, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Decision{}, fault.Decision(fmt.Errorf("waiting for delegate capacity: %w", err))
	}
	return r.next.ChooseCapability(ctx, text, candidates)
}
