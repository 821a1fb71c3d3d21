package embedding

import (
	"context"

	"golang.org/x/time/rate"

	"taskherd/internal/domain"
)

// RateLimited throttles calls to the wrapped provider. Embed blocks until
// the limiter grants a slot or the context is done.
type RateLimited struct {
	inner   domain.EmbeddingProvider
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a token bucket of requestsPerSecond and
// the given burst. burst < 1 is raised to 1 so a single call can always
// proceed.
func NewRateLimited(inner domain.EmbeddingProvider, requestsPerSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Embed implements domain.EmbeddingProvider.
func (r *RateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, texts)
}

// Dimensions implements domain.EmbeddingProvider.
func (r *RateLimited) Dimensions() int { return r.inner.Dimensions() }

// Name implements domain.EmbeddingProvider.
func (r *RateLimited) Name() string { return r.inner.Name() }

var _ domain.EmbeddingProvider = (*RateLimited)(nil)
