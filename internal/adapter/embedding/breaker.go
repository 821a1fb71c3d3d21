package embedding

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"taskherd/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker decorator.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before going half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure
	// counts. If 0, failures never reset until the circuit opens.
	Interval time.Duration
}

// Breaker wraps an EmbeddingProvider with circuit breaker protection. When
// the backend fails repeatedly, subsequent calls fail fast without reaching
// it, preventing retry storms against a struggling endpoint.
type Breaker struct {
	inner   domain.EmbeddingProvider
	breaker *gobreaker.CircuitBreaker[[][]float32]
}

// NewBreaker wraps inner with a circuit breaker. Zero-valued cfg fields fall
// back to defaults.
func NewBreaker(inner domain.EmbeddingProvider, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[[][]float32](gobreaker.Settings{
		Name:        "embedding:" + inner.Name(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Breaker{inner: inner, breaker: cb}
}

// Embed implements domain.EmbeddingProvider.
func (b *Breaker) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return b.breaker.Execute(func() ([][]float32, error) {
		return b.inner.Embed(ctx, texts)
	})
}

// Dimensions implements domain.EmbeddingProvider.
func (b *Breaker) Dimensions() int { return b.inner.Dimensions() }

// Name implements domain.EmbeddingProvider.
func (b *Breaker) Name() string { return b.inner.Name() }

var _ domain.EmbeddingProvider = (*Breaker)(nil)
