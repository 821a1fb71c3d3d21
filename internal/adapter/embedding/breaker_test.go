package embedding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/sony/gobreaker/v2"

	"taskherd/internal/domain"
)

// flakyProvider fails until healed.
type flakyProvider struct {
	calls  int
	broken bool
}

func (p *flakyProvider) Embed(context.Context, []string) ([][]float32, error) {
	p.calls++
	if p.broken {
		return nil, domain.ErrEmbeddingFailed
	}
	return [][]float32{{1, 2}}, nil
}

func (p *flakyProvider) Dimensions() int { return 2 }
func (p *flakyProvider) Name() string    { return "flaky" }

func testBreakerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreakerPassThrough(t *testing.T) {
	inner := &flakyProvider{}
	b := NewBreaker(inner, BreakerConfig{}, testBreakerLogger())

	vecs, err := b.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("vecs len = %d, want 1", len(vecs))
	}
	if b.Dimensions() != 2 || b.Name() != "flaky" {
		t.Error("decorator must delegate Dimensions and Name")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyProvider{broken: true}
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 3}, testBreakerLogger())

	for i := 0; i < 3; i++ {
		if _, err := b.Embed(context.Background(), []string{"x"}); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("inner calls = %d, want 3", inner.calls)
	}

	// Circuit is open now: the provider is no longer reached.
	_, err := b.Embed(context.Background(), []string{"x"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want ErrOpenState", err)
	}
	if inner.calls != 3 {
		t.Fatalf("inner calls = %d after open circuit, want 3", inner.calls)
	}
}
