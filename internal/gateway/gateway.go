// Package gateway provides the embedding gateway client used to backfill
// entity embeddings.
//
// The gateway is an external collaborator: this package only implements the
// consumed contract — embed(text) -> fixed-length vector — plus the
// protections the pipeline needs around it: dimension validation (mismatches
// are fatal, never coerced), a circuit breaker, and a rate limiter to keep
// embedding spend bounded.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// ErrDimensionMismatch indicates the gateway returned a vector of the wrong
// length. This is a validation error: the item is not retried automatically.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder is the interface for generating vector embeddings.
type Embedder interface {
	// Embed returns a fixed-length embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector length this embedder is configured to
	// produce.
	Dimension() int
}

// ValidateDimension checks an embedding against the expected length.
func ValidateDimension(embedding []float32, want int) error {
	if len(embedding) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), want)
	}
	return nil
}

// Validated wraps an Embedder so every returned vector is checked against
// the configured dimensionality before use.
type Validated struct {
	inner Embedder
}

// NewValidated wraps an embedder with dimension validation.
func NewValidated(inner Embedder) *Validated {
	return &Validated{inner: inner}
}

// Embed generates an embedding and validates its length.
func (v *Validated) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := v.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := ValidateDimension(vec, v.inner.Dimension()); err != nil {
		return nil, err
	}
	return vec, nil
}

// Dimension returns the wrapped embedder's dimension.
func (v *Validated) Dimension() int {
	return v.inner.Dimension()
}

// RateLimited wraps an Embedder with a token-bucket rate limiter so
// derivation bursts cannot blow through the gateway's rate limits (or the
// bill).
type RateLimited struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewRateLimited wraps an embedder, allowing reqPerSec sustained requests
// with the given burst.
func NewRateLimited(inner Embedder, reqPerSec float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(reqPerSec), burst),
	}
}

// Embed waits for a rate-limiter token, then delegates.
func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limiter: %w", err)
	}
	return r.inner.Embed(ctx, text)
}

// Dimension returns the wrapped embedder's dimension.
func (r *RateLimited) Dimension() int {
	return r.inner.Dimension()
}
