package vision

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/loqalabs/loqa-kiosk/internal/capability"
)

type fallbackEmbedder struct {
	primary  Embedder
	fallback Embedder
	registry *capability.Registry
	degraded atomic.Bool
}

// WithFallback uses primary until it reports capability.ErrUnavailable.
func WithFallback(primary, fallback Embedder, registry *capability.Registry) Embedder {
	if primary == nil {
		registry.MarkDegraded(capability.ImageEmbedder, capability.ErrUnavailable)
		return fallback
	}
	registry.MarkOK(capability.ImageEmbedder)
	return &fallbackEmbedder{primary: primary, fallback: fallback, registry: registry}
}

func (f *fallbackEmbedder) Embed(ctx context.Context, frame Frame) ([]float32, error) {
	if !f.degraded.Load() {
		vec, err := f.primary.Embed(ctx, frame)
		if err == nil || !errors.Is(err, capability.ErrUnavailable) {
			return vec, err
		}
		f.degraded.Store(true)
		f.registry.MarkDegraded(capability.ImageEmbedder, err)
	}
	return f.fallback.Embed(ctx, frame)
}
