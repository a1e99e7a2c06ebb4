package tts

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/loqalabs/loqa-kiosk/internal/capability"
)

type fallbackSynth struct {
	primary  Synthesizer
	fallback Synthesizer
	registry *capability.Registry
	degraded atomic.Bool
}

// WithFallback returns a synthesizer that uses primary until it reports
// capability.ErrUnavailable, then switches to fallback for good.
func WithFallback(primary, fallback Synthesizer, registry *capability.Registry) Synthesizer {
	if primary == nil {
		registry.MarkDegraded(capability.Synthesizer, capability.ErrUnavailable)
		return fallback
	}
	registry.MarkOK(capability.Synthesizer)
	return &fallbackSynth{primary: primary, fallback: fallback, registry: registry}
}

func (f *fallbackSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	if f.degraded.Load() {
		return f.fallback.Synthesize(ctx, req)
	}
	audio, err := Collect(ctx, f.primary, req)
	if err != nil && errors.Is(err, capability.ErrUnavailable) {
		f.degraded.Store(true)
		f.registry.MarkDegraded(capability.Synthesizer, err)
		return f.fallback.Synthesize(ctx, req)
	}

	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	if err != nil {
		errs <- err
	} else {
		chunks <- SynthChunk{SampleRate: audio.SampleRate, Channels: audio.Channels, PCM: audio.PCM, Final: true}
	}
	close(chunks)
	close(errs)
	return chunks, errs
}
