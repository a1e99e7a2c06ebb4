package stt

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/loqalabs/loqa-kiosk/internal/capability"
)

type fallbackRecognizer struct {
	primary  Recognizer
	fallback Recognizer
	registry *capability.Registry
	degraded atomic.Bool
}

// WithFallback uses primary until it reports capability.ErrUnavailable and
// then routes every later segment to fallback.
func WithFallback(primary, fallback Recognizer, registry *capability.Registry) Recognizer {
	if primary == nil {
		registry.MarkDegraded(capability.SpeechRecognizer, capability.ErrUnavailable)
		return fallback
	}
	registry.MarkOK(capability.SpeechRecognizer)
	return &fallbackRecognizer{primary: primary, fallback: fallback, registry: registry}
}

func (f *fallbackRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if !f.degraded.Load() {
		result, err := f.primary.Transcribe(ctx, pcm, sampleRate, channels, final)
		if err == nil || !errors.Is(err, capability.ErrUnavailable) {
			return result, err
		}
		f.degraded.Store(true)
		f.registry.MarkDegraded(capability.SpeechRecognizer, err)
	}
	return f.fallback.Transcribe(ctx, pcm, sampleRate, channels, final)
}
