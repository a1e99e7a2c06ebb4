package stt

import (
	"context"
)

// TranscriptResult captures recognizer output. An empty Text means the
// segment held no speech, which is not an error.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Backends that are offline return an
// error wrapping capability.ErrUnavailable.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
