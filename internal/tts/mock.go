package tts

import (
	"context"
	"time"
	"unicode/utf8"
)

type mockSynth struct {
	sampleRate  int
	channels    int
	perRune     time.Duration
	maxDuration time.Duration
}

// NewMockSynth returns a synthesizer that produces silence sized to the
// text, roughly the length real speech would take.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{
		sampleRate:  sampleRate,
		channels:    channels,
		perRune:     80 * time.Millisecond,
		maxDuration: 10 * time.Second,
	}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(5 * time.Millisecond):
		}
		length := time.Duration(utf8.RuneCountInString(req.Text)) * m.perRune
		if length > m.maxDuration {
			length = m.maxDuration
		}
		frames := int(length.Seconds() * float64(m.sampleRate))
		chunks <- SynthChunk{
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, frames*2*m.channels),
			Final:      true,
		}
	}()
	return chunks, errs
}
