package tts

import (
	"context"
	"errors"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Audio is a fully synthesized utterance: 16-bit little-endian PCM.
type Audio struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// DurationMS estimates the playback length in milliseconds.
func (a Audio) DurationMS() int {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	frames := len(a.PCM) / (2 * a.Channels)
	return frames * 1000 / a.SampleRate
}

// Collect drains a synthesis stream into a single Audio.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) (Audio, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var (
		audio    Audio
		failures []error
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if audio.SampleRate == 0 {
				audio.SampleRate = chunk.SampleRate
				audio.Channels = chunk.Channels
			}
			audio.PCM = append(audio.PCM, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				failures = append(failures, err)
			}
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	if len(failures) > 0 {
		return Audio{}, errors.Join(failures...)
	}
	return audio, nil
}
