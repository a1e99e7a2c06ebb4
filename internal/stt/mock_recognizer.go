package stt

import (
	"context"
	"sync"
)

type mockRecognizer struct {
	mu     sync.Mutex
	script []string
}

// NewMockRecognizer returns a recognizer that replays script, one entry per
// call, and reports no speech once the script is exhausted.
func NewMockRecognizer(script ...string) Recognizer {
	return &mockRecognizer{script: append([]string(nil), script...)}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, _ bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) == 0 || len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	text := m.script[0]
	m.script = m.script[1:]
	return TranscriptResult{Text: text, Confidence: 1}, nil
}
