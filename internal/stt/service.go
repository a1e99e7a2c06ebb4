package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-kiosk/internal/bus"
	"github.com/loqalabs/loqa-kiosk/internal/protocol"
	"github.com/nats-io/nats.go"
)

// TranscriptHandler receives final transcripts.
type TranscriptHandler func(ctx context.Context, t protocol.Transcript)

// Service accepts final transcripts produced by recognizers running
// elsewhere on the bus and forwards them to the local handler.
type Service struct {
	bus     *bus.Client
	handler TranscriptHandler
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	sub     *nats.Subscription
	mu      sync.Mutex
	wg      sync.WaitGroup
	ready   bool
}

func NewService(parent context.Context, busClient *bus.Client, handler TranscriptHandler, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		handler: handler,
		log:     log.With(slog.String("component", "stt-bridge")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, s.handleTranscript)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus == nil || s.ready
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	if transcript.Partial || strings.TrimSpace(transcript.Text) == "" {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.handler(s.ctx, transcript)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
