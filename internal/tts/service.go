package tts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-kiosk/internal/bus"
	"github.com/loqalabs/loqa-kiosk/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Speaker queues a line for playback without blocking.
type Speaker interface {
	Speak(text, audioKey string)
}

// Service lets other processes on the bus make the kiosk speak, for example
// a staff console announcing a promotion.
type Service struct {
	bus     *bus.Client
	speaker Speaker
	mu      sync.Mutex
	sub     *nats.Subscription
	logger  *slog.Logger
}

func NewService(busClient *bus.Client, speaker Speaker, log *slog.Logger) *Service {
	return &Service{
		bus:     busClient,
		speaker: speaker,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSpeak, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe speak requests: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus == nil || s.sub != nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		return
	}
	key := req.AudioKey
	if key == "" {
		key = "announcement.wav"
	}
	s.logger.Info("speak request", slog.String("text", req.Text))
	s.speaker.Speak(req.Text, key)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
