package runtime

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-kiosk/internal/capability"
	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/playback"
	"github.com/loqalabs/loqa-kiosk/internal/stt"
	"github.com/loqalabs/loqa-kiosk/internal/tts"
	"github.com/loqalabs/loqa-kiosk/internal/vision"
)

// The builders below never fail: an adapter that cannot be constructed is
// replaced by its mock and the capability is recorded as degraded.

func buildRecognizer(cfg config.STTConfig, registry *capability.Registry) stt.Recognizer {
	fallback := stt.NewMockRecognizer()
	if cfg.Mode != "exec" {
		registry.MarkOK(capability.SpeechRecognizer)
		return fallback
	}
	primary, err := stt.NewExecRecognizer(cfg)
	if err != nil {
		registry.MarkDegraded(capability.SpeechRecognizer, err)
		return fallback
	}
	registry.MarkOK(capability.SpeechRecognizer)
	return stt.WithFallback(primary, fallback, registry)
}

func buildEmbedder(cfg config.VisionConfig, registry *capability.Registry) vision.Embedder {
	fallback := vision.NewMockEmbedder(cfg.Dimensions)
	if cfg.Mode != "http" {
		registry.MarkOK(capability.ImageEmbedder)
		return fallback
	}
	registry.MarkOK(capability.ImageEmbedder)
	return vision.WithFallback(vision.NewHTTPEmbedder(cfg.Endpoint, cfg.Model, cfg.Dimensions), fallback, registry)
}

func buildSynthesizer(cfg config.TTSConfig, registry *capability.Registry) tts.Synthesizer {
	fallback := tts.NewMockSynth(cfg.SampleRate, cfg.Channels)
	if cfg.Mode != "exec" {
		registry.MarkOK(capability.Synthesizer)
		return fallback
	}
	primary, err := tts.NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels)
	if err != nil {
		registry.MarkDegraded(capability.Synthesizer, err)
		return fallback
	}
	registry.MarkOK(capability.Synthesizer)
	return tts.WithFallback(primary, fallback, registry)
}

func buildPlayer(cfg config.PlaybackConfig, registry *capability.Registry, logger *slog.Logger) playback.Player {
	if cfg.Mode != "exec" {
		registry.MarkOK(capability.Player)
		return playback.NewMockPlayer()
	}
	player, err := playback.NewExecPlayer(cfg.Command)
	if err != nil {
		if !errors.Is(err, capability.ErrUnavailable) {
			logger.Warn("invalid playback command", slog.String("error", err.Error()))
		}
		registry.MarkDegraded(capability.Player, err)
		return playback.NewMockPlayer()
	}
	registry.MarkOK(capability.Player)
	return player
}
