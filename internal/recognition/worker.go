// Package recognition runs recognizers over sensor samples on their own
// goroutines, one worker per modality so per-modality order is preserved.
package recognition

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/consensus"
	"github.com/loqalabs/loqa-kiosk/internal/sampler"
	"github.com/loqalabs/loqa-kiosk/internal/stt"
	"github.com/loqalabs/loqa-kiosk/internal/vision"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transcript is recognized speech.
type Transcript struct {
	Text       string
	Confidence float64
	Timestamp  time.Time
}

// Visual is the outcome of one frame. A nil Recognition means nothing
// recognizable was in view.
type Visual struct {
	Recognition *consensus.Recognition
	Timestamp   time.Time
}

const (
	outcomeResult   = "result"
	outcomeNoResult = "no_result"
	outcomeFailure  = "failure"
)

type instruments struct {
	samples metric.Int64Counter
	latency metric.Float64Histogram
}

func newInstruments(log *slog.Logger) instruments {
	meter := otel.Meter("github.com/loqalabs/loqa-kiosk/recognition")
	var inst instruments
	var err error
	if inst.samples, err = meter.Int64Counter("kiosk.recognition.samples", metric.WithDescription("Samples processed by recognition workers")); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if inst.latency, err = meter.Float64Histogram("kiosk.recognition.latency", metric.WithUnit("ms"), metric.WithDescription("Recognizer latency")); err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return inst
}

func (i instruments) record(ctx context.Context, modality sampler.Modality, outcome string, started time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("modality", string(modality)),
		attribute.String("outcome", outcome),
	)
	if i.samples != nil {
		i.samples.Add(ctx, 1, attrs)
	}
	if i.latency != nil {
		i.latency.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}

// AudioWorker transcribes speech segments.
type AudioWorker struct {
	recognizer stt.Recognizer
	handle     func(context.Context, Transcript)
	timeout    time.Duration
	log        *slog.Logger
	inst       instruments
}

func NewAudioWorker(recognizer stt.Recognizer, handle func(context.Context, Transcript), log *slog.Logger) *AudioWorker {
	log = log.With(slog.String("component", "audio-worker"))
	return &AudioWorker{
		recognizer: recognizer,
		handle:     handle,
		timeout:    45 * time.Second,
		log:        log,
		inst:       newInstruments(log),
	}
}

func (w *AudioWorker) Run(ctx context.Context, in <-chan sampler.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample, ok := <-in:
			if !ok {
				return nil
			}
			w.process(ctx, sample)
		}
	}
}

func (w *AudioWorker) process(ctx context.Context, sample sampler.Sample) {
	if len(sample.PCM) == 0 {
		return
	}
	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	result, err := w.recognizer.Transcribe(callCtx, sample.PCM, sample.SampleRate, sample.Channels, true)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("stt transcription failed", slog.String("error", err.Error()))
		}
		w.inst.record(ctx, sampler.Audio, outcomeFailure, started)
		return
	}
	if result.Text == "" {
		w.inst.record(ctx, sampler.Audio, outcomeNoResult, started)
		return
	}
	w.inst.record(ctx, sampler.Audio, outcomeResult, started)
	w.log.Debug("transcript", slog.String("text", result.Text), slog.Float64("confidence", result.Confidence))
	w.handle(ctx, Transcript{Text: result.Text, Confidence: result.Confidence, Timestamp: sample.Timestamp})
}

// Recognizer matches a frame against the product index.
type Recognizer interface {
	Recognize(ctx context.Context, frame vision.Frame) (*consensus.Recognition, error)
}

// VideoWorker recognizes products in frames.
type VideoWorker struct {
	recognizer Recognizer
	handle     func(context.Context, Visual)
	log        *slog.Logger
	inst       instruments
}

func NewVideoWorker(recognizer Recognizer, handle func(context.Context, Visual), log *slog.Logger) *VideoWorker {
	log = log.With(slog.String("component", "video-worker"))
	return &VideoWorker{
		recognizer: recognizer,
		handle:     handle,
		log:        log,
		inst:       newInstruments(log),
	}
}

func (w *VideoWorker) Run(ctx context.Context, in <-chan sampler.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample, ok := <-in:
			if !ok {
				return nil
			}
			w.process(ctx, sample)
		}
	}
}

func (w *VideoWorker) process(ctx context.Context, sample sampler.Sample) {
	if sample.Frame == nil {
		return
	}
	started := time.Now()
	rec, err := w.recognizer.Recognize(ctx, *sample.Frame)
	if err != nil {
		// A failed frame is not evidence of an empty view; skip it.
		if ctx.Err() == nil {
			w.log.Warn("frame recognition failed", slog.String("error", err.Error()))
		}
		w.inst.record(ctx, sampler.Video, outcomeFailure, started)
		return
	}
	outcome := outcomeResult
	if rec == nil {
		outcome = outcomeNoResult
	}
	w.inst.record(ctx, sampler.Video, outcome, started)
	w.handle(ctx, Visual{Recognition: rec, Timestamp: sample.Timestamp})
}
