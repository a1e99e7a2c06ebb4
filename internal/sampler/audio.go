// Package sampler captures microphone audio and camera frames and hands them
// to recognition workers without ever stalling capture.
package sampler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/capability"
	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/pcm"
	"github.com/loqalabs/loqa-kiosk/internal/vision"
	"github.com/mattn/go-shellwords"
)

// ErrDeviceUnavailable marks a microphone or camera that cannot be opened or
// stopped delivering data.
var ErrDeviceUnavailable = errors.New("device unavailable")

type Modality string

const (
	Audio Modality = "audio"
	Video Modality = "video"
)

// Sample is one unit of sensor input. Audio samples carry a complete speech
// segment; video samples carry one frame.
type Sample struct {
	Timestamp  time.Time
	Modality   Modality
	PCM        []byte
	SampleRate int
	Channels   int
	Frame      *vision.Frame
}

// AudioSource delivers raw 16-bit PCM. Read blocks until data is available.
type AudioSource interface {
	Read(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// Offer hands s to out without blocking. It reports false when the channel
// was full and the sample was dropped.
func Offer(out chan<- Sample, s Sample) bool {
	select {
	case out <- s:
		return true
	default:
		return false
	}
}

// NewAudioSource builds the configured source. Failures are returned
// wrapping ErrDeviceUnavailable.
func NewAudioSource(cfg config.AudioConfig) (AudioSource, error) {
	switch cfg.Source {
	case "exec":
		return NewExecSource(cfg.Command)
	default:
		return NewMockSource(cfg.SampleRate, cfg.Channels, cfg.EnergyThreshold), nil
	}
}

type execSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	once   sync.Once
}

// NewExecSource starts a capture command such as
// "arecord -q -f S16_LE -r 16000 -c 1 -t raw" and reads PCM from its stdout.
func NewExecSource(command string) (AudioSource, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("audio command empty: %w", ErrDeviceUnavailable)
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("audio source %s: %w", args[0], ErrDeviceUnavailable)
	}
	s := &execSource{cmd: exec.Command(args[0], args[1:]...)}
	s.cmd.Stderr = &s.stderr
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	s.stdout = stdout
	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start audio source: %v: %w", err, ErrDeviceUnavailable)
	}
	return s, nil
}

func (s *execSource) Read(ctx context.Context, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.stdout.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, fmt.Errorf("audio source exited: %s: %w", s.stderr.String(), ErrDeviceUnavailable)
		}
		return n, fmt.Errorf("read audio: %v: %w", err, ErrDeviceUnavailable)
	}
	return n, nil
}

func (s *execSource) Close() error {
	var err error
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err = s.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
	})
	return err
}

type mockSource struct {
	rate, channels int
	pattern        [][]byte
	pos            int
	pending        []byte
	pace           time.Duration
}

// NewMockSource simulates a shopper speaking roughly every few seconds: a
// one second tone followed by three seconds of silence, paced in real time.
func NewMockSource(sampleRate, channels int, energyThreshold float64) AudioSource {
	amp := energyThreshold * 4
	if amp <= 0 {
		amp = 2000
	}
	return &mockSource{
		rate:     sampleRate,
		channels: channels,
		pattern: [][]byte{
			pcm.Tone(sampleRate, channels, 1000, 220, amp),
			make([]byte, pcm.BytesPerFrame(sampleRate, channels, 3000)),
		},
		pace: 20 * time.Millisecond,
	}
}

func (m *mockSource) Read(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(m.pace):
	}
	chunk := pcm.BytesPerFrame(m.rate, m.channels, int(m.pace/time.Millisecond))
	if chunk > len(buf) {
		chunk = len(buf)
	}
	n := 0
	for n < chunk {
		if len(m.pending) == 0 {
			m.pending = m.pattern[m.pos]
			m.pos = (m.pos + 1) % len(m.pattern)
		}
		c := copy(buf[n:chunk], m.pending)
		m.pending = m.pending[c:]
		n += c
	}
	return n, nil
}

func (m *mockSource) Close() error { return nil }

type silenceSource struct {
	rate, channels int
}

// NewSilenceSource stands in for a failed microphone.
func NewSilenceSource(sampleRate, channels int) AudioSource {
	return &silenceSource{rate: sampleRate, channels: channels}
}

func (s *silenceSource) Read(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	n := pcm.BytesPerFrame(s.rate, s.channels, 100)
	if n > len(buf) {
		n = len(buf)
	}
	clear(buf[:n])
	return n, nil
}

func (s *silenceSource) Close() error { return nil }

// AudioSampler reads a source, segments speech, and emits one Sample per
// utterance.
type AudioSampler struct {
	source    AudioSource
	segmenter *Segmenter
	opts      SegmenterOptions
	registry  *capability.Registry
	log       *slog.Logger
	dropped   atomic.Int64
	degraded  bool
}

func NewAudioSampler(source AudioSource, opts SegmenterOptions, registry *capability.Registry, log *slog.Logger) *AudioSampler {
	return &AudioSampler{
		source:    source,
		segmenter: NewSegmenter(opts),
		opts:      opts,
		registry:  registry,
		log:       log.With(slog.String("component", "audio-sampler")),
	}
}

// Dropped counts segments discarded because the worker was busy.
func (a *AudioSampler) Dropped() int64 { return a.dropped.Load() }

// Run captures until ctx is cancelled. A failing device is replaced by
// silence so the pipeline keeps running.
func (a *AudioSampler) Run(ctx context.Context, out chan<- Sample) error {
	// Device reads do not observe ctx, so closing the source unblocks them.
	initial := a.source
	stop := context.AfterFunc(ctx, func() { _ = initial.Close() })
	defer stop()
	defer func() {
		if err := a.source.Close(); err != nil {
			a.log.Debug("audio source close", slog.String("error", err.Error()))
		}
	}()
	if a.registry != nil {
		a.registry.MarkOK(capability.Microphone)
	}
	buf := make([]byte, a.segmenter.FrameSize()*5)
	for {
		n, err := a.source.Read(ctx, buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !errors.Is(err, ErrDeviceUnavailable) || a.degraded {
				a.log.Warn("audio read failed", slog.String("error", err.Error()))
				if !sleep(ctx, 100*time.Millisecond) {
					return nil
				}
				continue
			}
			a.fallback(err)
			continue
		}
		for _, segment := range a.segmenter.Write(buf[:n]) {
			a.emit(out, segment)
		}
	}
}

func (a *AudioSampler) fallback(cause error) {
	a.degraded = true
	_ = a.source.Close()
	a.source = NewSilenceSource(a.opts.SampleRate, a.opts.Channels)
	if a.registry != nil {
		a.registry.MarkDegraded(capability.Microphone, cause)
	} else {
		a.log.Warn("microphone unavailable, using silence", slog.String("error", cause.Error()))
	}
}

func (a *AudioSampler) emit(out chan<- Sample, segment []byte) {
	sample := Sample{
		Timestamp:  time.Now(),
		Modality:   Audio,
		PCM:        segment,
		SampleRate: a.opts.SampleRate,
		Channels:   a.opts.Channels,
	}
	if !Offer(out, sample) {
		a.dropped.Add(1)
		a.log.Debug("speech segment dropped, recognizer busy")
	}
}
