// Package playback keeps at most one spoken reply audible at a time. A new
// reply interrupts the current one: its stop flag is raised, the controller
// waits a bounded time for it to wind down, and then hard-stops it.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-kiosk/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrInvalidText is returned for text that should not be spoken.
	ErrInvalidText = errors.New("text is not worth speaking")
	// ErrClosed is returned after Cleanup.
	ErrClosed = errors.New("playback controller closed")
	// ErrBusy is returned when the request queue is full.
	ErrBusy = errors.New("playback queue full")
)

type Options struct {
	StopTimeout  time.Duration
	PollInterval time.Duration
	CacheSize    int
	Voice        string
}

func (o Options) withDefaults() Options {
	if o.StopTimeout <= 0 {
		o.StopTimeout = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 64
	}
	return o
}

type request struct {
	text string
	key  string
}

// session is one logical playback.
type session struct {
	req    request
	stop   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

type Controller struct {
	synth  tts.Synthesizer
	player Player
	opts   Options
	log    *slog.Logger
	cache  *lru.Cache[string, tts.Audio]

	ctx      context.Context
	cancel   context.CancelFunc
	requests chan request
	workerWG sync.WaitGroup
	playWG   sync.WaitGroup
	closed   atomic.Bool

	mu      sync.Mutex
	current *session

	started     metric.Int64Counter
	interrupted metric.Int64Counter
}

func NewController(parent context.Context, synth tts.Synthesizer, player Player, opts Options, log *slog.Logger) (*Controller, error) {
	opts = opts.withDefaults()
	cache, err := lru.New[string, tts.Audio](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		synth:    synth,
		player:   player,
		opts:     opts,
		log:      log.With(slog.String("component", "playback")),
		cache:    cache,
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan request, 16),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-kiosk/playback")
	if c.started, err = meter.Int64Counter("kiosk.playback.started", metric.WithDescription("Playbacks started")); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if c.interrupted, err = meter.Int64Counter("kiosk.playback.interrupted", metric.WithDescription("Playbacks interrupted by a newer reply")); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	c.workerWG.Add(1)
	go c.worker()
	return c, nil
}

// Speak queues text for playback and returns immediately. Invalid text is
// dropped.
func (c *Controller) Speak(text, key string) {
	if err := c.Submit(text, key); err != nil {
		c.log.Debug("speak dropped", slog.String("text", text), slog.String("reason", err.Error()))
	}
}

// Submit is Speak with the rejection reason reported.
func (c *Controller) Submit(text, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !ValidText(text) {
		return ErrInvalidText
	}
	// Raise the stop flag now so the current reply stops within one poll
	// interval even while the worker is busy.
	c.mu.Lock()
	if c.current != nil {
		c.current.stop.Store(true)
	}
	c.mu.Unlock()

	select {
	case c.requests <- request{text: text, key: key}:
		return nil
	default:
		return ErrBusy
	}
}

// Active reports whether a playback is in progress.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false
	}
	select {
	case <-c.current.done:
		return false
	default:
		return true
	}
}

// Cleanup stops the current playback, waits for it, and releases the player.
func (c *Controller) Cleanup() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	if c.current != nil {
		c.current.stop.Store(true)
	}
	c.mu.Unlock()
	c.cancel()
	c.workerWG.Wait()

	done := make(chan struct{})
	go func() {
		c.playWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.opts.StopTimeout):
		c.log.Warn("playback cleanup timed out", slog.String("error", errStopTimeout.Error()))
	}
	if closer, ok := c.player.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			c.log.Warn("failed to release player", slog.String("error", err.Error()))
		}
	}
}

func (c *Controller) worker() {
	defer c.workerWG.Done()
	for {
		select {
		case <-c.ctx.Done():
			c.stopCurrent()
			return
		case req := <-c.requests:
			c.stopCurrent()
			if c.ctx.Err() != nil {
				return
			}
			c.start(req)
		}
	}
}

// stopCurrent raises the current session's stop flag and waits up to the stop
// timeout before forcing it down.
func (c *Controller) stopCurrent() {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return
	}
	select {
	case <-cur.done:
		return
	default:
	}
	cur.stop.Store(true)
	if c.interrupted != nil {
		c.interrupted.Add(context.Background(), 1)
	}
	select {
	case <-cur.done:
	case <-time.After(c.opts.StopTimeout):
		c.log.Warn("playback did not stop in time, forcing", slog.String("key", cur.req.key))
		cur.cancel()
		select {
		case <-cur.done:
		case <-time.After(c.opts.PollInterval):
		}
	}
}

func (c *Controller) start(req request) {
	ctx, cancel := context.WithCancel(c.ctx)
	s := &session{req: req, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	c.playWG.Add(1)
	go c.play(ctx, s)
}

func (c *Controller) play(ctx context.Context, s *session) {
	defer c.playWG.Done()
	defer close(s.done)
	defer s.cancel()

	audio, err := c.audioFor(ctx, s.req)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("synthesis failed", slog.String("key", s.req.key), slog.String("error", err.Error()))
		}
		return
	}
	if s.stop.Load() {
		return
	}

	stream, err := c.player.Play(ctx, audio)
	if err != nil {
		c.log.Warn("playback failed", slog.String("key", s.req.key), slog.String("error", err.Error()))
		return
	}
	if c.started != nil {
		c.started.Add(context.Background(), 1)
	}
	c.log.Debug("playback started", slog.String("key", s.req.key), slog.Int("duration_ms", audio.DurationMS()))

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stream.Done():
			if err := stream.Err(); err != nil {
				c.log.Warn("playback ended with error", slog.String("key", s.req.key), slog.String("error", err.Error()))
			}
			return
		case <-ticker.C:
			if s.stop.Load() {
				stream.Stop()
				<-stream.Done()
				c.log.Debug("playback interrupted", slog.String("key", s.req.key))
				return
			}
		case <-ctx.Done():
			stream.Stop()
			<-stream.Done()
			return
		}
	}
}

func (c *Controller) audioFor(ctx context.Context, req request) (tts.Audio, error) {
	cacheKey := req.key + "\x00" + req.text
	if audio, ok := c.cache.Get(cacheKey); ok {
		return audio, nil
	}
	audio, err := tts.Collect(ctx, c.synth, tts.SynthRequest{Text: req.text, Voice: c.opts.Voice})
	if err != nil {
		return tts.Audio{}, err
	}
	c.cache.Add(cacheKey, audio)
	return audio, nil
}
