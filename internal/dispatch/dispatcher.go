package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/catalog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PopupTarget receives popup actions.
type PopupTarget interface {
	Show(p catalog.Product, popupID string)
	Close()
}

// SpeechTarget receives speak actions. Speak must return without waiting for
// playback.
type SpeechTarget interface {
	Speak(text, audioKey string)
}

// Dispatcher applies queued actions on the goroutine that runs it.
type Dispatcher struct {
	queue    *Queue
	popups   PopupTarget
	speech   SpeechTarget
	interval time.Duration
	onTick   func()
	log      *slog.Logger
	applied  metric.Int64Counter
}

type Option func(*Dispatcher)

// WithInterval sets the tick interval of Run.
func WithInterval(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.interval = d
		}
	}
}

// WithTickHook installs a function called on every tick after the queue is
// drained. It runs on the dispatcher goroutine.
func WithTickHook(fn func()) Option {
	return func(dp *Dispatcher) { dp.onTick = fn }
}

func NewDispatcher(queue *Queue, popups PopupTarget, speech SpeechTarget, log *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:    queue,
		popups:   popups,
		speech:   speech,
		interval: 10 * time.Millisecond,
		log:      log.With(slog.String("component", "dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	meter := otel.Meter("github.com/loqalabs/loqa-kiosk/dispatch")
	counter, err := meter.Int64Counter("kiosk.dispatch.actions", metric.WithDescription("UI actions applied"))
	if err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		d.applied = counter
	}
	return d
}

// DrainTick applies every action queued at call time in FIFO order and
// returns how many were applied.
func (d *Dispatcher) DrainTick() int {
	batch := d.queue.Drain()
	for _, action := range batch {
		d.apply(action)
	}
	if d.onTick != nil {
		d.onTick()
	}
	return len(batch)
}

// Run drains the queue whenever it is notified, and at least once per
// interval, until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.DrainTick()
			return nil
		case <-d.queue.Notify():
			d.DrainTick()
		case <-ticker.C:
			d.DrainTick()
		}
	}
}

func (d *Dispatcher) apply(action Action) {
	switch action.Kind {
	case KindShowPopup:
		d.popups.Show(action.Product, action.PopupID)
	case KindClosePopup:
		d.popups.Close()
	case KindSpeak:
		d.speech.Speak(action.Text, action.AudioKey)
	default:
		d.log.Warn("unknown action", slog.Int("kind", int(action.Kind)))
		return
	}
	if d.applied != nil {
		d.applied.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", action.Kind.String())))
	}
	d.log.Debug("action applied", slog.String("kind", action.Kind.String()), slog.String("popup_id", action.PopupID))
}
