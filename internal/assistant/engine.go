// Package assistant runs the goroutine that owns the conversation: it folds
// transcripts and visual recognitions through consensus into the state
// machine and hands the resulting actions to the UI queue.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/consensus"
	"github.com/loqalabs/loqa-kiosk/internal/conversation"
	"github.com/loqalabs/loqa-kiosk/internal/dispatch"
	"github.com/loqalabs/loqa-kiosk/internal/protocol"
	"github.com/loqalabs/loqa-kiosk/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrStopped is returned to callers once Run has exited.
var ErrStopped = errors.New("assistant stopped")

const (
	modalityVoice = "voice"
	modalityVideo = "video"
)

// Publisher mirrors decisions and actions onto the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type eventKind int

const (
	eventTranscript eventKind = iota
	eventVisual
	eventQuery
)

type event struct {
	kind       eventKind
	transcript recognition.Transcript
	visual     recognition.Visual
	ctx        context.Context
	text       string
	reply      chan queryResult
}

type queryResult struct {
	reply protocol.QueryReply
	err   error
}

type Option func(*Engine)

// WithPublisher mirrors decisions and actions to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// Engine serializes every change to conversation state onto Run's
// goroutine. Its Submit methods and Query are safe for concurrent use.
type Engine struct {
	machine   *conversation.Machine
	video     *consensus.Engine
	voice     *consensus.Engine
	queue     *dispatch.Queue
	publisher Publisher
	log       *slog.Logger

	inbox     chan event
	dismissed chan string
	done      chan struct{}
	snapshot  atomic.Pointer[conversation.Snapshot]

	tracer    trace.Tracer
	events    metric.Int64Counter
	decisions metric.Int64Counter
	actions   metric.Int64Counter
}

func New(machine *conversation.Machine, queue *dispatch.Queue, cfg config.ConsensusConfig, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		machine: machine,
		video: consensus.New(consensus.Options{
			WindowSize:          cfg.WindowSize,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			SimilarityThreshold: cfg.EmbeddingSimilarityThreshold,
		}),
		voice: consensus.New(consensus.Options{
			WindowSize:          cfg.VoiceWindowSize,
			ConfidenceThreshold: cfg.VoiceConfidenceThreshold,
			SimilarityThreshold: -1,
		}),
		queue:     queue,
		log:       log.With(slog.String("component", "assistant")),
		inbox:     make(chan event, 32),
		dismissed: make(chan string, 16),
		done:      make(chan struct{}),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-kiosk/assistant"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.refresh()
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return e
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-kiosk/assistant")
	var err error
	if e.events, err = meter.Int64Counter("kiosk.engine.events", metric.WithDescription("Events handled by the assistant")); err != nil {
		return err
	}
	if e.decisions, err = meter.Int64Counter("kiosk.engine.decisions", metric.WithDescription("Consensus decisions")); err != nil {
		return err
	}
	e.actions, err = meter.Int64Counter("kiosk.engine.actions", metric.WithDescription("Actions enqueued for the UI"))
	return err
}

// Snapshot returns a copy of the conversation state as of the last event.
func (e *Engine) Snapshot() conversation.Snapshot {
	return *e.snapshot.Load()
}

// SubmitTranscript queues recognized speech. It blocks while the inbox is
// full.
func (e *Engine) SubmitTranscript(ctx context.Context, t recognition.Transcript) error {
	return e.send(ctx, event{kind: eventTranscript, transcript: t})
}

// SubmitVisual queues the outcome of one frame.
func (e *Engine) SubmitVisual(ctx context.Context, v recognition.Visual) error {
	return e.send(ctx, event{kind: eventVisual, visual: v})
}

// PopupDismissed records that the shopper closed a popup. It never blocks,
// so it is safe to call from the UI goroutine.
func (e *Engine) PopupDismissed(id string) {
	select {
	case e.dismissed <- id:
	default:
		e.log.Warn("dismissal dropped, assistant busy", slog.String("popup_id", id))
	}
}

// Query handles text directly, bypassing consensus, and waits for the
// outcome.
func (e *Engine) Query(ctx context.Context, text string) (protocol.QueryReply, error) {
	ctx, span := e.tracer.Start(ctx, "kiosk.query")
	defer span.End()
	reply := make(chan queryResult, 1)
	if err := e.send(ctx, event{kind: eventQuery, ctx: ctx, text: text, reply: reply}); err != nil {
		return protocol.QueryReply{}, err
	}
	select {
	case <-ctx.Done():
		return protocol.QueryReply{}, ctx.Err()
	case <-e.done:
		return protocol.QueryReply{}, ErrStopped
	case res := <-reply:
		span.SetAttributes(attribute.String("kiosk.query.status", res.reply.Status))
		return res.reply, res.err
	}
}

func (e *Engine) send(ctx context.Context, ev event) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	case e.inbox <- ev:
		return nil
	}
}

// Run owns the conversation until ctx is cancelled. The greeting is queued
// first.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	e.enqueue(e.machine.Greeting())
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-e.dismissed:
			e.handleDismissal(id)
		case ev := <-e.inbox:
			// Dismissals already reported by the UI happened before ev.
			e.drainDismissals()
			e.handle(ctx, ev)
		}
		e.refresh()
	}
}

func (e *Engine) drainDismissals() {
	for {
		select {
		case id := <-e.dismissed:
			e.handleDismissal(id)
		default:
			return
		}
	}
}

func (e *Engine) refresh() {
	snap := e.machine.Snapshot()
	e.snapshot.Store(&snap)
}

func (e *Engine) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventTranscript:
		e.count(ctx, "transcript")
		e.handleTranscript(ctx, ev.transcript)
	case eventVisual:
		e.count(ctx, "visual")
		e.handleVisual(ctx, ev.visual)
	case eventQuery:
		e.count(ctx, "query")
		reply, err := e.handleQuery(ev.ctx, ev.text)
		e.refresh()
		ev.reply <- queryResult{reply: reply, err: err}
	}
}

func (e *Engine) count(ctx context.Context, kind string) {
	if e.events != nil {
		e.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (e *Engine) handleTranscript(ctx context.Context, t recognition.Transcript) {
	intent, err := e.machine.Interpret(ctx, t.Text)
	if err != nil {
		e.log.Error("interpret transcript", slog.String("error", err.Error()))
		return
	}
	if intent.Kind != conversation.IntentProduct {
		e.apply(e.machine.Apply(intent))
		return
	}
	decision := e.voice.Push(&consensus.Recognition{Identity: intent.Product.ID, Confidence: t.Confidence})
	if decision == nil {
		return
	}
	e.decide(ctx, modalityVoice, decision)
}

func (e *Engine) handleVisual(ctx context.Context, v recognition.Visual) {
	decision := e.video.Push(v.Recognition)
	if decision == nil {
		return
	}
	snap := e.machine.Snapshot()
	// The product on screen keeps being seen; only a change is news.
	if snap.CurrentProduct != nil && snap.CurrentProduct.ID == decision.Identity {
		e.log.Debug("visual decision repeats current product", slog.String("identity", decision.Identity))
		return
	}
	e.decide(ctx, modalityVideo, decision)
}

func (e *Engine) decide(ctx context.Context, modality string, d *consensus.Decision) {
	e.log.Info("consensus decision",
		slog.String("modality", modality),
		slog.String("identity", d.Identity),
		slog.Float64("confidence", d.AverageConfidence),
	)
	if e.decisions != nil {
		e.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("modality", modality)))
	}
	e.publish(protocol.SubjectDecision, protocol.Decision{
		Modality:          modality,
		Identity:          d.Identity,
		AverageConfidence: d.AverageConfidence,
		Timestamp:         time.Now().UTC(),
	})
	res, err := e.machine.HandleDecision(ctx, d.Identity)
	if err != nil {
		e.log.Error("handle decision", slog.String("error", err.Error()))
		return
	}
	e.apply(res)
}

func (e *Engine) handleQuery(ctx context.Context, text string) (protocol.QueryReply, error) {
	res, err := e.machine.HandleUtterance(ctx, text)
	if err != nil {
		return protocol.QueryReply{}, fmt.Errorf("handle query: %w", err)
	}
	e.apply(res)
	switch res.Outcome {
	case conversation.OutcomeShown, conversation.OutcomeSizeSelected, conversation.OutcomeCancelled:
		return protocol.QueryReply{Status: protocol.StatusOK, Product: res.Product}, nil
	default:
		return protocol.QueryReply{Status: protocol.StatusNotFound}, nil
	}
}

func (e *Engine) handleDismissal(id string) {
	if !e.machine.PopupDismissed(id) {
		return
	}
	e.log.Info("popup dismissed by shopper", slog.String("popup_id", id))
	e.resetConsensus()
}

func (e *Engine) apply(res conversation.Result) {
	if res.ResetConsensus {
		e.resetConsensus()
	}
	e.enqueue(res.Actions)
}

func (e *Engine) resetConsensus() {
	e.video.Reset()
	e.voice.Reset()
}

func (e *Engine) enqueue(actions []dispatch.Action) {
	if len(actions) == 0 {
		return
	}
	e.queue.Enqueue(actions...)
	if e.actions != nil {
		e.actions.Add(context.Background(), int64(len(actions)))
	}
	now := time.Now().UTC()
	for _, a := range actions {
		e.publish(protocol.SubjectAction, protocol.ActionEvent{
			Kind:      a.Kind.String(),
			ProductID: a.Product.ID,
			PopupID:   a.PopupID,
			Text:      a.Text,
			AudioKey:  a.AudioKey,
			Timestamp: now,
		})
	}
}

func (e *Engine) publish(subject string, v any) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishJSON(subject, v); err != nil {
		e.log.Debug("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
