package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/bus"
	"github.com/loqalabs/loqa-kiosk/internal/protocol"
	"github.com/loqalabs/loqa-kiosk/internal/recognition"
	"github.com/nats-io/nats.go"
)

// querier answers text queries.
type querier interface {
	Query(ctx context.Context, text string) (protocol.QueryReply, error)
}

// queryResponder serves kiosk.query request-reply.
type queryResponder struct {
	bus     *bus.Client
	querier querier
	log     *slog.Logger
	ctx     context.Context
	mu      sync.Mutex
	sub     *nats.Subscription
}

func newQueryResponder(ctx context.Context, busClient *bus.Client, q querier, log *slog.Logger) *queryResponder {
	return &queryResponder{
		bus:     busClient,
		querier: q,
		log:     log.With(slog.String("component", "query-responder")),
		ctx:     ctx,
	}
}

func (q *queryResponder) Start() error {
	sub, err := q.bus.Conn().Subscribe(protocol.SubjectQuery, q.handle)
	if err != nil {
		return fmt.Errorf("subscribe queries: %w", err)
	}
	q.mu.Lock()
	q.sub = sub
	q.mu.Unlock()
	return nil
}

func (q *queryResponder) Close() {
	q.mu.Lock()
	sub := q.sub
	q.sub = nil
	q.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

func (q *queryResponder) Healthy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sub != nil
}

func (q *queryResponder) handle(msg *nats.Msg) {
	var req protocol.Query
	reply := protocol.QueryReply{Status: protocol.StatusNotFound}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply.Error = "invalid query"
	} else {
		ctx, cancel := context.WithTimeout(q.ctx, 5*time.Second)
		res, err := q.querier.Query(ctx, req.Text)
		cancel()
		if err != nil {
			q.log.Warn("query failed", slog.String("error", err.Error()))
			reply.Error = err.Error()
		} else {
			reply = res
		}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		q.log.Warn("failed to marshal query reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		q.log.Debug("failed to respond", slog.String("error", err.Error()))
	}
}

// transcriptFromBus treats a remote transcript with no confidence as
// certain.
func transcriptFromBus(t protocol.Transcript) recognition.Transcript {
	conf := t.Confidence
	if conf <= 0 {
		conf = 1
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return recognition.Transcript{Text: t.Text, Confidence: conf, Timestamp: ts}
}
