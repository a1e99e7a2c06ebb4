package bus_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/bus"
	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/natsserver"
	"github.com/loqalabs/loqa-kiosk/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connectEmbedded(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRequestJSONRoundTrip(t *testing.T) {
	client := connectEmbedded(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	sub, err := client.Conn().Subscribe(protocol.SubjectQuery, func(msg *nats.Msg) {
		var q protocol.Query
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			t.Errorf("decode query: %v", err)
			return
		}
		status := protocol.StatusNotFound
		if q.Text == "黑色" {
			status = protocol.StatusOK
		}
		data, _ := json.Marshal(protocol.QueryReply{Status: status})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.QueryReply
	if err := client.RequestJSON(ctx, protocol.SubjectQuery, protocol.Query{Text: "黑色"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Status != protocol.StatusOK {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestPublishJSON(t *testing.T) {
	client := connectEmbedded(t)
	received := make(chan protocol.Decision, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectDecision, func(msg *nats.Msg) {
		var d protocol.Decision
		if err := json.Unmarshal(msg.Data, &d); err == nil {
			received <- d
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON(protocol.SubjectDecision, protocol.Decision{Modality: "video", Identity: "耐克黑色短袖", AverageConfidence: 0.9}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case d := <-received:
		if d.Identity != "耐克黑色短袖" || d.Modality != "video" {
			t.Fatalf("unexpected decision %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decision not delivered")
	}
}

func TestConnectWithoutServers(t *testing.T) {
	if _, err := bus.Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}
