package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/assistant"
	"github.com/loqalabs/loqa-kiosk/internal/bus"
	"github.com/loqalabs/loqa-kiosk/internal/capability"
	"github.com/loqalabs/loqa-kiosk/internal/catalog"
	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/conversation"
	"github.com/loqalabs/loqa-kiosk/internal/dispatch"
	"github.com/loqalabs/loqa-kiosk/internal/natsserver"
	"github.com/loqalabs/loqa-kiosk/internal/protocol"
	"github.com/loqalabs/loqa-kiosk/internal/vision"
	"golang.org/x/sync/errgroup"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()
	store, err := catalog.Open(ctx, "", newLogger())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	err = store.Replace(ctx, []catalog.Product{{
		ID: "耐克黑色短袖", Name: "耐克黑色短袖", Price: 89, Description: "纯棉透气",
		Sizes: map[string]catalog.SizeOption{"M": {Price: 99}},
	}})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	cfg := config.Default()
	cfg.Conversation.Greeting = ""
	machine := conversation.NewMachine(store, cfg.Conversation, newLogger())
	engine := assistant.New(machine, dispatch.NewQueue(), cfg.Consensus, newLogger())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &Runtime{
		cfg:      cfg,
		logger:   newLogger(),
		registry: capability.NewRegistry(newLogger()),
		store:    store,
		engine:   engine,
	}
}

func TestReadyzReflectsStartupAndDegradation(t *testing.T) {
	rt := newTestRuntime(t)
	srv := httptest.NewServer(rt.routes())
	defer srv.Close()

	get := func() (int, string) {
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get(); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before startup, got %d", code)
	}
	rt.ready.Store(true)
	if code, body := get(); code != http.StatusOK || body != "ready" {
		t.Fatalf("expected ready, got %d %q", code, body)
	}
	rt.registry.MarkDegraded(capability.Camera, errors.New("no device"))
	if code, body := get(); code != http.StatusOK || !strings.Contains(body, "camera") {
		t.Fatalf("expected degraded camera listed, got %d %q", code, body)
	}
}

func TestQueryEndpoint(t *testing.T) {
	rt := newTestRuntime(t)
	srv := httptest.NewServer(rt.routes())
	defer srv.Close()

	post := func(body string) (int, protocol.QueryReply) {
		resp, err := http.Post(srv.URL+"/v1/query", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		var reply protocol.QueryReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.StatusCode, reply
	}

	code, reply := post(`{"text":"我要耐克黑色短袖"}`)
	if code != http.StatusOK || reply.Status != protocol.StatusOK || reply.Product == nil || reply.Product.Price != 89 {
		t.Fatalf("unexpected reply %d %+v", code, reply)
	}
	code, reply = post(`{"text":"有帽子吗谢谢"}`)
	if code != http.StatusOK || reply.Status != protocol.StatusNotFound {
		t.Fatalf("expected not_found, got %d %+v", code, reply)
	}
	if code, _ = post(`{"text":`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", code)
	}

	resp, err := http.Get(srv.URL + "/v1/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer resp.Body.Close()
	var snap conversation.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.StateName != "awaiting_size" || snap.CurrentProduct == nil {
		t.Fatalf("unexpected state %+v", snap)
	}
}

func TestQueryEndpointRejectsGet(t *testing.T) {
	rt := newTestRuntime(t)
	srv := httptest.NewServer(rt.routes())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/v1/query")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestQueryResponderOverBus(t *testing.T) {
	rt := newTestRuntime(t)
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	responder := newQueryResponder(context.Background(), client, rt.engine, newLogger())
	if err := responder.Start(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	defer responder.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.QueryReply
	if err := client.RequestJSON(ctx, protocol.SubjectQuery, protocol.Query{Text: "耐克黑色短袖"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Status != protocol.StatusOK || reply.Product == nil || reply.Product.ID != "耐克黑色短袖" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if err := client.RequestJSON(ctx, protocol.SubjectQuery, protocol.Query{Text: "M"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Status != protocol.StatusOK || reply.Product == nil || reply.Product.Price != 99 {
		t.Fatalf("expected size M variant, got %+v", reply)
	}
}

func TestTranscriptFromBusDefaults(t *testing.T) {
	got := transcriptFromBus(protocol.Transcript{Text: "黑色"})
	if got.Confidence != 1 || got.Timestamp.IsZero() || got.Text != "黑色" {
		t.Fatalf("unexpected transcript %+v", got)
	}
	got = transcriptFromBus(protocol.Transcript{Text: "黑色", Confidence: 0.4})
	if got.Confidence != 0.4 {
		t.Fatalf("confidence must be kept, got %v", got.Confidence)
	}
}

func TestAdaptersDegradeWhenBinaryMissing(t *testing.T) {
	registry := capability.NewRegistry(newLogger())
	cfg := config.Default()
	cfg.STT.Mode, cfg.STT.Command = "exec", "kiosk-no-such-stt"
	cfg.TTS.Mode, cfg.TTS.Command = "exec", "kiosk-no-such-tts"
	cfg.Playback.Mode, cfg.Playback.Command = "exec", "kiosk-no-such-player"

	if buildRecognizer(cfg.STT, registry) == nil || buildSynthesizer(cfg.TTS, registry) == nil || buildPlayer(cfg.Playback, registry, newLogger()) == nil {
		t.Fatal("builders must always return an adapter")
	}
	for _, name := range []string{capability.SpeechRecognizer, capability.Synthesizer, capability.Player} {
		entry, ok := registry.Get(name)
		if !ok || entry.Status != capability.StatusDegraded {
			t.Fatalf("expected %s degraded, got %+v", name, entry)
		}
	}
	if buildEmbedder(cfg.Vision, registry) == nil {
		t.Fatal("expected mock embedder")
	}
	if entry, _ := registry.Get(capability.ImageEmbedder); entry.Status != capability.StatusOK {
		t.Fatalf("expected vision ok, got %+v", entry)
	}
}

func TestCatalogWatcherReloadsWhileRunning(t *testing.T) {
	rt := newTestRuntime(t)
	root := t.TempDir()
	rt.cfg.Catalog.SpecDir = filepath.Join(root, "specs")
	rt.cfg.Catalog.ImageDir = filepath.Join(root, "images")
	for _, dir := range []string{rt.cfg.Catalog.SpecDir, rt.cfg.Catalog.ImageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	rt.index = vision.NewIndex(vision.NewMockEmbedder(16), 0.85, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	if err := rt.startWatcher(gctx, g); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer func() {
		cancel()
		if err := g.Wait(); err != nil {
			t.Fatalf("watcher exit: %v", err)
		}
	}()

	spec := `{"耐克黑色短袖": {"price": 89}, "安踏白色长袖": {"price": 129}}`
	if err := os.WriteFile(filepath.Join(rt.cfg.Catalog.SpecDir, "products.json"), []byte(spec), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	for i, id := range []string{"耐克黑色短袖", "安踏白色长袖"} {
		if err := os.WriteFile(filepath.Join(rt.cfg.Catalog.ImageDir, id+".jpg"), []byte{byte(i), 'j', 'p', 'g'}, 0o644); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		products, err := rt.store.List(context.Background())
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(products) == 2 && rt.index.Len() == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("catalog not reloaded: %d products, %d indexed", len(products), rt.index.Len())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
