package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-kiosk/internal/config"
	"go.opentelemetry.io/otel"
)

func installTelemetry(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	shutdown, handler, err := setupTelemetry(cfg, newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown telemetry: %v", err)
		}
	})
	return handler
}

func TestMetricsHandlerServesKioskAndRuntimeMetrics(t *testing.T) {
	handler := installTelemetry(t, config.Default())
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-kiosk/runtime").Int64Counter("kiosk.telemetry.check")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	srv := httptest.NewServer(handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"kiosk_telemetry_check", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

func TestTraceSampleRatioZeroDropsSpans(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TraceSampleRatio = 0
	installTelemetry(t, cfg)

	_, span := otel.Tracer("github.com/loqalabs/loqa-kiosk/runtime").Start(context.Background(), "kiosk.check")
	defer span.End()
	if span.SpanContext().IsSampled() {
		t.Fatal("expected span to be dropped at ratio 0")
	}
}
