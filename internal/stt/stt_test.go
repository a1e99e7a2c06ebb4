package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/bus"
	"github.com/loqalabs/loqa-kiosk/internal/capability"
	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/natsserver"
	"github.com/loqalabs/loqa-kiosk/internal/pcm"
	"github.com/loqalabs/loqa-kiosk/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMockRecognizerReplaysScript(t *testing.T) {
	rec := NewMockRecognizer("黑色", "M")
	segment := pcm.Tone(16000, 1, 100, 440, 2000)
	for _, want := range []string{"黑色", "M", ""} {
		got, err := rec.Transcribe(context.Background(), segment, 16000, 1, true)
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		if got.Text != want {
			t.Fatalf("expected %q, got %q", want, got.Text)
		}
	}
}

type offlineRecognizer struct{ calls int }

func (o *offlineRecognizer) Transcribe(context.Context, []byte, int, int, bool) (TranscriptResult, error) {
	o.calls++
	return TranscriptResult{}, fmt.Errorf("model missing: %w", capability.ErrUnavailable)
}

type brokenRecognizer struct{}

func (brokenRecognizer) Transcribe(context.Context, []byte, int, int, bool) (TranscriptResult, error) {
	return TranscriptResult{}, errors.New("decode failed")
}

func TestFallbackSwitchesOnUnavailable(t *testing.T) {
	registry := capability.NewRegistry(newLogger())
	primary := &offlineRecognizer{}
	rec := WithFallback(primary, NewMockRecognizer("黑色", "白色"), registry)
	segment := []byte{1, 0}

	for _, want := range []string{"黑色", "白色"} {
		got, err := rec.Transcribe(context.Background(), segment, 16000, 1, true)
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		if got.Text != want {
			t.Fatalf("expected %q, got %q", want, got.Text)
		}
	}
	if primary.calls != 1 {
		t.Fatalf("expected primary to be abandoned after first failure, got %d calls", primary.calls)
	}
	entry, ok := registry.Get(capability.SpeechRecognizer)
	if !ok || entry.Status != capability.StatusDegraded {
		t.Fatalf("expected degraded stt capability, got %+v", entry)
	}
}

func TestFallbackKeepsOrdinaryErrors(t *testing.T) {
	registry := capability.NewRegistry(newLogger())
	rec := WithFallback(brokenRecognizer{}, NewMockRecognizer("x"), registry)
	if _, err := rec.Transcribe(context.Background(), []byte{1, 0}, 16000, 1, true); err == nil {
		t.Fatal("expected recognizer error to surface")
	}
	if entry, _ := registry.Get(capability.SpeechRecognizer); entry.Status != capability.StatusOK {
		t.Fatalf("expected stt to stay ok, got %+v", entry)
	}
}

func TestExecRecognizerMissingBinary(t *testing.T) {
	_, err := NewExecRecognizer(config.STTConfig{Command: "definitely-not-a-real-stt-binary"})
	if !errors.Is(err, capability.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestExecRecognizer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	rec, err := NewExecRecognizer(config.STTConfig{
		Command: `sh -c 'printf "{\"text\":\" 耐克黑色短袖 \",\"confidence\":0.92}"'`,
	})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	got, err := rec.Transcribe(context.Background(), pcm.Tone(16000, 1, 50, 440, 2000), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got.Text != "耐克黑色短袖" || got.Confidence != 0.92 {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestServiceForwardsFinalTranscripts(t *testing.T) {
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

	got := make(chan string, 4)
	svc := NewService(context.Background(), client, func(_ context.Context, tr protocol.Transcript) {
		got <- tr.Text
	}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	_ = client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{Text: "partial", Partial: true})
	_ = client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{Text: "  "})
	_ = client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{Text: "黑色"})

	select {
	case text := <-got:
		if text != "黑色" {
			t.Fatalf("expected only the final transcript, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transcript not forwarded")
	}
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
}
