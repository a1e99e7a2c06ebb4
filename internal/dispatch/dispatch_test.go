package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/loqalabs/loqa-kiosk/internal/catalog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu     sync.Mutex
	events []string
	onShow func()
}

func (r *recorder) Show(p catalog.Product, id string) {
	r.record("show:" + p.ID + ":" + id)
	if r.onShow != nil {
		r.onShow()
	}
}
func (r *recorder) Close() { r.record("close") }

func (r *recorder) Speak(text, key string) { r.record("speak:" + text + ":" + key) }

func (r *recorder) record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestDrainTickAppliesInOrder(t *testing.T) {
	q := NewQueue()
	rec := &recorder{}
	d := NewDispatcher(q, rec, rec, newLogger())

	q.Enqueue(ClosePopup(), ShowPopup(catalog.Product{ID: "p1"}, "id1"))
	q.Enqueue(Speak("hello", "hello.wav"))

	if n := d.DrainTick(); n != 3 {
		t.Fatalf("expected 3 actions applied, got %d", n)
	}
	want := []string{"close", "show:p1:id1", "speak:hello:hello.wav"}
	if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if n := d.DrainTick(); n != 0 {
		t.Fatalf("expected empty drain, got %d", n)
	}
}

func TestDrainTickOnlyTakesQueuedActions(t *testing.T) {
	q := NewQueue()
	rec := &recorder{}
	rec.onShow = func() { q.Enqueue(Speak("later", "k")) }
	d := NewDispatcher(q, rec, rec, newLogger())

	q.Enqueue(ShowPopup(catalog.Product{ID: "p"}, "x"))
	if n := d.DrainTick(); n != 1 {
		t.Fatalf("expected 1 action in first tick, got %d", n)
	}
	if q.Len() != 1 {
		t.Fatalf("expected action enqueued during apply to wait for next tick")
	}
	d.DrainTick()
	if got := rec.snapshot(); len(got) != 2 || got[1] != "speak:later:k" {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(Speak(string(rune('a'+p)), string(rune('0'+i%10))))
			}
		}(p)
	}
	wg.Wait()

	batch := q.Drain()
	if len(batch) != 400 {
		t.Fatalf("expected 400 actions, got %d", len(batch))
	}
	seen := make(map[string]int)
	for _, a := range batch {
		want := string(rune('0' + seen[a.Text]%10))
		if a.AudioKey != want {
			t.Fatalf("producer %s out of order: got %s want %s", a.Text, a.AudioKey, want)
		}
		seen[a.Text]++
	}
}

func TestRunDrainsOnNotifyAndTickHook(t *testing.T) {
	q := NewQueue()
	rec := &recorder{}
	ticks := make(chan struct{}, 100)
	d := NewDispatcher(q, rec, rec, newLogger(),
		WithInterval(5*time.Millisecond),
		WithTickHook(func() {
			select {
			case ticks <- struct{}{}:
			default:
			}
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	q.Enqueue(ClosePopup())
	deadline := time.After(2 * time.Second)
	for len(rec.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatch")
		case <-time.After(time.Millisecond):
		}
	}
	select {
	case <-ticks:
	case <-deadline:
		t.Fatal("tick hook never ran")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestKindString(t *testing.T) {
	if KindSpeak.String() != "speak" || Kind(99).String() != "unknown" {
		t.Fatal("unexpected kind names")
	}
}
