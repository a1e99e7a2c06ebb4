package recognition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/loqalabs/loqa-kiosk/internal/consensus"
	"github.com/loqalabs/loqa-kiosk/internal/sampler"
	"github.com/loqalabs/loqa-kiosk/internal/stt"
	"github.com/loqalabs/loqa-kiosk/internal/vision"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type failingRecognizer struct{}

func (failingRecognizer) Transcribe(context.Context, []byte, int, int, bool) (stt.TranscriptResult, error) {
	return stt.TranscriptResult{}, errors.New("model crashed")
}

func TestAudioWorkerForwardsTranscriptsInOrder(t *testing.T) {
	var got []string
	w := NewAudioWorker(stt.NewMockRecognizer("黑色", "M"), func(_ context.Context, tr Transcript) {
		got = append(got, tr.Text)
	}, newLogger())

	in := make(chan sampler.Sample, 4)
	for i := 0; i < 3; i++ {
		in <- sampler.Sample{Modality: sampler.Audio, PCM: []byte{1, 0}, SampleRate: 16000, Channels: 1}
	}
	close(in)
	if err := w.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"黑色", "M"}, got); diff != "" {
		t.Fatalf("unexpected transcripts (-want +got):\n%s", diff)
	}
}

func TestAudioWorkerSurvivesFailures(t *testing.T) {
	calls := 0
	w := NewAudioWorker(failingRecognizer{}, func(context.Context, Transcript) { calls++ }, newLogger())
	in := make(chan sampler.Sample, 2)
	in <- sampler.Sample{PCM: []byte{1, 0}}
	in <- sampler.Sample{PCM: []byte{1, 0}}
	close(in)
	if err := w.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 0 {
		t.Fatalf("failures must not produce transcripts, got %d", calls)
	}
}

type scriptedVision struct {
	results []*consensus.Recognition
	errs    []error
	i       int
}

func (s *scriptedVision) Recognize(context.Context, vision.Frame) (*consensus.Recognition, error) {
	r, err := s.results[s.i], s.errs[s.i]
	s.i++
	return r, err
}

func TestVideoWorkerDistinguishesFailureFromNoResult(t *testing.T) {
	rec := &consensus.Recognition{Identity: "耐克黑色短袖", Confidence: 0.9}
	v := &scriptedVision{
		results: []*consensus.Recognition{rec, nil, nil},
		errs:    []error{nil, nil, errors.New("timeout")},
	}
	var got []*consensus.Recognition
	w := NewVideoWorker(v, func(_ context.Context, vis Visual) { got = append(got, vis.Recognition) }, newLogger())

	in := make(chan sampler.Sample, 4)
	for i := 0; i < 3; i++ {
		in <- sampler.Sample{Modality: sampler.Video, Frame: &vision.Frame{JPEG: []byte{1}}}
	}
	in <- sampler.Sample{Modality: sampler.Video}
	close(in)
	if err := w.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 2 || got[0] != rec || got[1] != nil {
		t.Fatalf("expected a recognition then an empty view, got %v", got)
	}
}

func TestWorkerStopsOnCancel(t *testing.T) {
	w := NewVideoWorker(&scriptedVision{}, func(context.Context, Visual) {}, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, make(chan sampler.Sample)) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
