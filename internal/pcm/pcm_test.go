package pcm

import (
	"math"
	"os"
	"testing"
)

func TestRMS(t *testing.T) {
	if got := RMS(make([]byte, 640)); got != 0 {
		t.Fatalf("expected silence to have zero energy, got %v", got)
	}
	tone := Tone(16000, 1, 20, 440, 1000)
	got := RMS(tone)
	if math.Abs(got-1000/math.Sqrt2) > 20 {
		t.Fatalf("unexpected tone energy %v", got)
	}
	if RMS([]byte{1}) != 0 {
		t.Fatal("single byte must be ignored")
	}
}

func TestBytesPerFrame(t *testing.T) {
	if got := BytesPerFrame(16000, 1, 20); got != 640 {
		t.Fatalf("expected 640 bytes, got %d", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	tone := Tone(16000, 1, 100, 440, 3000)
	path, cleanup, err := TempWAV("pcm_test_*.wav", tone, 16000, 1)
	if err != nil {
		t.Fatalf("temp wav: %v", err)
	}
	defer cleanup()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	got, rate, channels, err := ReadWAV(f)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if rate != 16000 || channels != 1 {
		t.Fatalf("unexpected format %d/%d", rate, channels)
	}
	if len(got) != len(tone) {
		t.Fatalf("expected %d bytes, got %d", len(tone), len(got))
	}
	for i := range tone {
		if got[i] != tone[i] {
			t.Fatalf("sample mismatch at byte %d", i)
		}
	}
}

func TestSamplesRejectsOddLength(t *testing.T) {
	if _, err := Samples([]byte{0, 1, 2}); err == nil {
		t.Fatal("expected alignment error")
	}
}
