package consensus

import (
	"math"
	"testing"
)

func rec(id string, conf float64) *Recognition {
	return &Recognition{Identity: id, Confidence: conf}
}

func TestDecisionAfterFullWindow(t *testing.T) {
	e := New(DefaultOptions())
	if d := e.Push(rec("NikeBlackShirt", 0.90)); d != nil {
		t.Fatalf("unexpected decision after one entry: %+v", d)
	}
	if d := e.Push(rec("NikeBlackShirt", 0.88)); d != nil {
		t.Fatalf("unexpected decision from partial window: %+v", d)
	}
	d := e.Push(rec("NikeBlackShirt", 0.91))
	if d == nil {
		t.Fatal("expected decision from full window")
	}
	if d.Identity != "NikeBlackShirt" {
		t.Fatalf("unexpected identity %q", d.Identity)
	}
	if math.Abs(d.AverageConfidence-0.8966666) > 1e-4 {
		t.Fatalf("unexpected average %v", d.AverageConfidence)
	}
	if e.Len() != 0 {
		t.Fatalf("expected window reset after decision, len=%d", e.Len())
	}
}

func TestExactlyOneDecisionPerWindow(t *testing.T) {
	e := New(Options{WindowSize: 4, ConfidenceThreshold: 0.5, SimilarityThreshold: -1})
	decisions := 0
	for i := 0; i < 8; i++ {
		if d := e.Push(rec("a", 0.6)); d != nil {
			decisions++
		}
	}
	if decisions != 2 {
		t.Fatalf("expected 2 decisions from 8 entries with window 4, got %d", decisions)
	}
}

func TestMismatchRestartsWindow(t *testing.T) {
	e := New(DefaultOptions())
	e.Push(rec("a", 0.95))
	e.Push(rec("a", 0.95))
	if d := e.Push(rec("b", 0.95)); d != nil {
		t.Fatalf("mismatch must not decide: %+v", d)
	}
	if e.Len() != 1 || e.Reference() != "b" {
		t.Fatalf("expected window restarted with b, len=%d ref=%q", e.Len(), e.Reference())
	}
	if d := e.Push(rec("a", 0.95)); d != nil {
		t.Fatal("earlier entries must not count after restart")
	}
	e.Push(rec("a", 0.95))
	if d := e.Push(rec("a", 0.95)); d == nil || d.Identity != "a" {
		t.Fatalf("expected decision for a, got %+v", d)
	}
}

func TestNilClearsWindow(t *testing.T) {
	e := New(DefaultOptions())
	e.Push(rec("a", 0.9))
	e.Push(rec("a", 0.9))
	if d := e.Push(nil); d != nil {
		t.Fatal("nil must not decide")
	}
	if e.Len() != 0 {
		t.Fatalf("expected empty window, len=%d", e.Len())
	}
	e.Push(rec("a", 0.9))
	e.Push(&Recognition{})
	if e.Len() != 0 {
		t.Fatal("empty identity must clear the window")
	}
}

func TestLowConfidenceSlidesWindow(t *testing.T) {
	e := New(DefaultOptions())
	e.Push(rec("a", 0.5))
	e.Push(rec("a", 0.9))
	if d := e.Push(rec("a", 0.9)); d != nil {
		t.Fatalf("average below threshold must not decide: %+v", d)
	}
	if e.Len() != 3 {
		t.Fatalf("expected full window retained, len=%d", e.Len())
	}
	// Oldest low-confidence entry is evicted.
	d := e.Push(rec("a", 0.9))
	if d == nil || math.Abs(d.AverageConfidence-0.9) > 1e-9 {
		t.Fatalf("expected decision after eviction, got %+v", d)
	}
}

func TestEmbeddingFallbackAbsorbsLabelVariants(t *testing.T) {
	e := New(DefaultOptions())
	v := []float32{1, 0.1, 0}
	near := []float32{1, 0.12, 0.01}
	e.Push(&Recognition{Identity: "耐克黑色短袖", Confidence: 0.9, Embedding: v})
	e.Push(&Recognition{Identity: "Nike黑色短袖", Confidence: 0.9, Embedding: near})
	if e.Len() != 2 {
		t.Fatalf("expected near-duplicate to be appended, len=%d", e.Len())
	}
	d := e.Push(&Recognition{Identity: "耐克黑色短袖", Confidence: 0.9, Embedding: v})
	if d == nil || d.Identity != "耐克黑色短袖" {
		t.Fatalf("expected decision with reference identity, got %+v", d)
	}
}

func TestEvictionKeepsOpeningIdentity(t *testing.T) {
	e := New(DefaultOptions())
	v := []float32{1, 0.1, 0}
	near := []float32{1, 0.12, 0.01}
	e.Push(&Recognition{Identity: "耐克黑色短袖", Confidence: 0.5, Embedding: v})
	e.Push(&Recognition{Identity: "Nike黑色短袖", Confidence: 0.9, Embedding: near})
	if d := e.Push(&Recognition{Identity: "耐克黑色短袖", Confidence: 0.9, Embedding: v}); d != nil {
		t.Fatalf("average below threshold must not decide: %+v", d)
	}
	// The variant is now the oldest entry; the label must not follow it.
	d := e.Push(&Recognition{Identity: "耐克黑色短袖", Confidence: 0.9, Embedding: v})
	if d == nil || d.Identity != "耐克黑色短袖" {
		t.Fatalf("expected decision for the opening identity, got %+v", d)
	}
}

func TestEmbeddingFallbackRejectsDissimilar(t *testing.T) {
	e := New(DefaultOptions())
	e.Push(&Recognition{Identity: "a", Confidence: 0.9, Embedding: []float32{1, 0}})
	e.Push(&Recognition{Identity: "b", Confidence: 0.9, Embedding: []float32{0, 1}})
	if e.Len() != 1 || e.Reference() != "b" {
		t.Fatalf("expected restart with b, len=%d ref=%q", e.Len(), e.Reference())
	}
}

func TestResetClearsPartialWindow(t *testing.T) {
	e := New(DefaultOptions())
	e.Push(rec("a", 0.9))
	e.Push(rec("a", 0.9))
	e.Reset()
	if d := e.Push(rec("a", 0.9)); d != nil || e.Len() != 1 {
		t.Fatalf("expected fresh window after reset, len=%d", e.Len())
	}
}

func TestSingleEntryWindow(t *testing.T) {
	e := New(Options{WindowSize: 1, ConfidenceThreshold: 0})
	d := e.Push(rec("text", 0))
	if d == nil || d.Identity != "text" {
		t.Fatalf("expected immediate decision, got %+v", d)
	}
}

func TestCosine(t *testing.T) {
	if c := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(c-1) > 1e-9 {
		t.Fatalf("expected 1, got %v", c)
	}
	if c := Cosine([]float32{1, 0}, []float32{0, 1}); c != 0 {
		t.Fatalf("expected 0, got %v", c)
	}
	if c := Cosine([]float32{1}, []float32{1, 0}); c != 0 {
		t.Fatal("mismatched lengths must yield 0")
	}
	if c := Cosine([]float32{0, 0}, []float32{1, 0}); c != 0 {
		t.Fatal("zero vector must yield 0")
	}
}
