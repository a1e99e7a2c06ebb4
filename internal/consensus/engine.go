// Package consensus turns a noisy stream of per-sample recognitions into
// stable decisions. A decision is emitted only once a full window of
// consistent recognitions has an average confidence at or above threshold.
package consensus

import "math"

// Recognition is a single recognizer output for one sample.
type Recognition struct {
	Identity   string
	Confidence float64
	Embedding  []float32
}

// Decision is emitted when the window has converged on one identity.
type Decision struct {
	Identity          string
	AverageConfidence float64
}

// Options tune an Engine. A zero WindowSize falls back to the default.
type Options struct {
	WindowSize          int
	ConfidenceThreshold float64
	// SimilarityThreshold gates the embedding fallback used when identities
	// disagree. A negative value disables the fallback.
	SimilarityThreshold float64
}

const (
	DefaultWindowSize          = 3
	DefaultConfidenceThreshold = 0.85
	DefaultSimilarityThreshold = 0.90
)

// DefaultOptions returns the visual-recognition defaults.
func DefaultOptions() Options {
	return Options{
		WindowSize:          DefaultWindowSize,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		SimilarityThreshold: DefaultSimilarityThreshold,
	}
}

// Engine holds one fixed-capacity window. It is not safe for concurrent use;
// a single owner goroutine drives it.
type Engine struct {
	opts    Options
	entries []Recognition
	start   int
	count   int
	// ref is the identity that opened the window. It survives eviction so
	// a near-duplicate variant never takes over the label.
	ref string
}

// New returns an engine using opts.
func New(opts Options) *Engine {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	return &Engine{
		opts:    opts,
		entries: make([]Recognition, opts.WindowSize),
	}
}

// Push adds a recognition and returns a decision if the window converged.
// A nil recognition or an empty identity clears the window.
func (e *Engine) Push(r *Recognition) *Decision {
	if r == nil || r.Identity == "" {
		e.Reset()
		return nil
	}
	if e.count == 0 {
		e.ref = r.Identity
		e.append(*r)
		return e.check()
	}

	if r.Identity == e.ref || e.nearDuplicate(*r, e.at(0)) {
		e.append(*r)
		return e.check()
	}

	e.Reset()
	e.ref = r.Identity
	e.append(*r)
	return e.check()
}

// Reset clears the window.
func (e *Engine) Reset() {
	for i := range e.entries {
		e.entries[i] = Recognition{}
	}
	e.start = 0
	e.count = 0
	e.ref = ""
}

// Len reports the number of entries currently in the window.
func (e *Engine) Len() int {
	return e.count
}

// Reference returns the identity the window is currently accumulating.
func (e *Engine) Reference() string {
	return e.ref
}

func (e *Engine) nearDuplicate(r, ref Recognition) bool {
	if e.opts.SimilarityThreshold < 0 || len(r.Embedding) == 0 {
		return false
	}
	last := e.at(e.count - 1)
	if len(last.Embedding) == 0 || len(ref.Embedding) == 0 {
		return false
	}
	t := e.opts.SimilarityThreshold
	return Cosine(r.Embedding, last.Embedding) >= t && Cosine(r.Embedding, ref.Embedding) >= t
}

func (e *Engine) append(r Recognition) {
	size := len(e.entries)
	if e.count < size {
		e.entries[(e.start+e.count)%size] = r
		e.count++
		return
	}
	// Full: evict the oldest entry.
	e.entries[e.start] = r
	e.start = (e.start + 1) % size
}

func (e *Engine) at(i int) Recognition {
	return e.entries[(e.start+i)%len(e.entries)]
}

func (e *Engine) check() *Decision {
	if e.count < len(e.entries) {
		return nil
	}
	var sum float64
	for i := 0; i < e.count; i++ {
		sum += e.at(i).Confidence
	}
	avg := sum / float64(e.count)
	if avg < e.opts.ConfidenceThreshold {
		return nil
	}
	d := &Decision{Identity: e.ref, AverageConfidence: avg}
	e.Reset()
	return d
}

// Cosine returns the cosine similarity of a and b. Mismatched lengths or a
// zero vector yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
