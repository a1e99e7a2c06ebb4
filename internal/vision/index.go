package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/loqa-kiosk/internal/catalog"
	"github.com/loqalabs/loqa-kiosk/internal/consensus"
)

type reference struct {
	id        string
	embedding []float32
}

// Index holds one reference embedding per product image.
type Index struct {
	embedder  Embedder
	threshold float64
	log       *slog.Logger

	mu   sync.RWMutex
	refs []reference
}

func NewIndex(embedder Embedder, threshold float64, log *slog.Logger) *Index {
	return &Index{
		embedder:  embedder,
		threshold: threshold,
		log:       log.With(slog.String("component", "vision-index")),
	}
}

// Build replaces the index with embeddings of the products' images. Products
// whose image cannot be read or embedded are skipped with a warning.
func (x *Index) Build(ctx context.Context, products []catalog.Product) (int, error) {
	refs := make([]reference, 0, len(products))
	for _, p := range products {
		if p.Image == "" {
			continue
		}
		data, err := os.ReadFile(p.Image)
		if err != nil {
			x.log.Warn("skipping product image", slog.String("product", p.ID), slog.String("error", err.Error()))
			continue
		}
		vec, err := x.embedder.Embed(ctx, Frame{JPEG: data})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return 0, err
			}
			x.log.Warn("failed to embed product image", slog.String("product", p.ID), slog.String("error", err.Error()))
			continue
		}
		if len(vec) == 0 {
			continue
		}
		refs = append(refs, reference{id: p.ID, embedding: vec})
	}
	x.mu.Lock()
	x.refs = refs
	x.mu.Unlock()
	x.log.Info("vision index built", slog.Int("products", len(refs)))
	return len(refs), nil
}

// Len reports the number of indexed products.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.refs)
}

// Match returns the closest product when its similarity clears the match
// threshold, or nil.
func (x *Index) Match(embedding []float32) *consensus.Recognition {
	if len(embedding) == 0 {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	best, bestScore := "", -1.0
	for _, ref := range x.refs {
		score := consensus.Cosine(embedding, ref.embedding)
		if score > bestScore {
			best, bestScore = ref.id, score
		}
	}
	if best == "" || bestScore < x.threshold {
		return nil
	}
	return &consensus.Recognition{
		Identity:   best,
		Confidence: bestScore,
		Embedding:  append([]float32(nil), embedding...),
	}
}

// Recognize embeds frame and matches it. A nil Recognition with a nil error
// means nothing recognizable was in view.
func (x *Index) Recognize(ctx context.Context, frame Frame) (*consensus.Recognition, error) {
	vec, err := x.embedder.Embed(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("embed frame: %w", err)
	}
	return x.Match(vec), nil
}
