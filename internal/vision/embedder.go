// Package vision turns camera frames into embeddings and matches them
// against product reference images.
package vision

import (
	"context"
	"time"
)

// Frame is one encoded camera frame.
type Frame struct {
	Timestamp time.Time
	Width     int
	Height    int
	JPEG      []byte
	// Placeholder frames stand in for a missing camera. They carry Label and
	// are never matched.
	Placeholder bool
	Label       string
}

// Embedder maps an image to a fixed-length vector. A nil vector with a nil
// error means the frame carried nothing to embed. Offline backends return an
// error wrapping capability.ErrUnavailable.
type Embedder interface {
	Embed(ctx context.Context, frame Frame) ([]float32, error)
}
