package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/capability"
)

type httpEmbedder struct {
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

// NewHTTPEmbedder calls an embedding server that accepts
// {"model", "image"} on /api/embeddings and answers {"embedding": [...]}.
func NewHTTPEmbedder(endpoint, model string, dimensions int) Embedder {
	return &httpEmbedder{
		endpoint:   endpoint,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Image string `json:"image"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *httpEmbedder) Embed(ctx context.Context, frame Frame) ([]float32, error) {
	if frame.Placeholder || len(frame.JPEG) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{
		Model: e.model,
		Image: base64.StdEncoding.EncodeToString(frame.JPEG),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return nil, fmt.Errorf("embedding server %s: %v: %w", e.endpoint, err, capability.ErrUnavailable)
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("embedding server returned status %s: %w", resp.Status, capability.ErrUnavailable)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding server returned status %s", resp.Status)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if e.dimensions > 0 && len(out.Embedding) != e.dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(out.Embedding), e.dimensions)
	}
	return out.Embedding, nil
}
