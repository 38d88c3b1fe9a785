// Package embedding provides text-to-vector encoders backed by a local
// Ollama instance or an OpenAI-compatible API.
package embedding

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/hubcache/internal/metrics"
)

// Encoder turns text into fixed-dimension vectors.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	EncodeMany(ctx context.Context, texts []string) ([][]float32, error)
}

// maxParallel bounds concurrent single-text requests in encodeParallel.
const maxParallel = 4

// encodeParallel calls encode for each text with bounded concurrency,
// preserving input order. Returns nil (not error) for empty input.
func encodeParallel(ctx context.Context, texts []string, encode func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := encode(gCtx, text)
			if err != nil {
				return fmt.Errorf("encoding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func observe(provider, model string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues(provider, model, status).Inc()
	if err == nil {
		metrics.EmbeddingRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
	}
}
