// Package gemini wraps the Google Gemini embedding API behind a small
// Embedder interface with caching, rate limiting, and retry.
package gemini

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/greenledger/emissions-cli/internal/resilience"
)

// Embedder produces vector embeddings for normalized text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}

// batchProvider is the provider-facing slice of the client: one batched
// embedding call, no caching or retry. The SDK adapter in genai.go
// implements it; tests substitute a fake.
type batchProvider interface {
	embedBatch(ctx context.Context, texts []string) ([][]float32, error)
	close() error
}

// defaultCacheEntries caps the exact-text cache. At 768 float32 dims a
// full cache stays around 12 MiB.
const defaultCacheEntries = 4096

// Client implements Embedder. Results are cached by exact text, so
// repeated descriptions within a batch run hit the provider once. The
// cache holds at most maxCache distinct texts; once full, new texts are
// still embedded but no longer retained.
type Client struct {
	provider  batchProvider
	model     string
	dimension int
	maxBatch  int
	maxCache  int
	limiter   *rate.Limiter
	retry     resilience.RetryConfig

	mu    sync.RWMutex
	cache map[string][]float32
}

// Options tunes the embedding client.
type Options struct {
	Model          string
	Dimension      int
	MaxBatchSize   int
	RequestsPerSec float64
	Retry          resilience.RetryConfig
}

func newClient(provider batchProvider, opts Options) *Client {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 5
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("gemini", "embed_batch")
	}
	return &Client{
		provider:  provider,
		model:     opts.Model,
		dimension: opts.Dimension,
		maxBatch:  opts.MaxBatchSize,
		maxCache:  defaultCacheEntries,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
		retry:     opts.Retry,
		cache:     make(map[string][]float32),
	}
}

func (c *Client) Dimension() int    { return c.dimension }
func (c *Client) ModelName() string { return c.model }

// MaxBatchSize is the largest slice EmbedBatch accepts. Callers chunk
// larger inputs themselves.
func (c *Client) MaxBatchSize() int { return c.maxBatch }

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds up to MaxBatchSize texts in one provider call.
// Output is positionally aligned with the input. Oversized batches and
// empty texts are rejected before any provider traffic.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if len(texts) > c.maxBatch {
		return nil, eris.Errorf("gemini: batch of %d texts exceeds limit %d", len(texts), c.maxBatch)
	}
	for i, t := range texts {
		if t == "" {
			return nil, eris.Errorf("gemini: text %d is empty", i)
		}
	}

	results := make([][]float32, len(texts))

	// Collect cache misses, deduplicating repeated texts within the batch.
	var missTexts []string
	missIndex := make(map[string]int)
	c.mu.RLock()
	for i, t := range texts {
		if v, hit := c.cache[t]; hit {
			results[i] = v
			continue
		}
		if _, queued := missIndex[t]; queued {
			continue
		}
		missIndex[t] = len(missTexts)
		missTexts = append(missTexts, t)
	}
	c.mu.RUnlock()

	if len(missTexts) > 0 {
		vectors, err := c.embedRemote(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		for t, i := range missIndex {
			if len(c.cache) >= c.maxCache {
				break
			}
			c.cache[t] = vectors[i]
		}
		c.mu.Unlock()
		for i, t := range texts {
			if results[i] == nil {
				results[i] = vectors[missIndex[t]]
			}
		}
	}
	return results, nil
}

func (c *Client) embedRemote(ctx context.Context, texts []string) ([][]float32, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([][]float32, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "gemini: rate limit wait")
		}
		vectors, err := c.provider.embedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, eris.Errorf("gemini: got %d embeddings for %d texts", len(vectors), len(texts))
		}
		for i, v := range vectors {
			if len(v) == 0 {
				return nil, eris.Errorf("gemini: empty embedding at position %d", i)
			}
			if c.dimension > 0 && len(v) != c.dimension {
				return nil, eris.Errorf("gemini: embedding at position %d has %d dimensions, want %d", i, len(v), c.dimension)
			}
		}
		zap.L().Debug("embedded batch", zap.Int("texts", len(texts)), zap.String("model", c.model))
		return vectors, nil
	})
}

// CacheSize reports how many distinct texts are cached.
func (c *Client) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Close releases the underlying provider connection.
func (c *Client) Close() error {
	return c.provider.close()
}
