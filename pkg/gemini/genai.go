package gemini

import (
	"context"
	"errors"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/greenledger/emissions-cli/internal/config"
	"github.com/greenledger/emissions-cli/internal/resilience"
)

// NewClient creates an Embedder backed by the official generative-ai-go
// SDK. Callers must Close it to release the underlying gRPC connection.
func NewClient(ctx context.Context, cfg config.GeminiConfig, retry resilience.RetryConfig) (*Client, error) {
	if cfg.Key == "" {
		return nil, eris.New("gemini: API key not configured")
	}

	gc, err := genai.NewClient(ctx, option.WithAPIKey(cfg.Key))
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}

	return newClient(
		&genaiProvider{
			client: gc,
			em:     gc.EmbeddingModel(cfg.EmbeddingModel),
		},
		Options{
			Model:          cfg.EmbeddingModel,
			Dimension:      cfg.Dimension,
			MaxBatchSize:   cfg.MaxBatchSize,
			RequestsPerSec: cfg.RequestsPerSec,
			Retry:          retry,
		},
	), nil
}

type genaiProvider struct {
	client *genai.Client
	em     *genai.EmbeddingModel
}

func (p *genaiProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	batch := p.em.NewBatch()
	for _, t := range texts {
		batch = batch.AddContent(genai.Text(t))
	}

	resp, err := p.em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classifyError(err)
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil {
			return nil, eris.Errorf("gemini: nil embedding at position %d", i)
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

func (p *genaiProvider) close() error {
	return p.client.Close()
}

// classifyError maps provider HTTP status codes onto the retry taxonomy
// so the resilience layer can tell throttling from bad credentials.
func classifyError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if resilience.IsAuthHTTPStatus(apiErr.Code) {
			return resilience.NewAuthError(eris.Wrap(err, "gemini: embed"))
		}
		if resilience.IsTransientHTTPStatus(apiErr.Code) {
			return resilience.NewTransientError(eris.Wrap(err, "gemini: embed"), apiErr.Code)
		}
		return eris.Wrap(err, "gemini: embed")
	}
	// Network-level failures carry no status code; treat as transient.
	return resilience.NewTransientError(eris.Wrap(err, "gemini: embed"), 0)
}
