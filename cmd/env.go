package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/kb"
	"github.com/greenledger/emissions-cli/internal/pipeline"
	"github.com/greenledger/emissions-cli/internal/resilience"
	"github.com/greenledger/emissions-cli/internal/store"
	anthropicpkg "github.com/greenledger/emissions-cli/pkg/anthropic"
	"github.com/greenledger/emissions-cli/pkg/gemini"
)

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "emissions.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns:     cfg.Store.MaxConns,
			MinConns:     cfg.Store.MinConns,
			EmbeddingDim: cfg.Gemini.Dimension,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// pipelineEnv holds the initialized store, provider clients, and resolver
// needed by the resolve/batch/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Embedder *gemini.Client
	Resolver *pipeline.Resolver
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Embedder != nil {
		_ = pe.Embedder.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initEmbedder builds the Gemini embedding client with retry bounds from
// pipeline config.
func initEmbedder(ctx context.Context) (*gemini.Client, error) {
	retry := resilience.DefaultRetryConfig()
	if cfg.Pipeline.EmbedMaxAttempts > 0 {
		retry.MaxAttempts = cfg.Pipeline.EmbedMaxAttempts
	}
	return gemini.NewClient(ctx, cfg.Gemini, retry)
}

// initRetriever picks the retrieval backend for the configured store:
// pgvector for postgres, an in-memory index loaded from the factor table
// for sqlite.
func initRetriever(ctx context.Context, st store.Store) (kb.Retriever, error) {
	switch s := st.(type) {
	case *store.PostgresStore:
		return kb.NewPostgresRetriever(s.Pool()), nil
	case *store.SQLiteStore:
		factors, err := kb.LoadSQLiteFactors(ctx, s.DB())
		if err != nil {
			return nil, err
		}
		zap.L().Info("loaded factor index", zap.Int("factors", len(factors)))
		return kb.NewMemoryRetriever(factors), nil
	default:
		return nil, eris.New("no retriever available for store")
	}
}

// initPipeline sets up the store, provider clients, retriever, and
// resolver. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate("resolution"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	embedder, err := initEmbedder(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	retriever, err := initRetriever(ctx, st)
	if err != nil {
		_ = embedder.Close()
		_ = st.Close()
		return nil, err
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.RequestsPerSec)
	estimator := pipeline.NewEstimator(anthropicClient, cfg.Anthropic, cfg.Pipeline.FallbackMaxRetries)

	resolver := pipeline.NewResolver(st, retriever, embedder, estimator, cfg.Pipeline)

	return &pipelineEnv{
		Store:    st,
		Embedder: embedder,
		Resolver: resolver,
	}, nil
}
