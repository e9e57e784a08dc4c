package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Gemini    GeminiConfig    `yaml:"gemini" mapstructure:"gemini"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GeminiConfig holds embedding provider settings. Dimension is fixed by
// the provider model and must match the knowledge base schema.
type GeminiConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	EmbeddingModel string  `yaml:"embedding_model" mapstructure:"embedding_model"`
	Dimension      int     `yaml:"dimension" mapstructure:"dimension"`
	MaxBatchSize   int     `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// AnthropicConfig holds generative estimator settings.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	Model          string  `yaml:"model" mapstructure:"model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// PipelineConfig configures resolution behavior. The similarity threshold
// is the single most consequential tunable in the system: the 0.75
// default is empirically chosen against our factor dataset and should be
// re-tuned for other knowledge bases.
type PipelineConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	TopK                int     `yaml:"top_k" mapstructure:"top_k"`
	EmbedMaxAttempts    int     `yaml:"embed_max_attempts" mapstructure:"embed_max_attempts"`
	FallbackMaxRetries  int     `yaml:"fallback_max_retries" mapstructure:"fallback_max_retries"`
}

// BatchConfig configures batch resolution.
type BatchConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	DefaultLimit   int           `yaml:"default_limit" mapstructure:"default_limit"`
	Deadline       time.Duration `yaml:"deadline" mapstructure:"deadline"` // 0 = none
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EMISSIONS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("gemini.embedding_model", "text-embedding-004")
	v.SetDefault("gemini.dimension", 768)
	v.SetDefault("gemini.max_batch_size", 100)
	v.SetDefault("gemini.requests_per_sec", 5)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_sec", 2)
	v.SetDefault("pipeline.similarity_threshold", 0.75)
	v.SetDefault("pipeline.top_k", 5)
	v.SetDefault("pipeline.embed_max_attempts", 3)
	v.SetDefault("pipeline.fallback_max_retries", 2)
	v.SetDefault("batch.max_concurrency", 5)
	v.SetDefault("batch.default_limit", 100)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given mode depends on. Modes:
// "resolution" (resolve/batch/serve, needs provider keys and a store),
// "store" (import/migrate/factors status, needs only a store).
func (c *Config) Validate(mode string) error {
	var problems []string

	checkStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "resolution":
		checkStore()
		if c.Gemini.Key == "" {
			problems = append(problems, "gemini.key is required")
		}
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Pipeline.SimilarityThreshold < 0 || c.Pipeline.SimilarityThreshold > 1 {
			problems = append(problems, "pipeline.similarity_threshold must be in [0,1]")
		}
		if c.Pipeline.TopK < 1 {
			problems = append(problems, "pipeline.top_k must be >= 1")
		}
		if c.Batch.MaxConcurrency < 1 || c.Batch.MaxConcurrency > 50 {
			problems = append(problems, "batch.max_concurrency must be between 1 and 50")
		}
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "store":
		checkStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
