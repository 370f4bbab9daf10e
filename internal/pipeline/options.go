package pipeline

import (
	"context"
	"fmt"

	"github.com/Almahr1/sieve/internal/analytics"
	"github.com/Almahr1/sieve/internal/checkpoint"
	"github.com/Almahr1/sieve/internal/config"
	"github.com/Almahr1/sieve/internal/extractor"
	"github.com/Almahr1/sieve/internal/similarity"
	"github.com/Almahr1/sieve/internal/tokenizer"
	"go.uber.org/zap"
)

// ExtractorOptions maps the content section onto extractor settings
func ExtractorOptions(cfg *config.Config) *extractor.ExtractorConfig {
	options := extractor.GetDefaultExtractorConfig()
	options.MinTextLength = cfg.Content.MinTextLength
	options.MinTextFraction = cfg.Content.MinTextFraction
	options.MaxPageSize = cfg.Content.MaxPageSize
	return options
}

func TokenizerOptions(cfg *config.Config) *tokenizer.Config {
	return &tokenizer.Config{
		StopwordsFile: cfg.Content.StopwordsFile,
		Stem:          cfg.Content.StemTokens,
	}
}

func SimilarityOptions(cfg *config.Config) *similarity.Config {
	return &similarity.Config{
		NumPerm:             cfg.Dedup.NumPerm,
		SimilarityThreshold: cfg.Dedup.SimilarityThreshold,
		Seed:                cfg.Dedup.Seed,
		ExactCacheMB:        cfg.Dedup.ExactCacheMB,
	}
}

func AnalyticsOptions(cfg *config.Config) *analytics.Config {
	return &analytics.Config{
		SubdomainSuffix:   cfg.Analytics.SubdomainSuffix,
		ExcludedHost:      cfg.Analytics.ExcludedHost,
		TopTokens:         cfg.Analytics.TopTokens,
		ExpectedPages:     cfg.Analytics.ExpectedPages,
		FalsePositiveRate: cfg.Analytics.FalsePositiveRate,
	}
}

// OpenStore creates the checkpoint backend named by checkpoint.storage
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Storage {
	case "", "file":
		return checkpoint.NewFileStore(cfg.Checkpoint.Dir)
	case "redis":
		return checkpoint.NewRedisStore(ctx, checkpoint.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.Db,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout,
			KeyPrefix:   cfg.Redis.KeyPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint storage %q", cfg.Checkpoint.Storage)
	}
}
