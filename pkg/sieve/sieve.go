// Package sieve provides the public API for the sieve content pipeline.
package sieve

import (
	"github.com/Almahr1/sieve/internal/analytics"
	"github.com/Almahr1/sieve/internal/checkpoint"
	"github.com/Almahr1/sieve/internal/config"
	"github.com/Almahr1/sieve/internal/crawler"
	"github.com/Almahr1/sieve/internal/frontier"
	"github.com/Almahr1/sieve/internal/pipeline"
	"github.com/Almahr1/sieve/internal/similarity"
)

// Re-export configuration types
type (
	Config           = config.Config
	CrawlerConfig    = config.CrawlerConfig
	RateLimitConfig  = config.RateLimitConfig
	ContentConfig    = config.ContentConfig
	FilterConfig     = config.FilterConfig
	DedupConfig      = config.DedupConfig
	AnalyticsConfig  = config.AnalyticsConfig
	CheckpointConfig = config.CheckpointConfig
	RedisConfig      = config.RedisConfig
	RobotsConfig     = config.RobotsConfig
	HTTPConfig       = config.HTTPConfig
	MonitoringConfig = config.MonitoringConfig
)

// Re-export pipeline types
type (
	Pipeline    = pipeline.Pipeline
	FetchResult = pipeline.FetchResult
	Outcome     = pipeline.Outcome
	Stage       = pipeline.Stage
	Stats       = pipeline.Stats
)

// Re-export crawler types
type (
	CrawlerEngine  = crawler.CrawlerEngine
	CrawlerMetrics = crawler.CrawlerMetrics
	Processor      = crawler.Processor
)

// Re-export building blocks usable on their own
type (
	Canonicalizer   = frontier.Canonicalizer
	URLValidator    = frontier.URLValidator
	Engine          = similarity.Engine
	Verdict         = similarity.Verdict
	Aggregator      = analytics.Aggregator
	CheckpointStore = checkpoint.Store
)

// Re-export constructor functions
var (
	OpenPipeline     = pipeline.Open
	OpenStore        = pipeline.OpenStore
	NewCrawlerEngine = crawler.NewCrawlerEngine
	NewFileStore     = checkpoint.NewFileStore
	NewCanonicalizer = frontier.NewCanonicalizer
	NewURLValidator  = frontier.NewURLValidator
)

// Re-export configuration functions
var (
	LoadConfig    = config.LoadConfig
	DefaultConfig = config.Default
)
