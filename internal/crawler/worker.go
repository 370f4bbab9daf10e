// Package crawler drives a breadth-first crawl: a pool of fetch workers feeds a
// single coordinator that hands every page to the content pipeline and queues
// the links it returns.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Almahr1/sieve/internal/client"
	"github.com/Almahr1/sieve/internal/config"
	"github.com/Almahr1/sieve/internal/pipeline"
	"github.com/Almahr1/sieve/internal/robots"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrDisallowed is reported for URLs excluded by robots.txt
var ErrDisallowed = errors.New("disallowed by robots.txt")

// Processor consumes fetched pages and returns the links to follow
type Processor interface {
	Process(ctx context.Context, pageURL string, res *pipeline.FetchResult) []string
}

// CrawlJob represents a single crawling task
type CrawlJob struct {
	URL   string
	Depth int
}

// CrawlResult is a fetched job on its way back to the coordinator
type CrawlResult struct {
	Job          *CrawlJob
	Fetch        *pipeline.FetchResult
	ResponseTime time.Duration
}

// CrawlerMetrics holds overall crawler progress
type CrawlerMetrics struct {
	TotalJobs      int64
	SuccessfulJobs int64
	FailedJobs     int64
	Disallowed     int64
	QueueDepth     int
	Discovered     int
	Uptime         time.Duration
	JobsPerSecond  float64
	ErrorRate      float64
}

// CrawlerEngine manages the worker pool and job distribution
type CrawlerEngine struct {
	config    *config.CrawlerConfig
	logger    *zap.Logger
	processor Processor

	httpClient   *client.HTTPClient
	rateLimiter  *client.RateLimitMiddleware
	robotsParser *robots.Parser
	maxPageSize  int64

	totalJobs      atomic.Int64
	successfulJobs atomic.Int64
	failedJobs     atomic.Int64
	disallowed     atomic.Int64
	queueDepth     atomic.Int64
	discovered     atomic.Int64
	startTime      time.Time
}

// NewCrawlerEngine creates a crawler engine from the full configuration.
// Robots checks are skipped when robots.enabled is false.
func NewCrawlerEngine(cfg *config.Config, processor Processor, logger *zap.Logger) (*CrawlerEngine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	crawlerConfig := cfg.Crawler
	if crawlerConfig.ConcurrentWorkers <= 0 {
		crawlerConfig.ConcurrentWorkers = 1
	}
	if crawlerConfig.ProgressInterval <= 0 {
		crawlerConfig.ProgressInterval = 30 * time.Second
	}

	httpClient := client.NewHTTPClient(&cfg.HTTP, client.Options{
		UserAgent:         crawlerConfig.UserAgent,
		Timeout:           crawlerConfig.RequestTimeout,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		PerHostLimit:      cfg.RateLimit.PerHostLimit,
		MaxRetries:        crawlerConfig.MaxRetries,
	}, logger)

	engine := &CrawlerEngine{
		config:      &crawlerConfig,
		logger:      logger,
		processor:   processor,
		httpClient:  httpClient,
		rateLimiter: httpClient.Limiter,
		maxPageSize: cfg.Content.MaxPageSize,
	}
	if cfg.Robots.Enabled {
		engine.robotsParser = robots.NewParser(robots.Config{
			UserAgent: cfg.Robots.UserAgent,
			CacheTTL:  cfg.Robots.CacheDuration,
		}, httpClient, logger)
	}

	logger.Info("Crawler engine created",
		zap.Int("workers", crawlerConfig.ConcurrentWorkers),
		zap.Int("max_pages", crawlerConfig.MaxPages),
		zap.Float64("requests_per_second", cfg.RateLimit.RequestsPerSecond),
		zap.Bool("robots", cfg.Robots.Enabled))

	return engine, nil
}

// Run crawls breadth-first from seeds until the frontier drains, max_pages
// fetches have been made, or ctx is cancelled. Pages are handed to the
// processor one at a time, in the order their fetches complete. On
// cancellation the metrics so far are returned along with ctx's error.
func (c *CrawlerEngine) Run(ctx context.Context, seeds []string) (*CrawlerMetrics, error) {
	c.startTime = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan *CrawlJob)
	results := make(chan *CrawlResult)

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < c.config.ConcurrentWorkers; i++ {
		g.Go(func() error {
			c.worker(gctx, jobs, results)
			return nil
		})
	}
	g.Go(func() error {
		c.maintain(gctx)
		return nil
	})

	c.coordinate(gctx, seeds, jobs, results)
	close(jobs)
	cancel()
	if err := g.Wait(); err != nil {
		return c.GetMetrics(), err
	}
	c.httpClient.Close()

	metrics := c.GetMetrics()
	c.logger.Info("Crawl finished",
		zap.Int64("fetched", metrics.TotalJobs),
		zap.Int64("successful", metrics.SuccessfulJobs),
		zap.Int64("failed", metrics.FailedJobs),
		zap.Int64("disallowed", metrics.Disallowed),
		zap.Int("discovered", metrics.Discovered),
		zap.Duration("uptime", metrics.Uptime))

	return metrics, ctx.Err()
}

// coordinate owns the frontier. It is the only goroutine that touches the
// queue and the seen set, and the only one that calls the processor.
func (c *CrawlerEngine) coordinate(ctx context.Context, seeds []string, jobs chan<- *CrawlJob, results <-chan *CrawlResult) {
	var queue []*CrawlJob
	seen := make(map[string]struct{})
	enqueue := func(rawURL string, depth int) {
		rawURL = strings.TrimSpace(rawURL)
		if rawURL == "" {
			return
		}
		if _, ok := seen[rawURL]; ok {
			return
		}
		seen[rawURL] = struct{}{}
		queue = append(queue, &CrawlJob{URL: rawURL, Depth: depth})
	}
	for _, seed := range seeds {
		enqueue(seed, 0)
	}

	dispatched, inFlight := 0, 0
	for {
		c.queueDepth.Store(int64(len(queue)))
		c.discovered.Store(int64(len(seen)))

		var send chan<- *CrawlJob
		var next *CrawlJob
		if len(queue) > 0 && (c.config.MaxPages <= 0 || dispatched < c.config.MaxPages) {
			send = jobs
			next = queue[0]
		}
		if send == nil && inFlight == 0 {
			return
		}

		select {
		case send <- next:
			queue[0] = nil
			queue = queue[1:]
			dispatched++
			inFlight++
		case result := <-results:
			inFlight--
			for _, link := range c.processor.Process(ctx, pageURL(result), result.Fetch) {
				enqueue(link, result.Job.Depth+1)
			}
		case <-ctx.Done():
			c.logger.Info("Crawl interrupted",
				zap.Int("queued", len(queue)),
				zap.Int("in_flight", inFlight))
			return
		}
	}
}

// pageURL is where the page was actually served from, after redirects
func pageURL(result *CrawlResult) string {
	if result.Fetch != nil && result.Fetch.URL != "" {
		return result.Fetch.URL
	}
	return result.Job.URL
}

// worker fetches jobs until the channel closes or ctx ends
func (c *CrawlerEngine) worker(ctx context.Context, jobs <-chan *CrawlJob, results chan<- *CrawlResult) {
	for job := range jobs {
		start := time.Now()
		fetch := c.fetch(ctx, job.URL)
		result := &CrawlResult{Job: job, Fetch: fetch, ResponseTime: time.Since(start)}

		c.totalJobs.Add(1)
		if fetch.Error == nil && fetch.StatusCode == 200 {
			c.successfulJobs.Add(1)
		} else {
			c.failedJobs.Add(1)
		}

		select {
		case results <- result:
		case <-ctx.Done():
			return
		}
	}
}

// fetch downloads one page. Bodies are read up to one byte past the page size
// limit so oversized pages are still recognizable downstream.
func (c *CrawlerEngine) fetch(ctx context.Context, rawURL string) *pipeline.FetchResult {
	result := &pipeline.FetchResult{URL: rawURL}

	if c.robotsParser != nil {
		permission, err := c.robotsParser.IsAllowed(ctx, rawURL)
		if err != nil {
			result.Error = fmt.Errorf("robots check: %w", err)
			return result
		}
		if !permission.Allowed {
			c.disallowed.Add(1)
			result.Error = ErrDisallowed
			return result
		}
	}

	resp, err := c.httpClient.Get(ctx, rawURL)
	if err != nil {
		result.Error = err
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")
	if resp.Request != nil && resp.Request.URL != nil {
		result.URL = resp.Request.URL.String()
	}

	body := io.Reader(resp.Body)
	if c.maxPageSize > 0 {
		body = io.LimitReader(resp.Body, c.maxPageSize+1)
	}
	result.Body, err = io.ReadAll(body)
	if err != nil {
		result.Error = fmt.Errorf("failed to read body: %w", err)
	}
	return result
}

// maintain logs progress and prunes idle rate limiters and expired robots
// entries until ctx ends
func (c *CrawlerEngine) maintain(ctx context.Context) {
	ticker := time.NewTicker(c.config.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := c.GetMetrics()
			c.logger.Info("Crawl progress",
				zap.Int64("fetched", metrics.TotalJobs),
				zap.Int64("failed", metrics.FailedJobs),
				zap.Int("queued", metrics.QueueDepth),
				zap.Float64("pages_per_second", metrics.JobsPerSecond))

			if c.rateLimiter != nil {
				if removed := c.rateLimiter.CleanupIdle(); removed > 0 {
					c.logger.Debug("Removed idle rate limiters", zap.Int("count", removed))
				}
			}
			if c.robotsParser != nil {
				c.robotsParser.ClearExpired()
			}
		}
	}
}

// GetMetrics returns a snapshot of crawl progress
func (c *CrawlerEngine) GetMetrics() *CrawlerMetrics {
	metrics := &CrawlerMetrics{
		TotalJobs:      c.totalJobs.Load(),
		SuccessfulJobs: c.successfulJobs.Load(),
		FailedJobs:     c.failedJobs.Load(),
		Disallowed:     c.disallowed.Load(),
		QueueDepth:     int(c.queueDepth.Load()),
		Discovered:     int(c.discovered.Load()),
	}
	if !c.startTime.IsZero() {
		metrics.Uptime = time.Since(c.startTime)
	}
	if seconds := metrics.Uptime.Seconds(); seconds > 0 {
		metrics.JobsPerSecond = float64(metrics.TotalJobs) / seconds
	}
	if metrics.TotalJobs > 0 {
		metrics.ErrorRate = float64(metrics.FailedJobs) / float64(metrics.TotalJobs)
	}
	return metrics
}
