// Package pipeline runs a fetched page through extraction, tokenization,
// near-duplicate detection and analytics, and returns the links worth crawling next.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Almahr1/sieve/internal/analytics"
	"github.com/Almahr1/sieve/internal/checkpoint"
	"github.com/Almahr1/sieve/internal/config"
	"github.com/Almahr1/sieve/internal/extractor"
	"github.com/Almahr1/sieve/internal/frontier"
	"github.com/Almahr1/sieve/internal/similarity"
	"github.com/Almahr1/sieve/internal/tokenizer"
	"go.uber.org/zap"
)

// FetchResult is what the fetcher hands to the pipeline. It is read-only here.
type FetchResult struct {
	URL         string
	StatusCode  int
	Body        []byte
	ContentType string
	Error       error
}

// Stage names where a page left the pipeline
type Stage string

const (
	StageAccepted  Stage = "accepted"
	StageFetch     Stage = "fetch"
	StageEmpty     Stage = "empty"
	StageExtract   Stage = "extract"
	StageSkipped   Stage = "skipped"
	StageDuplicate Stage = "duplicate"
	StageIndex     Stage = "index"
	StageClosed    Stage = "closed"
)

// Outcome is the full result of handling one page
type Outcome struct {
	Links       []string
	Stage       Stage
	Reason      string
	DuplicateOf string
	Similarity  float64
}

// Stats are cumulative counters for the lifetime of the pipeline
type Stats struct {
	Invocations   int64
	Accepted      int64
	Duplicates    int64
	Skipped       int64
	Errors        int64
	Flushes       int64
	FlushFailures int64
	UniquePages   int
	IndexedPages  int
}

// Pipeline is safe for concurrent use. Every mutation happens under one lock;
// checkpoint writes are serialized by a second lock and happen outside the first.
type Pipeline struct {
	Logger *zap.Logger
	Config *config.Config

	store         checkpoint.Store
	canonicalizer *frontier.Canonicalizer
	validator     *frontier.URLValidator
	extractor     *extractor.HTMLContentExtractor
	tokenizer     *tokenizer.Tokenizer
	engine        *similarity.Engine
	aggregator    *analytics.Aggregator
	runID         string

	mutex      sync.Mutex
	flushMutex sync.Mutex
	sinceFlush int
	stats      Stats
	closed     bool
}

// snapshot is an encoded checkpoint and report ready to be written
type snapshot struct {
	state  []byte
	report []byte
}

// Open builds the pipeline from configuration and restores the last checkpoint
// in store. A missing or unreadable checkpoint is logged and the pipeline starts
// empty; an unreadable one is first copied to the "<state_key>.unreadable" key
// so the next flush does not destroy it.
func Open(ctx context.Context, cfg *config.Config, store checkpoint.Store, logger *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if store == nil {
		return nil, errors.New("checkpoint store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tok, err := tokenizer.New(TokenizerOptions(cfg), logger.Named("tokenizer"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer: %w", err)
	}

	validator := frontier.NewURLValidator()
	validator.UpdateConfiguration(
		cfg.Filter.AllowedSchemes,
		cfg.Crawler.AllowedDomains,
		cfg.Filter.DisallowedExtensions,
		cfg.Filter.DisallowedSegments,
	)

	p := &Pipeline{
		Logger:        logger,
		Config:        cfg,
		store:         store,
		canonicalizer: frontier.NewCanonicalizer(cfg.Filter.RedirectParams),
		validator:     validator,
		extractor:     extractor.NewHTMLContentExtractor(ExtractorOptions(cfg), logger.Named("extractor")),
		tokenizer:     tok,
		aggregator:    analytics.New(AnalyticsOptions(cfg), logger.Named("analytics")),
		runID:         checkpoint.NewRunID(),
	}

	if cfg.Dedup.Enabled {
		if p.engine, err = similarity.NewEngine(ctx, SimilarityOptions(cfg), logger.Named("similarity")); err != nil {
			return nil, fmt.Errorf("failed to create similarity engine: %w", err)
		}
	}

	p.restore(ctx)

	logger.Info("Pipeline ready",
		zap.String("run_id", p.runID),
		zap.Bool("dedup", p.engine != nil),
		zap.Int("flush_every", cfg.Checkpoint.FlushEvery),
		zap.Int("unique_pages", p.aggregator.UniquePages()))

	return p, nil
}

// restore replaces the empty state with the stored checkpoint. Either every
// component is restored or none is.
func (p *Pipeline) restore(ctx context.Context) {
	key := p.Config.Checkpoint.StateKey
	data, err := p.store.Load(ctx, key)
	if errors.Is(err, checkpoint.ErrNotFound) {
		p.Logger.Info("No checkpoint found, starting with empty state", zap.String("key", key))
		return
	}
	if err != nil {
		p.Logger.Warn("Failed to load checkpoint, starting with empty state", zap.String("key", key), zap.Error(err))
		return
	}

	cp, err := checkpoint.Decode(data)
	if err != nil {
		p.Logger.Warn("Checkpoint is unreadable, starting with empty state", zap.String("key", key), zap.Error(err))
		p.preserve(ctx, key, data)
		return
	}

	aggregator := analytics.New(AnalyticsOptions(p.Config), p.aggregator.Logger)
	if err := aggregator.Restore(cp.State()); err != nil {
		p.Logger.Warn("Checkpoint analytics are unreadable, starting with empty state", zap.Error(err))
		p.preserve(ctx, key, data)
		return
	}

	var engine *similarity.Engine
	if p.engine != nil && len(cp.Index) > 0 {
		engine, err = similarity.NewEngine(ctx, p.engine.Config, p.engine.Logger)
		if err == nil {
			err = engine.Restore(cp.Index)
		}
		if err != nil {
			if engine != nil {
				_ = engine.Close()
			}
			p.Logger.Warn("Checkpoint index is unusable, starting with empty state", zap.Error(err))
			p.preserve(ctx, key, data)
			return
		}
	}

	p.aggregator = aggregator
	if engine != nil {
		_ = p.engine.Close()
		p.engine = engine
	}
	p.stats.Invocations = cp.Invocations

	p.Logger.Info("Restored checkpoint",
		zap.String("run_id", cp.RunID),
		zap.Time("saved_at", cp.SavedAt),
		zap.Int("unique_pages", cp.UniquePages),
		zap.Int("tokens", len(cp.Tokens)),
		zap.Int("indexed_pages", p.indexedPages()))
}

// preserve copies a checkpoint that could not be restored aside
func (p *Pipeline) preserve(ctx context.Context, key string, data []byte) {
	backup := UnreadableKey(key)
	if err := p.store.Save(ctx, backup, data); err != nil {
		p.Logger.Error("Failed to preserve unreadable checkpoint, it will be overwritten by the next flush",
			zap.String("key", key), zap.Error(err))
		return
	}
	p.Logger.Warn("Preserved unreadable checkpoint", zap.String("key", backup))
}

// UnreadableKey is where a checkpoint stored under key is kept when it fails to restore
func UnreadableKey(key string) string {
	return key + ".unreadable"
}

// Process is the caller contract: the accepted canonical links of the page
func (p *Pipeline) Process(ctx context.Context, pageURL string, res *FetchResult) []string {
	return p.Handle(ctx, pageURL, res).Links
}

// Handle runs one page through the pipeline. A checkpoint is written first when
// this invocation completes a flush interval. When res.URL is set it names the
// page instead of pageURL, so a redirected page is attributed to where it was
// served from. A closed pipeline rejects every page.
func (p *Pipeline) Handle(ctx context.Context, pageURL string, res *FetchResult) Outcome {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		p.Logger.Warn("Page handed to closed pipeline", zap.String("url", pageURL))
		return Outcome{Stage: StageClosed, Reason: "pipeline closed"}
	}

	p.stats.Invocations++
	p.sinceFlush++
	var pending *snapshot
	if every := p.Config.Checkpoint.FlushEvery; every > 0 && p.sinceFlush >= every {
		p.sinceFlush = 0
		snap, err := p.snapshotLocked()
		if err != nil {
			p.stats.FlushFailures++
			p.Logger.Error("Failed to snapshot state", zap.Error(err))
		} else {
			pending = snap
			p.flushMutex.Lock()
		}
	}

	outcome := p.handleLocked(pageURL, res)
	p.mutex.Unlock()

	if pending != nil {
		err := p.write(ctx, pending)
		p.flushMutex.Unlock()
		p.recordFlush(err)
	}
	return outcome
}

func (p *Pipeline) handleLocked(pageURL string, res *FetchResult) Outcome {
	if res != nil && res.URL != "" {
		pageURL = res.URL
	}
	logger := p.Logger.With(zap.String("url", pageURL))

	if res == nil {
		p.stats.Errors++
		logger.Warn("No fetch result")
		return Outcome{Stage: StageFetch, Reason: "missing fetch result"}
	}
	if res.Error != nil || res.StatusCode != 200 {
		p.stats.Errors++
		logger.Warn("Fetch failed", zap.Int("status", res.StatusCode), zap.Error(res.Error))
		reason := fmt.Sprintf("status %d", res.StatusCode)
		if res.Error != nil {
			reason = res.Error.Error()
		}
		return Outcome{Stage: StageFetch, Reason: reason}
	}

	pageID, reason := p.canonicalizer.Canonicalize(pageURL, "")
	if reason != frontier.Accepted {
		pageID = pageURL
	}
	p.aggregator.CountPage(pageID)

	if len(res.Body) == 0 {
		p.stats.Skipped++
		logger.Debug("Empty body")
		return Outcome{Stage: StageEmpty}
	}
	if skip := p.extractor.CheckSize(len(res.Body)); skip != extractor.Keep {
		p.stats.Skipped++
		logger.Debug("Skipping page", zap.String("reason", string(skip)), zap.Int("size", len(res.Body)))
		return Outcome{Stage: StageSkipped, Reason: string(skip)}
	}

	page, err := p.extractor.Extract(res.Body, res.ContentType)
	if err != nil {
		p.stats.Errors++
		logger.Warn("Failed to extract page", zap.Error(err))
		return Outcome{Stage: StageExtract, Reason: err.Error()}
	}

	logger.Debug("Extracted page",
		zap.Int("status", res.StatusCode),
		zap.Int("text", utf8.RuneCountInString(page.Text)),
		zap.Int("page", page.RawSize))

	if skip := p.extractor.Assess(page); skip != extractor.Keep {
		p.stats.Skipped++
		logger.Debug("Skipping page", zap.String("reason", string(skip)))
		return Outcome{Stage: StageSkipped, Reason: string(skip)}
	}

	tokens := p.tokenizer.Collect(page.Text)

	if p.engine != nil {
		verdict, err := p.engine.CheckAndInsert(pageID, tokens)
		if err != nil {
			p.stats.Errors++
			logger.Error("Failed to index page", zap.Error(err))
			return Outcome{Stage: StageIndex, Reason: err.Error()}
		}
		if verdict.Duplicate {
			p.stats.Duplicates++
			logger.Info("Near-duplicate page",
				zap.String("of", verdict.Of),
				zap.Float64("similarity", verdict.Similarity),
				zap.Bool("exact", verdict.Exact))
			return Outcome{Stage: StageDuplicate, DuplicateOf: verdict.Of, Similarity: verdict.Similarity}
		}
	}

	p.aggregator.RecordPage(pageID, tokens)
	p.stats.Accepted++

	links := p.acceptLinks(pageID, page.Links)
	logger.Debug("Accepted page", zap.Int("tokens", len(tokens)), zap.Int("links", len(links)))
	return Outcome{Links: links, Stage: StageAccepted}
}

// acceptLinks canonicalizes and validates raw links, keeping the first
// occurrence of each accepted URL.
func (p *Pipeline) acceptLinks(pageID string, raw []extractor.Link) []string {
	links := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, link := range raw {
		canonical, reason := p.canonicalizer.Canonicalize(link.Target, pageID)
		if reason != frontier.Accepted {
			continue
		}
		if reason := p.validator.Validate(canonical); reason != frontier.Accepted {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		links = append(links, canonical)
		p.aggregator.ObserveLink(canonical)
	}
	return links
}

// Flush writes the checkpoint and then the report. Failures are logged and
// returned; in-memory state is unaffected.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mutex.Lock()
	snap, err := p.snapshotLocked()
	if err != nil {
		p.stats.FlushFailures++
		p.mutex.Unlock()
		p.Logger.Error("Failed to snapshot state", zap.Error(err))
		return err
	}
	p.flushMutex.Lock()
	p.mutex.Unlock()

	err = p.write(ctx, snap)
	p.flushMutex.Unlock()
	p.recordFlush(err)
	return err
}

func (p *Pipeline) snapshotLocked() (*snapshot, error) {
	state, err := p.aggregator.Snapshot()
	if err != nil {
		return nil, err
	}

	var index []byte
	if p.engine != nil {
		if index, err = p.engine.Snapshot(); err != nil {
			return nil, err
		}
	}

	topN := p.Config.Analytics.TopTokens
	cp := checkpoint.FromState(p.runID, state, p.aggregator.TopTokens(topN), index)
	cp.Invocations = p.stats.Invocations

	data, err := checkpoint.Encode(cp)
	if err != nil {
		return nil, err
	}

	var report bytes.Buffer
	if err := p.aggregator.WriteReport(&report, topN); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}

	return &snapshot{state: data, report: report.Bytes()}, nil
}

func (p *Pipeline) write(ctx context.Context, snap *snapshot) error {
	start := time.Now()
	if err := p.store.Save(ctx, p.Config.Checkpoint.StateKey, snap.state); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if err := p.store.Save(ctx, p.Config.Checkpoint.ReportKey, snap.report); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	p.Logger.Debug("Checkpoint written",
		zap.Int("bytes", len(snap.state)),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (p *Pipeline) recordFlush(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err != nil {
		p.stats.FlushFailures++
		p.Logger.Error("Checkpoint flush failed, continuing with in-memory state", zap.Error(err))
		return
	}
	p.stats.Flushes++
}

// Close writes a final checkpoint and releases the fingerprint cache. The
// store belongs to the caller and stays open.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	p.mutex.Unlock()

	err := p.Flush(ctx)

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.engine != nil {
		if closeErr := p.engine.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close similarity engine: %w", closeErr)
		}
	}

	p.Logger.Info("Pipeline closed",
		zap.Int64("invocations", p.stats.Invocations),
		zap.Int64("accepted", p.stats.Accepted),
		zap.Int64("duplicates", p.stats.Duplicates),
		zap.Int("unique_pages", p.aggregator.UniquePages()))
	return err
}

// Release closes the pipeline without writing a checkpoint. It is for callers
// that only read restored state, such as report printing.
func (p *Pipeline) Release() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.engine != nil {
		if err := p.engine.Close(); err != nil {
			return fmt.Errorf("failed to close similarity engine: %w", err)
		}
	}
	return nil
}

// Stats returns a copy of the counters
func (p *Pipeline) Stats() Stats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats := p.stats
	stats.UniquePages = p.aggregator.UniquePages()
	stats.IndexedPages = p.indexedPages()
	return stats
}

// Report writes the current analytics report
func (p *Pipeline) Report(w io.Writer) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.aggregator.WriteReport(w, p.Config.Analytics.TopTokens)
}

// RunID identifies this pipeline instance in the checkpoints it writes
func (p *Pipeline) RunID() string {
	return p.runID
}

func (p *Pipeline) indexedPages() int {
	if p.engine == nil {
		return 0
	}
	return p.engine.Len()
}
