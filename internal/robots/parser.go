// Package robots provides robots.txt fetching, caching, and permission checking
// for the crawl driver according to the Robots Exclusion Standard.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Almahr1/sieve/internal/client"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// CacheEntry represents a cached robots.txt entry with expiration
type CacheEntry struct {
	Robots    *robotstxt.RobotsData
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Parser handles robots.txt fetching, caching, and permission checking.
// Entries are keyed by scheme and host so that test servers on different
// ports never share rules.
type Parser struct {
	HTTPClient *client.HTTPClient
	Logger     *zap.Logger
	CacheTTL   time.Duration
	UserAgent  string
	MaxSize    int64

	cacheMutex sync.RWMutex
	cache      map[string]*CacheEntry

	fetchMutex sync.Mutex
	hostMutex  map[string]*sync.Mutex
}

// Config holds configuration for the robots.txt parser
type Config struct {
	UserAgent string
	CacheTTL  time.Duration // default: 24h
	MaxSize   int64         // default: 500KB
}

// PermissionResult represents the result of a permission check
type PermissionResult struct {
	Allowed    bool
	CrawlDelay time.Duration
	Sitemaps   []string
}

// CacheStats holds statistics about the robots.txt cache
type CacheStats struct {
	TotalEntries   int
	ExpiredEntries int
}

var ErrTooLarge = errors.New("robots.txt exceeds size limit")

// NewParser creates a new robots.txt parser with the given configuration and HTTP client
func NewParser(config Config, httpClient *client.HTTPClient, logger *zap.Logger) *Parser {
	if config.UserAgent == "" {
		config.UserAgent = "*"
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 24 * time.Hour
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 500 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Parser{
		HTTPClient: httpClient,
		Logger:     logger,
		CacheTTL:   config.CacheTTL,
		UserAgent:  config.UserAgent,
		MaxSize:    config.MaxSize,
		cache:      make(map[string]*CacheEntry),
		hostMutex:  make(map[string]*sync.Mutex),
	}
}

// IsAllowed checks if a URL may be crawled according to its host's robots.txt.
// A robots.txt that cannot be fetched allows everything.
func (p *Parser) IsAllowed(ctx context.Context, rawURL string) (*PermissionResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %q: %w", rawURL, err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("URL %q has no http(s) host", rawURL)
	}

	robots, err := p.GetRobots(ctx, u.Scheme, u.Host)
	if err != nil {
		return nil, err
	}

	result := &PermissionResult{
		Allowed:  robots.TestAgent(u.RequestURI(), p.UserAgent),
		Sitemaps: robots.Sitemaps,
	}
	if group := robots.FindGroup(p.UserAgent); group != nil && group.CrawlDelay > 0 {
		result.CrawlDelay = group.CrawlDelay
	}
	return result, nil
}

// GetRobots returns the rules for scheme://host, fetching them at most once
// per TTL even under concurrent callers
func (p *Parser) GetRobots(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, error) {
	if host == "" {
		return nil, fmt.Errorf("empty host provided")
	}
	key := strings.ToLower(scheme + "://" + host)

	if robots, found := p.getCached(key); found {
		return robots, nil
	}

	mutex := p.perHostMutex(key)
	mutex.Lock()
	defer mutex.Unlock()

	if robots, found := p.getCached(key); found {
		return robots, nil
	}

	robots, err := p.fetch(ctx, key+"/robots.txt")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.Logger.Debug("robots.txt unavailable, allowing all",
			zap.String("host", key),
			zap.Error(err))
		robots, _ = robotstxt.FromString("")
	}
	p.setCached(key, robots)
	return robots, nil
}

// fetch downloads and parses a robots.txt. Missing or forbidden files yield
// permissive rules; other failures are returned as errors.
func (p *Parser) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	resp, err := p.HTTPClient.Get(ctx, robotsURL)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized, http.StatusGone:
		return robotstxt.FromString("")
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, p.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(content)) > p.MaxSize {
		return nil, ErrTooLarge
	}
	return robotstxt.FromBytes(content)
}

func (p *Parser) perHostMutex(key string) *sync.Mutex {
	p.fetchMutex.Lock()
	defer p.fetchMutex.Unlock()

	if mutex, exists := p.hostMutex[key]; exists {
		return mutex
	}
	mutex := &sync.Mutex{}
	p.hostMutex[key] = mutex
	return mutex
}

func (p *Parser) getCached(key string) (*robotstxt.RobotsData, bool) {
	p.cacheMutex.RLock()
	defer p.cacheMutex.RUnlock()

	entry, exists := p.cache[key]
	if !exists || time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Robots, true
}

func (p *Parser) setCached(key string, robots *robotstxt.RobotsData) {
	p.cacheMutex.Lock()
	defer p.cacheMutex.Unlock()

	now := time.Now()
	p.cache[key] = &CacheEntry{
		Robots:    robots,
		FetchedAt: now,
		ExpiresAt: now.Add(p.CacheTTL),
	}
}

// ClearExpired removes expired entries from the cache
func (p *Parser) ClearExpired() int {
	p.cacheMutex.Lock()
	defer p.cacheMutex.Unlock()

	removed := 0
	now := time.Now()
	for key, entry := range p.cache {
		if now.After(entry.ExpiresAt) {
			delete(p.cache, key)
			removed++
		}
	}
	return removed
}

func (p *Parser) GetCacheStats() CacheStats {
	p.cacheMutex.RLock()
	defer p.cacheMutex.RUnlock()

	stats := CacheStats{TotalEntries: len(p.cache)}
	now := time.Now()
	for _, entry := range p.cache {
		if now.After(entry.ExpiresAt) {
			stats.ExpiredEntries++
		}
	}
	return stats
}
