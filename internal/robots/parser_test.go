package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Almahr1/sieve/internal/client"
	"github.com/Almahr1/sieve/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	sampleRobotsTxt = `User-agent: *
Disallow: /private/
Disallow: /temp/
Allow: /public/

User-agent: TestCrawler
Disallow: /admin/
Crawl-delay: 1

Sitemap: https://example.com/sitemap.xml
`

	strictRobotsTxt = `User-agent: *
Disallow: /
`
)

// robotsServer serves body with status for /robots.txt and counts fetches
func robotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fetches.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, &fetches
}

func createTestParser(t *testing.T, userAgent string) *Parser {
	httpClient := client.NewHTTPClient(&config.HTTPConfig{}, client.Options{Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	return NewParser(Config{UserAgent: userAgent, CacheTTL: time.Minute}, httpClient, zaptest.NewLogger(t))
}

func TestNewParser_Defaults(t *testing.T) {
	parser := NewParser(Config{}, nil, nil)
	assert.Equal(t, "*", parser.UserAgent)
	assert.Equal(t, 24*time.Hour, parser.CacheTTL)
	assert.Equal(t, int64(500*1024), parser.MaxSize)
	assert.NotNil(t, parser.Logger)
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name               string
		robotsTxt          string
		statusCode         int
		path               string
		userAgent          string
		expectedAllowed    bool
		expectedCrawlDelay time.Duration
	}{
		{"disallowed by wildcard group", sampleRobotsTxt, 200, "/private/page.html", "OtherBot", false, 0},
		{"allowed by wildcard group", sampleRobotsTxt, 200, "/public/page.html", "OtherBot", true, 0},
		{"specific group with crawl delay", sampleRobotsTxt, 200, "/public/page.html", "TestCrawler", true, time.Second},
		{"specific group disallow", sampleRobotsTxt, 200, "/admin/users", "TestCrawler", false, time.Second},
		{"strict robots", strictRobotsTxt, 200, "/any-page.html", "OtherBot", false, 0},
		{"missing robots is permissive", "", 404, "/private/page.html", "OtherBot", true, 0},
		{"forbidden robots is permissive", "", 403, "/private/page.html", "OtherBot", true, 0},
		{"server error is permissive", "", 500, "/private/page.html", "OtherBot", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := robotsServer(t, tt.statusCode, tt.robotsTxt)
			parser := createTestParser(t, tt.userAgent)

			result, err := parser.IsAllowed(context.Background(), server.URL+tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedAllowed, result.Allowed)
			assert.Equal(t, tt.expectedCrawlDelay, result.CrawlDelay)
		})
	}
}

func TestIsAllowed_Sitemaps(t *testing.T) {
	server, _ := robotsServer(t, 200, sampleRobotsTxt)
	parser := createTestParser(t, "OtherBot")

	result, err := parser.IsAllowed(context.Background(), server.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/sitemap.xml"}, result.Sitemaps)
}

func TestIsAllowed_InvalidURL(t *testing.T) {
	parser := createTestParser(t, "OtherBot")
	for _, rawURL := range []string{"", "mailto:someone@uci.edu", "ftp://ics.uci.edu/file", "http://%zz"} {
		_, err := parser.IsAllowed(context.Background(), rawURL)
		assert.Error(t, err, "url %q", rawURL)
	}
}

func TestIsAllowed_TooLarge(t *testing.T) {
	server, _ := robotsServer(t, 200, "User-agent: *\nDisallow: /\n"+strings.Repeat("#", 2048))
	parser := createTestParser(t, "OtherBot")
	parser.MaxSize = 1024

	result, err := parser.IsAllowed(context.Background(), server.URL+"/page")
	require.NoError(t, err)
	assert.True(t, result.Allowed, "oversized robots.txt is treated as unavailable")
}

func TestGetRobots_Caching(t *testing.T) {
	server, fetches := robotsServer(t, 200, strictRobotsTxt)
	parser := createTestParser(t, "OtherBot")
	ctx := context.Background()

	for range 3 {
		result, err := parser.IsAllowed(ctx, server.URL+"/page")
		require.NoError(t, err)
		assert.False(t, result.Allowed)
	}
	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, CacheStats{TotalEntries: 1}, parser.GetCacheStats())

	parser.CacheTTL = -time.Second
	parser.setCached(strings.ToLower(server.URL), nil)
	assert.Equal(t, 1, parser.GetCacheStats().ExpiredEntries)
	assert.Equal(t, 1, parser.ClearExpired())

	_, err := parser.IsAllowed(ctx, server.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestGetRobots_ContextCancelled(t *testing.T) {
	server, _ := robotsServer(t, 200, strictRobotsTxt)
	parser := createTestParser(t, "OtherBot")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := parser.IsAllowed(ctx, server.URL+"/page")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, parser.GetCacheStats().TotalEntries)
}

func TestConcurrentAccess(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte(sampleRobotsTxt))
	}))
	defer server.Close()

	parser := createTestParser(t, "OtherBot")
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := parser.IsAllowed(ctx, server.URL+"/private/x")
			assert.NoError(t, err)
			assert.False(t, result.Allowed)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, 1, parser.GetCacheStats().TotalEntries)
}
