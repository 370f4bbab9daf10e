// Package analytics folds accepted pages into crawl-wide statistics: token
// frequencies, the longest page, per-subdomain page counts, unique pages and a
// distinct outbound link estimate.
package analytics

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"

	"github.com/axiomhq/hyperloglog"
	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
)

// Config holds aggregation settings
type Config struct {
	// SubdomainSuffix selects the hosts whose pages are counted.
	SubdomainSuffix string `mapstructure:"subdomain_suffix" yaml:"subdomain_suffix" json:"subdomain_suffix"`
	// ExcludedHost is an alias of the parent domain that is never counted.
	ExcludedHost      string  `mapstructure:"excluded_host" yaml:"excluded_host" json:"excluded_host"`
	TopTokens         int     `mapstructure:"top_tokens" yaml:"top_tokens" json:"top_tokens"`
	ExpectedPages     uint    `mapstructure:"expected_pages" yaml:"expected_pages" json:"expected_pages"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate" yaml:"false_positive_rate" json:"false_positive_rate"`
}

func GetDefaultConfig() *Config {
	return &Config{
		SubdomainSuffix:   ".ics.uci.edu",
		ExcludedHost:      "www.ics.uci.edu",
		TopTokens:         50,
		ExpectedPages:     1000000,
		FalsePositiveRate: 0.0001,
	}
}

// LongestPage is the largest token count seen and every page that reached it
type LongestPage struct {
	Length int      `json:"length"`
	URLs   []string `json:"urls"`
}

// TokenCount is one row of the token frequency table
type TokenCount struct {
	Token string `json:"token"`
	Count int    `json:"count"`
}

// SubdomainCount is the number of accepted pages served by one host
type SubdomainCount struct {
	Host  string `json:"host"`
	Count int    `json:"count"`
}

// State is a self-contained copy of the aggregator
type State struct {
	UniquePages int
	Longest     LongestPage
	Tokens      map[string]int
	Subdomains  []SubdomainCount
	SeenPages   []byte
	LinkSketch  []byte
}

// Aggregator accumulates statistics over accepted pages. Updates never fail.
// It is not safe for concurrent use; the pipeline serializes access.
type Aggregator struct {
	Logger *zap.Logger
	Config *Config

	tokens      map[string]int
	longest     LongestPage
	subdomains  map[string]int
	seen        *bloom.BloomFilter
	uniquePages int
	links       *hyperloglog.Sketch
}

// New creates an empty aggregator
func New(config *Config, logger *zap.Logger) *Aggregator {
	if config == nil {
		config = GetDefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	expected := config.ExpectedPages
	if expected == 0 {
		expected = GetDefaultConfig().ExpectedPages
	}
	fpRate := config.FalsePositiveRate
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = GetDefaultConfig().FalsePositiveRate
	}

	return &Aggregator{
		Logger:     logger,
		Config:     config,
		tokens:     make(map[string]int),
		subdomains: make(map[string]int),
		seen:       bloom.NewWithEstimates(expected, fpRate),
		links:      hyperloglog.New14(),
	}
}

// CountPage registers a fetched page and reports whether it had not been seen.
// Membership is probabilistic: a false positive undercounts by one.
func (a *Aggregator) CountPage(canonicalURL string) bool {
	if a.seen.TestAndAddString(canonicalURL) {
		return false
	}
	a.uniquePages++
	return true
}

// RecordPage folds an accepted page into the token table, the longest page
// record and the subdomain counts.
func (a *Aggregator) RecordPage(pageURL string, tokens []string) {
	for _, token := range tokens {
		a.tokens[token]++
	}

	switch length := len(tokens); {
	case length > a.longest.Length:
		a.longest = LongestPage{Length: length, URLs: []string{pageURL}}
	case length == a.longest.Length:
		a.longest.URLs = append(a.longest.URLs, pageURL)
	}

	if host, ok := a.subdomain(pageURL); ok {
		a.subdomains[host]++
	}
}

// ObserveLink adds an accepted outbound link to the distinct link estimate
func (a *Aggregator) ObserveLink(link string) {
	a.links.Insert([]byte(link))
}

func (a *Aggregator) subdomain(pageURL string) (string, bool) {
	if a.Config.SubdomainSuffix == "" {
		return "", false
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(parsed.Hostname())
	if !strings.HasSuffix(host, strings.ToLower(a.Config.SubdomainSuffix)) {
		return "", false
	}
	if strings.EqualFold(host, a.Config.ExcludedHost) {
		return "", false
	}
	return host, true
}

func (a *Aggregator) UniquePages() int {
	return a.uniquePages
}

// DistinctLinks estimates how many distinct accepted links were observed
func (a *Aggregator) DistinctLinks() uint64 {
	return a.links.Estimate()
}

// Longest returns the longest page record with its URLs sorted
func (a *Aggregator) Longest() LongestPage {
	urls := slices.Clone(a.longest.URLs)
	slices.Sort(urls)
	return LongestPage{Length: a.longest.Length, URLs: urls}
}

// TokenFrequency returns the global count of token
func (a *Aggregator) TokenFrequency(token string) int {
	return a.tokens[token]
}

// TopTokens returns the n most frequent tokens, highest count first and
// alphabetically among equal counts. n <= 0 returns every token.
func (a *Aggregator) TopTokens(n int) []TokenCount {
	counts := make([]TokenCount, 0, len(a.tokens))
	for token, count := range a.tokens {
		counts = append(counts, TokenCount{Token: token, Count: count})
	}
	slices.SortFunc(counts, func(x, y TokenCount) int {
		if x.Count != y.Count {
			return y.Count - x.Count
		}
		return strings.Compare(x.Token, y.Token)
	})
	if n > 0 && n < len(counts) {
		counts = counts[:n]
	}
	return counts
}

// SortedSubdomains returns the subdomain counts ordered by host
func (a *Aggregator) SortedSubdomains() []SubdomainCount {
	counts := make([]SubdomainCount, 0, len(a.subdomains))
	for host, count := range a.subdomains {
		counts = append(counts, SubdomainCount{Host: host, Count: count})
	}
	slices.SortFunc(counts, func(x, y SubdomainCount) int {
		return strings.Compare(x.Host, y.Host)
	})
	return counts
}

// WriteReport writes the human readable crawl summary
func (a *Aggregator) WriteReport(w io.Writer, topN int) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Unique pages: %d\n", a.uniquePages)
	fmt.Fprintf(&b, "Distinct outbound links (estimate): %d\n\n", a.DistinctLinks())

	longest := a.Longest()
	fmt.Fprintf(&b, "Longest page: %d tokens\n", longest.Length)
	for _, u := range longest.URLs {
		fmt.Fprintf(&b, "  %s\n", u)
	}

	top := a.TopTokens(topN)
	fmt.Fprintf(&b, "\nTop %d tokens:\n", len(top))
	for i, tc := range top {
		fmt.Fprintf(&b, "%3d. %s, %d\n", i+1, tc.Token, tc.Count)
	}

	subdomains := a.SortedSubdomains()
	fmt.Fprintf(&b, "\nSubdomains (%d):\n", len(subdomains))
	for _, sc := range subdomains {
		fmt.Fprintf(&b, "%s, %d\n", sc.Host, sc.Count)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Snapshot copies the aggregator into a State
func (a *Aggregator) Snapshot() (*State, error) {
	var seen bytes.Buffer
	if _, err := a.seen.WriteTo(&seen); err != nil {
		return nil, fmt.Errorf("failed to encode seen pages: %w", err)
	}
	sketch, err := a.links.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode link sketch: %w", err)
	}

	tokens := make(map[string]int, len(a.tokens))
	for token, count := range a.tokens {
		tokens[token] = count
	}

	return &State{
		UniquePages: a.uniquePages,
		Longest:     a.Longest(),
		Tokens:      tokens,
		Subdomains:  a.SortedSubdomains(),
		SeenPages:   seen.Bytes(),
		LinkSketch:  sketch,
	}, nil
}

// Restore replaces the aggregator contents with state. Empty sketches keep the
// current (fresh) structures. On error the aggregator is left unchanged.
func (a *Aggregator) Restore(state *State) error {
	seen := a.seen
	if len(state.SeenPages) > 0 {
		seen = &bloom.BloomFilter{}
		if _, err := seen.ReadFrom(bytes.NewReader(state.SeenPages)); err != nil {
			return fmt.Errorf("failed to decode seen pages: %w", err)
		}
	}
	links := a.links
	if len(state.LinkSketch) > 0 {
		links = hyperloglog.New14()
		if err := links.UnmarshalBinary(state.LinkSketch); err != nil {
			return fmt.Errorf("failed to decode link sketch: %w", err)
		}
	}

	tokens := make(map[string]int, len(state.Tokens))
	for token, count := range state.Tokens {
		tokens[token] = count
	}
	subdomains := make(map[string]int, len(state.Subdomains))
	for _, sc := range state.Subdomains {
		subdomains[sc.Host] = sc.Count
	}

	a.tokens = tokens
	a.subdomains = subdomains
	a.longest = LongestPage{Length: state.Longest.Length, URLs: slices.Clone(state.Longest.URLs)}
	a.uniquePages = state.UniquePages
	a.seen = seen
	a.links = links
	return nil
}
