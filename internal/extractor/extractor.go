// Package extractor turns a fetched HTML body into visible text and the raw link
// targets it references. Uses goquery for parsing and x/net/html/charset for decoding.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

var (
	// ErrEmptyContent is returned for a nil or zero length body
	ErrEmptyContent = errors.New("empty content provided")
	// ErrUndecodable is returned when the body is binary or its charset cannot be decoded
	ErrUndecodable = errors.New("undecodable content")
)

// SkipReason explains why a page is not analyzed. The empty reason means keep.
type SkipReason string

const (
	Keep             SkipReason = ""
	SkipTooLarge     SkipReason = "too_large"
	SkipTooShort     SkipReason = "too_short"
	SkipLowTextRatio SkipReason = "low_text_ratio"
)

// sniffLen is how much of the body is checked for NUL bytes
const sniffLen = 512

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Link is a raw link target found in the document, in document order
type Link struct {
	Target   string `json:"target"`
	Attr     string `json:"attr"`
	Position int    `json:"position"`
}

// Page is the result of extracting a single HTML document
type Page struct {
	Title    string `json:"title"`
	Text     string `json:"text"`
	Links    []Link `json:"links"`
	Encoding string `json:"encoding"`
	RawSize  int    `json:"raw_size"`
}

// ExtractorConfig holds configuration for the content extractor
type ExtractorConfig struct {
	MinTextLength   int      `mapstructure:"min_text_length" yaml:"min_text_length" json:"min_text_length"`
	MinTextFraction float64  `mapstructure:"min_text_fraction" yaml:"min_text_fraction" json:"min_text_fraction"`
	MaxPageSize     int64    `mapstructure:"max_page_size" yaml:"max_page_size" json:"max_page_size"`
	StripSelectors  []string `mapstructure:"strip_selectors" yaml:"strip_selectors" json:"strip_selectors"`
	LinkAttributes  []string `mapstructure:"link_attributes" yaml:"link_attributes" json:"link_attributes"`
}

// HTMLContentExtractor implements content extraction for HTML content using goquery
type HTMLContentExtractor struct {
	Logger *zap.Logger
	Config *ExtractorConfig
}

// NewHTMLContentExtractor creates a new HTML content extractor
func NewHTMLContentExtractor(config *ExtractorConfig, logger *zap.Logger) *HTMLContentExtractor {
	if config == nil {
		config = GetDefaultExtractorConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTMLContentExtractor{
		Logger: logger,
		Config: config,
	}
}

// Extract decodes and parses content. Links are collected before script and style
// subtrees are removed; text is collected after. A panic inside the parser is
// recovered and returned as an error.
func (h *HTMLContentExtractor) Extract(content []byte, contentType string) (page *Page, err error) {
	if len(content) == 0 {
		return nil, ErrEmptyContent
	}

	defer func() {
		if r := recover(); r != nil {
			page = nil
			err = fmt.Errorf("failed to parse HTML: recovered from panic: %v", r)
		}
	}()

	decoded, encoding, err := decodeBody(content, contentType)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(decoded))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page = &Page{
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Links:    h.ExtractLinksFromDocument(doc),
		Encoding: encoding,
		RawSize:  len(content),
	}
	page.Text = h.ExtractAllText(doc)

	h.Logger.Debug("extracted page",
		zap.String("encoding", encoding),
		zap.Int("text_size", len(page.Text)),
		zap.Int("page_size", page.RawSize),
		zap.Int("links", len(page.Links)))

	return page, nil
}

// ExtractAllText strips non-visible subtrees and returns normalized document text
func (h *HTMLContentExtractor) ExtractAllText(doc *goquery.Document) string {
	if len(h.Config.StripSelectors) > 0 {
		doc.Find(strings.Join(h.Config.StripSelectors, ", ")).Remove()
	}
	return h.CleanTextContent(doc.Text())
}

// CleanTextContent collapses whitespace. Entities were already decoded by the
// parser and are left alone.
func (h *HTMLContentExtractor) CleanTextContent(text string) string {
	if text == "" {
		return ""
	}

	text = whitespaceRegex.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}

// CheckSize rejects bodies larger than the configured limit before any parsing
func (h *HTMLContentExtractor) CheckSize(size int) SkipReason {
	if h.Config.MaxPageSize > 0 && int64(size) > h.Config.MaxPageSize {
		return SkipTooLarge
	}
	return Keep
}

// Assess applies the low-information checks to an extracted page
func (h *HTMLContentExtractor) Assess(page *Page) SkipReason {
	if reason := h.CheckSize(page.RawSize); reason != Keep {
		return reason
	}

	textLen := utf8.RuneCountInString(page.Text)
	if textLen < h.Config.MinTextLength {
		return SkipTooShort
	}

	if page.RawSize > 0 && float64(textLen)/float64(page.RawSize) < h.Config.MinTextFraction {
		return SkipLowTextRatio
	}

	return Keep
}

// decodeBody converts content to UTF-8 using the Content-Type header and any
// <meta charset> declaration
func decodeBody(content []byte, contentType string) ([]byte, string, error) {
	sniff := content
	if len(sniff) > sniffLen {
		sniff = sniff[:sniffLen]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return nil, "", fmt.Errorf("%w: binary data", ErrUndecodable)
	}

	enc, name, _ := charset.DetermineEncoding(content, contentType)
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return nil, name, fmt.Errorf("%w: %s: %v", ErrUndecodable, name, err)
	}

	return decoded, name, nil
}

// GetDefaultExtractorConfig returns default configuration for content extraction
func GetDefaultExtractorConfig() *ExtractorConfig {
	return &ExtractorConfig{
		MinTextLength:   100,
		MinTextFraction: 0.02,
		MaxPageSize:     5 * 1024 * 1024,
		StripSelectors:  []string{"script", "style", "noscript", "template"},
		LinkAttributes:  []string{"href", "src", "action"},
	}
}
