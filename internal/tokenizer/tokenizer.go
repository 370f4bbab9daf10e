// Package tokenizer splits page text into the filtered token stream used for
// similarity signatures and frequency statistics.
package tokenizer

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"iter"
	"os"
	"slices"
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
	"go.uber.org/zap"
)

//go:embed stopwords.txt
var defaultStopwords string

// Config holds tokenizer settings
type Config struct {
	// StopwordsFile replaces the built-in English list when set.
	StopwordsFile string `mapstructure:"stopwords_file" yaml:"stopwords_file" json:"stopwords_file"`
	// Stopwords replaces both the built-in list and StopwordsFile when non-nil.
	Stopwords []string `mapstructure:"stopwords" yaml:"stopwords" json:"stopwords"`
	// Stem reduces tokens to their Snowball English stem.
	Stem bool `mapstructure:"stem" yaml:"stem" json:"stem"`
}

// Tokenizer produces lowercase alphanumeric tokens with stopwords removed.
// It is read-only after construction and safe for concurrent use.
type Tokenizer struct {
	Logger    *zap.Logger
	stopwords map[string]struct{}
	stem      bool
}

// New builds a tokenizer, loading the stopword list named by config
func New(config *Config, logger *zap.Logger) (*Tokenizer, error) {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var stopwords map[string]struct{}
	switch {
	case config.Stopwords != nil:
		stopwords = make(map[string]struct{}, len(config.Stopwords))
		for _, word := range config.Stopwords {
			stopwords[strings.ToLower(strings.TrimSpace(word))] = struct{}{}
		}
	case config.StopwordsFile != "":
		f, err := os.Open(config.StopwordsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open stopwords file: %w", err)
		}
		defer f.Close()
		if stopwords, err = LoadStopwords(f); err != nil {
			return nil, fmt.Errorf("failed to read stopwords file %s: %w", config.StopwordsFile, err)
		}
	default:
		stopwords, _ = LoadStopwords(strings.NewReader(defaultStopwords))
	}

	logger.Debug("tokenizer ready",
		zap.Int("stopwords", len(stopwords)),
		zap.Bool("stem", config.Stem))

	return &Tokenizer{
		Logger:    logger,
		stopwords: stopwords,
		stem:      config.Stem,
	}, nil
}

// LoadStopwords reads one word per line. Blank lines and lines starting with # are ignored.
func LoadStopwords(r io.Reader) (map[string]struct{}, error) {
	stopwords := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		word := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if word == "" || strings.HasPrefix(word, "#") {
			continue
		}
		stopwords[word] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return stopwords, nil
}

// Tokens lazily yields the tokens of text in order. A unit is dropped when it is a
// stopword before or after punctuation is stripped, or when nothing alphanumeric is left.
func (t *Tokenizer) Tokens(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for unit := range strings.FieldsSeq(text) {
			unit = strings.ToLower(unit)
			if t.IsStopword(unit) {
				continue
			}

			token := strings.Map(keepAlphanumeric, unit)
			if token == "" || t.IsStopword(token) {
				continue
			}

			if t.stem {
				if stemmed, err := snowball.Stem(token, "english", true); err == nil && stemmed != "" {
					token = stemmed
				}
			}

			if !yield(token) {
				return
			}
		}
	}
}

// Collect materializes the token stream of text
func (t *Tokenizer) Collect(text string) []string {
	return slices.Collect(t.Tokens(text))
}

func (t *Tokenizer) IsStopword(word string) bool {
	_, ok := t.stopwords[word]
	return ok
}

func keepAlphanumeric(r rune) rune {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return r
	}
	return -1
}
