package similarity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
)

const engineFormatVersion = 1

// Config holds near-duplicate detection settings
type Config struct {
	NumPerm             int     `mapstructure:"num_perm" yaml:"num_perm" json:"num_perm"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold" json:"similarity_threshold"`
	Seed                uint64  `mapstructure:"seed" yaml:"seed" json:"seed"`
	// ExactCacheMB bounds the exact-fingerprint cache. Zero disables it.
	ExactCacheMB int `mapstructure:"exact_cache_mb" yaml:"exact_cache_mb" json:"exact_cache_mb"`
}

// GetDefaultConfig returns 128 permutations at a 0.75 threshold
func GetDefaultConfig() *Config {
	return &Config{
		NumPerm:             128,
		SimilarityThreshold: 0.75,
		Seed:                1,
		ExactCacheMB:        64,
	}
}

// Verdict is the outcome of checking a page against everything seen so far
type Verdict struct {
	Duplicate  bool
	Of         string
	Similarity float64
	// Exact is set when the token set matched a previous page exactly.
	Exact bool
}

// Engine rejects pages whose token sets are near duplicates of an indexed page.
// It is not safe for concurrent use; the pipeline serializes access.
type Engine struct {
	Logger *zap.Logger
	Config *Config

	hasher *MinHasher
	index  *LSHIndex
	exact  *bigcache.BigCache
}

type engineState struct {
	Version      int
	Seed         uint64
	NumPerm      int
	Index        []byte
	Fingerprints map[string]string
}

// NewEngine creates an empty engine
func NewEngine(ctx context.Context, config *Config, logger *zap.Logger) (*Engine, error) {
	if config == nil {
		config = GetDefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	index, err := NewLSHIndex(config.SimilarityThreshold, config.NumPerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create lsh index: %w", err)
	}

	e := &Engine{
		Logger: logger,
		Config: config,
		hasher: NewMinHasher(config.NumPerm, config.Seed),
		index:  index,
	}

	if config.ExactCacheMB > 0 {
		cacheConfig := bigcache.DefaultConfig(7 * 24 * time.Hour)
		cacheConfig.CleanWindow = 0
		cacheConfig.Shards = 64
		cacheConfig.MaxEntriesInWindow = 64 * 1024
		cacheConfig.MaxEntrySize = 256
		cacheConfig.HardMaxCacheSize = config.ExactCacheMB
		cacheConfig.Verbose = false

		if e.exact, err = bigcache.New(ctx, cacheConfig); err != nil {
			return nil, fmt.Errorf("failed to create fingerprint cache: %w", err)
		}
	}

	logger.Debug("similarity engine ready",
		zap.Int("num_perm", config.NumPerm),
		zap.Float64("threshold", config.SimilarityThreshold),
		zap.Int("bands", index.Bands),
		zap.Int("rows", index.Rows),
		zap.Bool("exact_cache", e.exact != nil))

	return e, nil
}

// CheckAndInsert checks tokens and, when they are not a duplicate, indexes them under key
func (e *Engine) CheckAndInsert(key string, tokens []string) (Verdict, error) {
	verdict, fingerprint, sig := e.check(tokens)
	if verdict.Duplicate {
		return verdict, nil
	}

	if err := e.index.Insert(key, sig); err != nil {
		return Verdict{}, fmt.Errorf("failed to index %s: %w", key, err)
	}
	if e.exact != nil {
		if err := e.exact.Set(fingerprint, []byte(key)); err != nil {
			e.Logger.Warn("Failed to cache fingerprint", zap.String("url", key), zap.Error(err))
		}
	}
	return verdict, nil
}

// check looks tokens up without modifying the engine. The fingerprint cache is
// only a shortcut past signature computation: an identical token set has an
// identical signature, which the index matches at similarity 1. A fingerprint
// evicted from the cache still finds its page through the index.
func (e *Engine) check(tokens []string) (Verdict, string, Signature) {
	fingerprint := Fingerprint(tokens)
	if e.exact != nil {
		if of, err := e.exact.Get(fingerprint); err == nil {
			return Verdict{Duplicate: true, Of: string(of), Similarity: 1, Exact: true}, fingerprint, nil
		} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
			e.Logger.Warn("Fingerprint cache lookup failed", zap.Error(err))
		}
	}

	sig := e.hasher.Signature(slices.Values(tokens))
	if match, ok := e.index.Query(sig); ok {
		return Verdict{Duplicate: true, Of: match.Key, Similarity: match.Similarity}, fingerprint, sig
	}
	return Verdict{}, fingerprint, sig
}

// Len returns the number of indexed pages
func (e *Engine) Len() int {
	return e.index.Len()
}

// Snapshot encodes the index and the fingerprint cache
func (e *Engine) Snapshot() ([]byte, error) {
	index, err := e.index.MarshalBinary()
	if err != nil {
		return nil, err
	}

	state := engineState{
		Version: engineFormatVersion,
		Seed:    e.hasher.Seed,
		NumPerm: e.hasher.NumPerm,
		Index:   index,
	}
	if e.exact != nil {
		state.Fingerprints = make(map[string]string, e.exact.Len())
		iterator := e.exact.Iterator()
		for iterator.SetNext() {
			entry, err := iterator.Value()
			if err != nil {
				return nil, fmt.Errorf("failed to read fingerprint cache: %w", err)
			}
			state.Fingerprints[entry.Key()] = string(entry.Value())
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, fmt.Errorf("failed to encode similarity state: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the engine state with a snapshot. Signatures computed with a
// different seed or permutation count cannot be compared and are rejected; a
// different threshold only requires rebanding.
func (e *Engine) Restore(data []byte) error {
	var state engineState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode similarity state: %w", err)
	}
	if state.Version != engineFormatVersion {
		return fmt.Errorf("unsupported similarity state version %d", state.Version)
	}
	if state.Seed != e.hasher.Seed || state.NumPerm != e.hasher.NumPerm {
		return fmt.Errorf("similarity state was built with seed %d and %d permutations, engine uses seed %d and %d",
			state.Seed, state.NumPerm, e.hasher.Seed, e.hasher.NumPerm)
	}

	index := &LSHIndex{}
	if err := index.UnmarshalBinary(state.Index); err != nil {
		return err
	}
	if index.Threshold != e.Config.SimilarityThreshold {
		e.Logger.Info("Rebanding restored index for new threshold",
			zap.Float64("stored", index.Threshold),
			zap.Float64("configured", e.Config.SimilarityThreshold))
		rebuilt, err := index.Rebuild(e.Config.SimilarityThreshold)
		if err != nil {
			return fmt.Errorf("failed to rebuild index: %w", err)
		}
		index = rebuilt
	}

	if e.exact != nil {
		if err := e.exact.Reset(); err != nil {
			return fmt.Errorf("failed to reset fingerprint cache: %w", err)
		}
		for fingerprint, key := range state.Fingerprints {
			if err := e.exact.Set(fingerprint, []byte(key)); err != nil {
				return fmt.Errorf("failed to restore fingerprint cache: %w", err)
			}
		}
	}

	e.index = index
	return nil
}

// Close releases the fingerprint cache
func (e *Engine) Close() error {
	if e.exact == nil {
		return nil
	}
	return e.exact.Close()
}

// Fingerprint identifies a token set regardless of order or repetition
func Fingerprint(tokens []string) string {
	distinct := slices.Clone(tokens)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)

	h := sha256.New()
	for _, token := range distinct {
		h.Write([]byte(token))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
