package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Almahr1/sieve/internal/analytics"
	"github.com/google/uuid"
)

// FormatVersion is the checkpoint layout written by this package
const FormatVersion = 1

// Checkpoint is the persisted state of a crawl. Byte fields hold opaque
// encodings owned by the similarity and analytics packages.
type Checkpoint struct {
	Version     int                        `json:"version"`
	RunID       string                     `json:"run_id"`
	SavedAt     time.Time                  `json:"saved_at"`
	Invocations int64                      `json:"invocations"`
	UniquePages int                        `json:"unique_pages"`
	LongestPage analytics.LongestPage      `json:"longest_page"`
	TopTokens   []analytics.TokenCount     `json:"top_tokens"`
	Tokens      map[string]int             `json:"tokens"`
	Subdomains  []analytics.SubdomainCount `json:"subdomains"`
	Index       []byte                     `json:"index,omitempty"`
	SeenPages   []byte                     `json:"seen_pages,omitempty"`
	LinkSketch  []byte                     `json:"link_sketch,omitempty"`
}

// NewRunID identifies one process lifetime in the checkpoints it writes
func NewRunID() string {
	return uuid.NewString()
}

// FromState builds a checkpoint from an aggregator snapshot, its top tokens and an encoded index
func FromState(runID string, state *analytics.State, top []analytics.TokenCount, index []byte) *Checkpoint {
	return &Checkpoint{
		Version:     FormatVersion,
		RunID:       runID,
		SavedAt:     time.Now().UTC(),
		UniquePages: state.UniquePages,
		LongestPage: state.Longest,
		Tokens:      state.Tokens,
		Subdomains:  state.Subdomains,
		Index:       index,
		SeenPages:   state.SeenPages,
		LinkSketch:  state.LinkSketch,
		TopTokens:   top,
	}
}

// State returns the aggregator part of the checkpoint
func (c *Checkpoint) State() *analytics.State {
	return &analytics.State{
		UniquePages: c.UniquePages,
		Longest:     c.LongestPage,
		Tokens:      c.Tokens,
		Subdomains:  c.Subdomains,
		SeenPages:   c.SeenPages,
		LinkSketch:  c.LinkSketch,
	}
}

// Encode serializes the checkpoint as indented JSON
func Encode(c *Checkpoint) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses and sanity checks a checkpoint
func Decode(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if c.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", c.Version)
	}
	if c.UniquePages < 0 || c.LongestPage.Length < 0 || c.Invocations < 0 {
		return nil, fmt.Errorf("checkpoint has negative counters")
	}
	for token, count := range c.Tokens {
		if count <= 0 {
			return nil, fmt.Errorf("checkpoint token %q has count %d", token, count)
		}
	}
	if c.Tokens == nil {
		c.Tokens = make(map[string]int)
	}
	return &c, nil
}
