package similarity

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// overlapping returns two token sets of size n that share exactly shared tokens
func overlapping(trial, n, shared int) ([]string, []string) {
	a := make([]string, 0, n)
	b := make([]string, 0, n)
	for i := 0; i < shared; i++ {
		token := fmt.Sprintf("t%d-common%d", trial, i)
		a = append(a, token)
		b = append(b, token)
	}
	for i := shared; i < n; i++ {
		a = append(a, fmt.Sprintf("t%d-left%d", trial, i))
		b = append(b, fmt.Sprintf("t%d-right%d", trial, i))
	}
	return a, b
}

func newTestEngine(t *testing.T, config *Config) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), config, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestMinHasher_Deterministic(t *testing.T) {
	tokens := []string{"alpha", "beta", "gamma"}

	first := NewMinHasher(128, 7).Signature(slices.Values(tokens))
	second := NewMinHasher(128, 7).Signature(slices.Values([]string{"gamma", "alpha", "beta", "alpha"}))
	other := NewMinHasher(128, 8).Signature(slices.Values(tokens))

	assert.Len(t, first, 128)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 1.0, first.Jaccard(second))
}

func TestMinHasher_EmptyTokens(t *testing.T) {
	sig := NewMinHasher(16, 1).Signature(slices.Values([]string(nil)))

	for _, v := range sig {
		assert.Equal(t, uint32(maxHash), v)
	}
}

func TestMinHasher_EstimatesJaccard(t *testing.T) {
	hasher := NewMinHasher(256, 42)

	tests := []struct {
		name   string
		shared int
	}{
		{"half overlap", 67},
		{"high overlap", 90},
		{"no overlap", 0},
		{"low overlap", 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := overlapping(0, 100, tt.shared)
			exact := float64(tt.shared) / float64(200-tt.shared)

			estimate := hasher.Signature(slices.Values(a)).Jaccard(hasher.Signature(slices.Values(b)))
			assert.InDelta(t, exact, estimate, 0.12)
		})
	}
}

func TestSignature_JaccardLengthMismatch(t *testing.T) {
	assert.Equal(t, 0.0, Signature{1, 2}.Jaccard(Signature{1, 2, 3}))
	assert.Equal(t, 0.0, Signature{}.Jaccard(Signature{}))
}

func TestOptimalParams(t *testing.T) {
	tests := []struct {
		threshold float64
		numPerm   int
		bands     int
		rows      int
	}{
		{0.75, 128, 11, 11},
		{0.5, 128, 25, 5},
		{0.9, 128, 5, 25},
		{0.75, 64, 7, 9},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f/%d", tt.threshold, tt.numPerm), func(t *testing.T) {
			bands, rows := OptimalParams(tt.threshold, tt.numPerm, 0.5, 0.5)
			assert.Equal(t, tt.bands, bands)
			assert.Equal(t, tt.rows, rows)
			assert.LessOrEqual(t, bands*rows, tt.numPerm)
		})
	}
}

func TestNewLSHIndex_InvalidParameters(t *testing.T) {
	_, err := NewLSHIndex(0, 128)
	assert.Error(t, err)
	_, err = NewLSHIndex(1, 128)
	assert.Error(t, err)
	_, err = NewLSHIndex(0.5, 1)
	assert.Error(t, err)
}

func TestLSHIndex_InsertQuery(t *testing.T) {
	index, err := NewLSHIndex(0.75, 128)
	require.NoError(t, err)
	hasher := NewMinHasher(128, 1)

	a, _ := overlapping(1, 100, 0)
	sig := hasher.Signature(slices.Values(a))

	_, found := index.Query(sig)
	assert.False(t, found)

	require.NoError(t, index.Insert("https://www.ics.uci.edu/a", sig))
	require.NoError(t, index.Insert("https://www.ics.uci.edu/a", sig))
	assert.Equal(t, 1, index.Len())
	assert.True(t, index.Contains("https://www.ics.uci.edu/a"))

	match, found := index.Query(sig)
	require.True(t, found)
	assert.Equal(t, "https://www.ics.uci.edu/a", match.Key)
	assert.Equal(t, 1.0, match.Similarity)

	assert.Error(t, index.Insert("short", Signature{1, 2, 3}))
	_, found = index.Query(Signature{1, 2, 3})
	assert.False(t, found)
}

func TestLSHIndex_TiesGoToEarliest(t *testing.T) {
	index, err := NewLSHIndex(0.75, 128)
	require.NoError(t, err)
	sig := NewMinHasher(128, 1).Signature(slices.Values([]string{"x", "y", "z"}))

	for _, key := range []string{"first", "second", "third"} {
		require.NoError(t, index.Insert(key, sig))
	}

	match, found := index.Query(sig)
	require.True(t, found)
	assert.Equal(t, "first", match.Key)
}

func TestEngine_DetectsNearDuplicates(t *testing.T) {
	const trials = 50
	detected := 0

	for trial := 0; trial < trials; trial++ {
		engine := newTestEngine(t, &Config{NumPerm: 128, SimilarityThreshold: 0.75, Seed: uint64(trial + 1)})

		// 90 shared of 100 distinct tokens: Jaccard 0.9
		a, b := overlapping(trial, 95, 90)

		verdict, err := engine.CheckAndInsert("https://www.ics.uci.edu/original", a)
		require.NoError(t, err)
		require.False(t, verdict.Duplicate)

		verdict, err = engine.CheckAndInsert("https://www.ics.uci.edu/copy", b)
		require.NoError(t, err)
		if verdict.Duplicate {
			assert.Equal(t, "https://www.ics.uci.edu/original", verdict.Of)
			assert.GreaterOrEqual(t, verdict.Similarity, 0.75)
			detected++
		}
	}

	assert.GreaterOrEqual(t, float64(detected)/trials, 0.9)
}

func TestEngine_IgnoresLowOverlap(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		engine := newTestEngine(t, &Config{NumPerm: 128, SimilarityThreshold: 0.75, Seed: uint64(trial + 1)})

		// 40 shared of 160 distinct tokens: Jaccard 0.25
		a, b := overlapping(trial, 100, 40)

		_, err := engine.CheckAndInsert("https://www.ics.uci.edu/a", a)
		require.NoError(t, err)
		verdict, err := engine.CheckAndInsert("https://www.ics.uci.edu/b", b)
		require.NoError(t, err)

		assert.False(t, verdict.Duplicate, "trial %d flagged a low overlap pair", trial)
	}
}

// peek checks tokens without indexing them
func peek(e *Engine, tokens []string) Verdict {
	verdict, _, _ := e.check(tokens)
	return verdict
}

func TestEngine_ExactFingerprint(t *testing.T) {
	engine := newTestEngine(t, nil)

	_, err := engine.CheckAndInsert("https://www.ics.uci.edu/a", []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)

	verdict := peek(engine, []string{"gamma", "beta", "alpha", "alpha"})
	assert.True(t, verdict.Duplicate)
	assert.True(t, verdict.Exact)
	assert.Equal(t, "https://www.ics.uci.edu/a", verdict.Of)
	assert.Equal(t, 1, engine.Len())
}

func TestEngine_EvictedFingerprintStillMatches(t *testing.T) {
	engine := newTestEngine(t, nil)

	_, err := engine.CheckAndInsert("a", []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.NoError(t, engine.exact.Reset())

	verdict := peek(engine, []string{"alpha", "beta", "gamma"})
	assert.True(t, verdict.Duplicate)
	assert.False(t, verdict.Exact)
	assert.Equal(t, "a", verdict.Of)
	assert.Equal(t, 1.0, verdict.Similarity)
}

func TestEngine_WithoutExactCache(t *testing.T) {
	engine := newTestEngine(t, &Config{NumPerm: 64, SimilarityThreshold: 0.75, Seed: 3})

	_, err := engine.CheckAndInsert("a", []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)

	verdict := peek(engine, []string{"alpha", "beta", "gamma"})
	assert.True(t, verdict.Duplicate)
	assert.False(t, verdict.Exact)
	assert.Equal(t, "a", verdict.Of)
}

func TestEngine_CheckDoesNotInsert(t *testing.T) {
	engine := newTestEngine(t, nil)

	verdict := peek(engine, []string{"alpha"})
	assert.False(t, verdict.Duplicate)
	assert.Equal(t, 0, engine.Len())
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint([]string{"a", "b", "b"}), Fingerprint([]string{"b", "a"}))
	assert.NotEqual(t, Fingerprint([]string{"ab"}), Fingerprint([]string{"a", "b"}))
	assert.Len(t, Fingerprint(nil), 64)
}

// sampleSet builds pages where every third one nearly repeats an earlier page
func sampleSet() [][]string {
	pages := make([][]string, 0, 30)
	for i := 0; i < 30; i++ {
		if i%3 == 2 {
			repeat := slices.Clone(pages[i-2])
			repeat[0] = fmt.Sprintf("changed%d", i)
			pages = append(pages, repeat)
			continue
		}
		page, _ := overlapping(100+i, 80, 0)
		pages = append(pages, page)
	}
	return pages
}

func TestEngine_SnapshotRestore(t *testing.T) {
	pages := sampleSet()
	original := newTestEngine(t, nil)
	for i, page := range pages[:20] {
		_, err := original.CheckAndInsert(fmt.Sprintf("page%d", i), page)
		require.NoError(t, err)
	}

	data, err := original.Snapshot()
	require.NoError(t, err)

	restored := newTestEngine(t, nil)
	require.NoError(t, restored.Restore(data))
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, original.Len(), restored.Len())

	queries := append(pages[20:], pages[:5]...)
	for i, query := range queries {
		assert.Equal(t, peek(original, query), peek(restored, query), "page %d", i)
	}
}

func TestEngine_RestoreRebandsOnThresholdChange(t *testing.T) {
	original := newTestEngine(t, nil)
	page, _ := overlapping(7, 50, 0)
	_, err := original.CheckAndInsert("page", page)
	require.NoError(t, err)
	data, err := original.Snapshot()
	require.NoError(t, err)

	config := GetDefaultConfig()
	config.SimilarityThreshold = 0.5
	restored := newTestEngine(t, config)
	require.NoError(t, restored.Restore(data))

	assert.Equal(t, 25, restored.index.Bands)
	assert.Equal(t, 5, restored.index.Rows)
	assert.True(t, peek(restored, page).Duplicate)
}

func TestEngine_RestoreRejectsIncompatibleState(t *testing.T) {
	original := newTestEngine(t, nil)
	data, err := original.Snapshot()
	require.NoError(t, err)

	config := GetDefaultConfig()
	config.Seed = 99
	assert.Error(t, newTestEngine(t, config).Restore(data))

	config = GetDefaultConfig()
	config.NumPerm = 64
	assert.Error(t, newTestEngine(t, config).Restore(data))

	assert.Error(t, newTestEngine(t, nil).Restore([]byte("garbage")))
}

func TestLSHIndex_MarshalRoundTrip(t *testing.T) {
	index, err := NewLSHIndex(0.75, 128)
	require.NoError(t, err)
	hasher := NewMinHasher(128, 1)
	for i, page := range sampleSet()[:10] {
		require.NoError(t, index.Insert(fmt.Sprintf("page%d", i), hasher.Signature(slices.Values(page))))
	}

	data, err := index.MarshalBinary()
	require.NoError(t, err)

	restored := &LSHIndex{}
	require.NoError(t, restored.UnmarshalBinary(data))
	assert.Equal(t, index.Bands, restored.Bands)
	assert.Equal(t, index.Rows, restored.Rows)
	assert.Equal(t, index.keys, restored.keys)

	for _, page := range sampleSet() {
		sig := hasher.Signature(slices.Values(page))
		m1, ok1 := index.Query(sig)
		m2, ok2 := restored.Query(sig)
		assert.Equal(t, ok1, ok2)
		assert.Equal(t, m1, m2)
	}
}

func BenchmarkSignature(b *testing.B) {
	hasher := NewMinHasher(128, 1)
	tokens, _ := overlapping(0, 500, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hasher.Signature(slices.Values(tokens))
	}
}
