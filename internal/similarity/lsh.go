package similarity

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
)

const (
	indexFormatVersion = 1
	integrationSteps   = 1000
)

// LSHIndex buckets signatures by band so that a query only compares against
// pages sharing at least one band. Candidates are confirmed by estimated Jaccard
// similarity before a match is reported. The index only grows.
type LSHIndex struct {
	Threshold float64
	NumPerm   int
	Bands     int
	Rows      int

	tables     []map[string][]string
	signatures map[string]Signature
	order      map[string]int
	keys       []string
}

// Match is a previously inserted page similar to the query
type Match struct {
	Key        string
	Similarity float64
}

// indexState is the serialized form of an LSHIndex
type indexState struct {
	Version    int
	Threshold  float64
	NumPerm    int
	Bands      int
	Rows       int
	Keys       []string
	Signatures [][]uint32
}

// NewLSHIndex creates an empty index with band and row counts chosen for threshold
func NewLSHIndex(threshold float64, numPerm int) (*LSHIndex, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1 (exclusive), got %f", threshold)
	}
	if numPerm < 2 {
		return nil, fmt.Errorf("num_perm must be at least 2, got %d", numPerm)
	}

	bands, rows := OptimalParams(threshold, numPerm, 0.5, 0.5)
	return newIndex(threshold, numPerm, bands, rows), nil
}

func newIndex(threshold float64, numPerm, bands, rows int) *LSHIndex {
	tables := make([]map[string][]string, bands)
	for i := range tables {
		tables[i] = make(map[string][]string)
	}
	return &LSHIndex{
		Threshold:  threshold,
		NumPerm:    numPerm,
		Bands:      bands,
		Rows:       rows,
		tables:     tables,
		signatures: make(map[string]Signature),
		order:      make(map[string]int),
	}
}

// OptimalParams picks bands*rows <= numPerm minimizing the weighted false positive
// and false negative probability mass around threshold.
func OptimalParams(threshold float64, numPerm int, fpWeight, fnWeight float64) (bands, rows int) {
	minError := -1.0
	for b := 1; b <= numPerm; b++ {
		for r := 1; r <= numPerm/b; r++ {
			fp := integrate(func(s float64) float64 { return collisionProbability(s, b, r) }, 0, threshold)
			fn := integrate(func(s float64) float64 { return 1 - collisionProbability(s, b, r) }, threshold, 1)
			weighted := fp*fpWeight + fn*fnWeight
			if minError < 0 || weighted < minError {
				minError = weighted
				bands, rows = b, r
			}
		}
	}
	return bands, rows
}

// collisionProbability is the chance two sets with Jaccard s share at least one band
func collisionProbability(s float64, bands, rows int) float64 {
	return 1 - pow(1-pow(s, rows), bands)
}

func integrate(f func(float64) float64, lo, hi float64) float64 {
	step := (hi - lo) / integrationSteps
	area := 0.0
	for i := 0; i < integrationSteps; i++ {
		area += f(lo + (float64(i)+0.5)*step)
	}
	return area * step
}

func pow(x float64, n int) float64 {
	result := 1.0
	for ; n > 0; n-- {
		result *= x
	}
	return result
}

// Insert adds sig under key. Re-inserting an existing key is a no-op.
func (l *LSHIndex) Insert(key string, sig Signature) error {
	if len(sig) != l.NumPerm {
		return fmt.Errorf("signature has %d values, index expects %d", len(sig), l.NumPerm)
	}
	if _, exists := l.signatures[key]; exists {
		return nil
	}

	stored := make(Signature, len(sig))
	copy(stored, sig)
	l.signatures[key] = stored
	l.order[key] = len(l.keys)
	l.keys = append(l.keys, key)

	for band := 0; band < l.Bands; band++ {
		bucket := l.bandKey(stored, band)
		l.tables[band][bucket] = append(l.tables[band][bucket], key)
	}
	return nil
}

// Query returns the most similar indexed page whose estimated similarity reaches
// the threshold. Ties go to the earliest inserted page.
func (l *LSHIndex) Query(sig Signature) (Match, bool) {
	if len(sig) != l.NumPerm {
		return Match{}, false
	}

	var best Match
	found := false
	checked := make(map[string]struct{})
	for band := 0; band < l.Bands; band++ {
		for _, key := range l.tables[band][l.bandKey(sig, band)] {
			if _, done := checked[key]; done {
				continue
			}
			checked[key] = struct{}{}

			similarity := sig.Jaccard(l.signatures[key])
			if similarity < l.Threshold {
				continue
			}
			if !found || similarity > best.Similarity ||
				(similarity == best.Similarity && l.order[key] < l.order[best.Key]) {
				best = Match{Key: key, Similarity: similarity}
				found = true
			}
		}
	}
	return best, found
}

// Contains reports whether key has been inserted
func (l *LSHIndex) Contains(key string) bool {
	_, ok := l.signatures[key]
	return ok
}

// Len returns the number of indexed pages
func (l *LSHIndex) Len() int {
	return len(l.keys)
}

// Rebuild returns a new index at threshold holding the same signatures
func (l *LSHIndex) Rebuild(threshold float64) (*LSHIndex, error) {
	rebuilt, err := NewLSHIndex(threshold, l.NumPerm)
	if err != nil {
		return nil, err
	}
	for _, key := range l.keys {
		if err := rebuilt.Insert(key, l.signatures[key]); err != nil {
			return nil, err
		}
	}
	return rebuilt, nil
}

// MarshalBinary encodes parameters and signatures in insertion order
func (l *LSHIndex) MarshalBinary() ([]byte, error) {
	state := indexState{
		Version:    indexFormatVersion,
		Threshold:  l.Threshold,
		NumPerm:    l.NumPerm,
		Bands:      l.Bands,
		Rows:       l.Rows,
		Keys:       l.keys,
		Signatures: make([][]uint32, len(l.keys)),
	}
	for i, key := range l.keys {
		state.Signatures[i] = l.signatures[key]
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, fmt.Errorf("failed to encode index: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces the index with a decoded one, rebuilding every band table
func (l *LSHIndex) UnmarshalBinary(data []byte) error {
	var state indexState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode index: %w", err)
	}
	if state.Version != indexFormatVersion {
		return fmt.Errorf("unsupported index format version %d", state.Version)
	}
	if state.Bands <= 0 || state.Rows <= 0 || state.Bands*state.Rows > state.NumPerm {
		return fmt.Errorf("invalid index shape: %d bands x %d rows over %d permutations",
			state.Bands, state.Rows, state.NumPerm)
	}
	if len(state.Keys) != len(state.Signatures) {
		return fmt.Errorf("index has %d keys but %d signatures", len(state.Keys), len(state.Signatures))
	}

	restored := newIndex(state.Threshold, state.NumPerm, state.Bands, state.Rows)
	for i, key := range state.Keys {
		if err := restored.Insert(key, state.Signatures[i]); err != nil {
			return fmt.Errorf("failed to restore %q: %w", key, err)
		}
	}

	*l = *restored
	return nil
}

func (l *LSHIndex) bandKey(sig Signature, band int) string {
	start := band * l.Rows
	buf := make([]byte, 4*l.Rows)
	for i := 0; i < l.Rows; i++ {
		binary.LittleEndian.PutUint32(buf[4*i:], sig[start+i])
	}
	return string(buf)
}
