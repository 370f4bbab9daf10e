// Package similarity detects near-duplicate pages with MinHash signatures and
// banded locality-sensitive hashing.
package similarity

import (
	"hash/fnv"
	"iter"
	"math"
	"math/bits"
	"math/rand/v2"
)

const (
	// mersennePrime is the modulus of the universal hash family (a*x + b) mod p
	mersennePrime = (1 << 61) - 1
	maxHash       = math.MaxUint32
)

// Signature is a MinHash sketch: per permutation, the smallest hash of any token
type Signature []uint32

// MinHasher computes signatures. Permutation coefficients derive only from
// NumPerm and Seed, so the same configuration always yields the same signatures.
type MinHasher struct {
	NumPerm int
	Seed    uint64
	a, b    []uint64
}

func NewMinHasher(numPerm int, seed uint64) *MinHasher {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	m := &MinHasher{
		NumPerm: numPerm,
		Seed:    seed,
		a:       make([]uint64, numPerm),
		b:       make([]uint64, numPerm),
	}
	for i := 0; i < numPerm; i++ {
		m.a[i] = rng.Uint64N(mersennePrime-1) + 1
		m.b[i] = rng.Uint64N(mersennePrime)
	}
	return m
}

// Signature folds every distinct token into a fresh signature. An empty stream
// yields the all-max signature.
func (m *MinHasher) Signature(tokens iter.Seq[string]) Signature {
	sig := make(Signature, m.NumPerm)
	for i := range sig {
		sig[i] = maxHash
	}

	seen := make(map[string]struct{})
	for token := range tokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}

		h := hashToken(token)
		for i := range sig {
			if v := permute(h, m.a[i], m.b[i]); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// Jaccard estimates the Jaccard similarity of the token sets behind two signatures
func (s Signature) Jaccard(other Signature) float64 {
	if len(s) == 0 || len(s) != len(other) {
		return 0
	}
	equal := 0
	for i := range s {
		if s[i] == other[i] {
			equal++
		}
	}
	return float64(equal) / float64(len(s))
}

func hashToken(token string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(token))
	return h.Sum64()
}

func permute(h, a, b uint64) uint32 {
	hi, lo := bits.Mul64(a, h)
	lo, carry := bits.Add64(lo, b, 0)
	hi += carry
	return uint32(bits.Rem64(hi, lo, mersennePrime) & maxHash)
}
