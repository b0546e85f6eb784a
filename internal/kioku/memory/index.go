package memory

import (
	"errors"
	"math"
	"sort"
)

// ErrDimensionMismatch is returned when a vector's dimension does not match
// the index's fixed dimension. Callers on the request path treat it the same
// as an embedding failure and degrade to plain forwarding.
var ErrDimensionMismatch = errors.New("memory: vector dimension mismatch")

// Index is an exact (brute-force) inner-product index over unit-normalized
// vectors. Inner product on unit vectors equals cosine similarity, so scores
// are directly comparable against the configured similarity threshold.
//
// Exact search is O(n) per query, which is acceptable for a personal memory
// corpus bounded in the tens of thousands of entries; the embedding call
// already dominates per-query cost.
//
// An Index value is not safe for concurrent mutation. The Store serializes
// all appends and publishes immutable views for readers, so Search never
// observes a half-applied write.
type Index struct {
	dim     int
	ids     []int64
	vectors [][]float32
}

// SearchResult pairs a record id with its inner-product score.
type SearchResult struct {
	ID    int64
	Score float64
}

// NewIndex creates an empty index with the given fixed dimension.
func NewIndex(dim int) *Index {
	return &Index{dim: dim}
}

// Dimension returns the fixed vector dimension of the index.
func (ix *Index) Dimension() int { return ix.dim }

// Len returns the number of stored vectors.
func (ix *Index) Len() int { return len(ix.ids) }

// add appends a vector under the given id. The caller owns id assignment and
// must hold the store's write lock.
func (ix *Index) add(id int64, vec []float32) error {
	if len(vec) != ix.dim {
		return ErrDimensionMismatch
	}
	ix.ids = append(ix.ids, id)
	ix.vectors = append(ix.vectors, vec)
	return nil
}

// Search computes the inner product of query against every stored vector and
// returns at most k results with score >= threshold, ordered by strictly
// descending score. Ties are broken by ascending id so the earliest memory
// wins and result order is deterministic.
func (ix *Index) Search(query []float32, k int, threshold float64) ([]SearchResult, error) {
	if len(query) != ix.dim {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 || len(ix.ids) == 0 {
		return nil, nil
	}

	var candidates []SearchResult
	for i, vec := range ix.vectors {
		score := dot(query, vec)
		if score >= threshold {
			candidates = append(candidates, SearchResult{ID: ix.ids[i], Score: score})
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k], nil
}

// view returns a read-only copy of the index's slice headers. The backing
// arrays are shared with the live index; the single-writer discipline only
// ever appends past the published lengths, so a view is stable.
func (ix *Index) view() *Index {
	return &Index{dim: ix.dim, ids: ix.ids, vectors: ix.vectors}
}

// dot computes the inner product of two equal-length vectors in float64 to
// limit accumulation error.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize scales vec to unit L2 norm in place and reports the original
// norm. A zero vector is left untouched (norm 0 is returned so callers can
// reject it).
func Normalize(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return 0
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return norm
}
