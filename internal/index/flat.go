// Package index provides an exhaustive nearest-neighbor index over fixed-size vectors.
package index

import (
	"errors"
	"fmt"
	"sort"
)

// Errors returned by index operations.
var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrInvalidK          = errors.New("k must be at least 1")
	ErrInvalidDimensions = errors.New("dimensions must be positive")
)

// Hit is one search result: a position in insertion order and its distance
// to the query.
type Hit struct {
	Position int     `json:"position"`
	Distance float32 `json:"distance"`
}

// Flat is an exhaustive L2 index. Vectors are stored row-major in insertion
// order and a vector's position never changes. It is safe for concurrent
// searches once no more vectors are being added.
type Flat struct {
	dim  int
	data []float32
}

// NewFlat creates an empty index for vectors of the given dimensionality.
func NewFlat(dim int) (*Flat, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDimensions, dim)
	}
	return &Flat{dim: dim}, nil
}

// Build creates an index holding vectors in the given order.
func Build(dim int, vectors [][]float32) (*Flat, error) {
	idx, err := NewFlat(dim)
	if err != nil {
		return nil, err
	}
	idx.data = make([]float32, 0, dim*len(vectors))
	for i, v := range vectors {
		if err := idx.Add(v); err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
	}
	return idx, nil
}

// Add appends a vector; its position is the previous Len().
func (f *Flat) Add(v []float32) error {
	if len(v) != f.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), f.dim)
	}
	f.data = append(f.data, v...)
	return nil
}

// Len returns the number of vectors in the index.
func (f *Flat) Len() int {
	return len(f.data) / f.dim
}

// Dimensions returns the vector dimensionality.
func (f *Flat) Dimensions() int {
	return f.dim
}

// Vector returns the vector stored at position i. The slice aliases index memory.
func (f *Flat) Vector(i int) []float32 {
	return f.data[i*f.dim : (i+1)*f.dim]
}

// SquaredL2 returns the squared Euclidean distance between two equal-length vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Search returns the k vectors nearest to query by squared L2 distance,
// nearest first. Equal distances are ordered by position. When k exceeds
// Len() every vector is returned.
func (f *Flat) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), f.dim)
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}

	n := f.Len()
	hits := make([]Hit, n)
	for i := 0; i < n; i++ {
		hits[i] = Hit{Position: i, Distance: SquaredL2(query, f.Vector(i))}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})

	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}
