// Package embedding maps report text and questions to vectors via an embedding model.
package embedding

// Embedding is the vector produced for one text unit or query.
type Embedding struct {
	Vector []float32 // 384 values for all-minilm
}

// Dimensions returns the dimensionality of the embedding.
func (e Embedding) Dimensions() int {
	return len(e.Vector)
}
