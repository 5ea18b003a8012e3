package kb

import (
	"context"
	"encoding/binary"
	"math"
)

// Embedder abstracts the embedding backend used by the index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if either vector has zero magnitude or the lengths differ.
// The result is clamped to [-1, 1].
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return math.Max(-1, math.Min(1, sim))
}

// validVector reports whether v is usable for similarity: non-empty, finite
// and not all zeros.
func validVector(v []float64) bool {
	if len(v) == 0 {
		return false
	}
	nonZero := false
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
		if x != 0 {
			nonZero = true
		}
	}
	return nonZero
}

// EmbeddingToBlob serializes a float64 slice into a binary blob (little-endian).
func EmbeddingToBlob(emb []float64) []byte {
	buf := make([]byte, len(emb)*8)
	for i, v := range emb {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// BlobToEmbedding deserializes a binary blob back to a float64 slice.
// A nil or empty blob yields nil.
func BlobToEmbedding(blob []byte) []float64 {
	n := len(blob) / 8
	if n == 0 {
		return nil
	}
	emb := make([]float64, n)
	for i := 0; i < n; i++ {
		emb[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[i*8:]))
	}
	return emb
}

// embeddingText is the text embedded for an entry or a dedup candidate.
func embeddingText(title, snippet string) string {
	if snippet == "" {
		return title
	}
	return title + "\n" + snippet
}
