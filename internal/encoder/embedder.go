package encoder

import (
	"hash/fnv"
	"math"
	"strings"
)

// Dimensions is the width of every vector produced by this package.
const Dimensions = 384

// Embedder turns text into fixed-width vectors. The worker process hosts
// one; tests use the deterministic hash implementation directly.
type Embedder interface {
	Embed(text string) ([]float32, error)
	EmbedBatch(texts []string) ([][]float32, error)
	Close() error
}

// HashEmbedder is a deterministic, dependency-free embedder. Equal strings
// map to equal unit vectors, and token overlap produces loosely correlated
// vectors, which is enough signal for tests and for running without model
// files on disk.
type HashEmbedder struct{}

func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{} }

func (h *HashEmbedder) Embed(text string) ([]float32, error) {
	vec := make([]float64, Dimensions)

	// Accumulate a pseudo-random walk per token so shared tokens pull
	// vectors together.
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		state := f.Sum64()
		for i := 0; i < Dimensions; i++ {
			state = state*6364136223846793005 + 1442695040888963407
			vec[i] += float64(int64(state>>33))/float64(1<<30) - 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, Dimensions)
	if norm == 0 {
		out[0] = 1
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (h *HashEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashEmbedder) Close() error { return nil }
