// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/viterin/vek/vek32"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors. Mismatched
// lengths and zero vectors score 0.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	normA := float64(vek32.Dot(a, a))
	normB := float64(vek32.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 0
	}
	return float64(vek32.Dot(a, b)) / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize scales v to unit length in place.
func Normalize(v Vector) {
	norm := math.Sqrt(float64(vek32.Dot(v, v)))
	if norm == 0 {
		return
	}
	vek32.MulNumber_Inplace(v, float32(1/norm))
}

// Config selects and configures an embedder.
type Config struct {
	Provider  string // "hash" | "openai" | "ollama"
	Model     string
	BaseURL   string
	APIKey    string
	Dims      int
	CacheSize int
}

// New builds the configured embedder, wrapped in an LRU cache when
// CacheSize is positive.
func New(cfg Config) (Embedder, error) {
	var e Embedder
	switch cfg.Provider {
	case "", "hash":
		e = NewHashEmbedder(cfg.Dims)
	case "openai":
		e = NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dims)
	case "ollama":
		e = NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dims)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		return NewCached(e, cfg.CacheSize)
	}
	return e, nil
}

// checkDims rejects provider output whose size disagrees with the configured
// dimensionality.
func checkDims(provider string, v Vector, dims int) (Vector, error) {
	if dims > 0 && len(v) != dims {
		return nil, fmt.Errorf("%s returned %d dimensions, expected %d", provider, len(v), dims)
	}
	return v, nil
}
