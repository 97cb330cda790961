package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
		delta    float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0, 0.001},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0, 0.001},
		{"similar", Vector{1, 1, 0}, Vector{1, 0, 0}, 0.707, 0.01},
		{"scaled", Vector{2, 0, 0}, Vector{0.5, 0, 0}, 1.0, 0.001},
		{"empty", Vector{}, Vector{}, 0.0, 0.001},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0, 0.001},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.delta {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f (±%f)", tt.a, tt.b, got, tt.expected, tt.delta)
			}
		})
	}
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(128)

	a, _ := e.Embed(ctx, "The dragon sleeps beneath the mountain")
	b, _ := e.Embed(ctx, "the DRAGON sleeps beneath the mountain!")
	c, _ := e.Embed(ctx, "Invoices are due on the first of the month")

	if len(a) != 128 || e.Dims() != 128 {
		t.Fatalf("expected 128 dims, got %d", len(a))
	}
	if sim := CosineSimilarity(a, b); sim < 0.99 {
		t.Errorf("expected near-identical texts to match, got %f", sim)
	}
	if CosineSimilarity(a, c) >= CosineSimilarity(a, b) {
		t.Error("unrelated text should score lower than a paraphrase")
	}
	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 0.001 {
		t.Errorf("expected unit vector, got norm %f", norm)
	}
}

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	c.calls++
	return Vector{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) Dims() int { return 2 }

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	c, err := NewCached(inner, 2)
	if err != nil {
		t.Fatalf("new cached: %v", err)
	}

	v1, _ := c.Embed(ctx, "one")
	v1[0] = 99 // callers may mutate their copy
	v2, _ := c.Embed(ctx, "one")
	if inner.calls != 1 {
		t.Errorf("expected 1 inner call, got %d", inner.calls)
	}
	if v2[0] != 3 {
		t.Errorf("cached vector was mutated: %v", v2)
	}

	c.Embed(ctx, "two")
	c.Embed(ctx, "three")
	if c.Len() != 2 {
		t.Errorf("expected cache bounded at 2, got %d", c.Len())
	}
	c.Embed(ctx, "one")
	if inner.calls != 4 {
		t.Errorf("expected evicted entry to be recomputed, got %d calls", inner.calls)
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "all-minilm", 3)
	v, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(v) != 3 {
		t.Errorf("expected 3 dims, got %d", len(v))
	}

	wrong := NewOllamaEmbedder(srv.URL, "all-minilm", 4)
	if _, err := wrong.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestNew(t *testing.T) {
	e, err := New(Config{Provider: "hash", Dims: 16, CacheSize: 8})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := e.(*CachedEmbedder); !ok {
		t.Errorf("expected cached embedder, got %T", e)
	}
	if e.Dims() != 16 {
		t.Errorf("expected 16 dims, got %d", e.Dims())
	}

	if _, err := New(Config{Provider: "word2vec"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
