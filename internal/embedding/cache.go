package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder memoizes another embedder by text hash. Regeneration and
// repeated queries re-embed the same text often.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[[32]byte, Vector]
}

// NewCached wraps inner with an LRU cache holding up to size vectors.
func NewCached(inner Embedder, size int) (*CachedEmbedder, error) {
	cache, err := lru.New[[32]byte, Vector](size)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	key := sha256.Sum256([]byte(text))
	if v, ok := c.cache.Get(key); ok {
		return clone(v), nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, clone(v))
	return v, nil
}

func (c *CachedEmbedder) Dims() int { return c.inner.Dims() }

// Len reports the number of cached vectors.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }

func clone(v Vector) Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}
