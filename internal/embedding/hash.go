package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder is an offline embedder using feature hashing over word tokens
// and character trigrams. Texts sharing vocabulary score higher; it needs no
// network and is deterministic.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hashing embedder. Dims defaults to 384.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	vec := make(Vector, h.dims)
	for _, tok := range tokenize(text) {
		h.add(vec, "w:"+tok, 1.0)
		padded := " " + tok + " "
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			h.add(vec, "t:"+string(runes[i:i+3]), 0.5)
		}
	}
	Normalize(vec)
	return vec, nil
}

func (h *HashEmbedder) Dims() int { return h.dims }

func (h *HashEmbedder) add(vec Vector, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
