package llm

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many tokens a text costs in a prompt.
type TokenCounter interface {
	Count(text string) int
}

// ApproxCounter assumes four characters per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter returns a cl100k_base counter, or ApproxCounter when the
// encoding cannot be loaded.
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken unavailable, approximating token counts", "error", err)
		return ApproxCounter{}
	}
	return tiktokenCounter{enc: enc}
}
