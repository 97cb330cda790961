package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rcliao/storyloom/internal/errs"
)

// openAIRequestTimeout bounds each attempt when the caller's context has no
// deadline.
const openAIRequestTimeout = 30 * time.Second

// OpenAIEmbedder uses any OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims == 0 {
		dims = 1536
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(openAIRequestTimeout),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIEmbedder{client: &client, model: model, dims: dims}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: openai.Int(int64(e.dims)),
	})
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("openai embeddings: %w", err))
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	vec := make(Vector, len(resp.Data[0].Embedding))
	for i, x := range resp.Data[0].Embedding {
		vec[i] = float32(x)
	}
	return checkDims("openai", vec, e.dims)
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }
