package embedding

import (
	"context"
	"errors"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder embeds text via an OpenAI-compatible embeddings endpoint,
// used to rank internal/repo's Search results by cosine similarity.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder constructs a client from an explicit API key and model
// name (an empty model defaults to text-embedding-3-small).
func NewOpenAIEmbedder(apiKey string, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("embedding: api key required")
	}
	m := openai.EmbeddingModel(model)
	if model == "" {
		m = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), model: m}, nil
}

// NewOpenAIEmbedderFromEnv reads FLANES_EMBEDDING_API_KEY and
// FLANES_EMBEDDING_MODEL from the process environment, matching the
// configuration document's "embedding_*" field group (spec.md section 6).
func NewOpenAIEmbedderFromEnv() (*OpenAIEmbedder, error) {
	return NewOpenAIEmbedder(os.Getenv("FLANES_EMBEDDING_API_KEY"), os.Getenv("FLANES_EMBEDDING_MODEL"))
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding: empty response")
	}
	return resp.Data[0].Embedding, nil
}
