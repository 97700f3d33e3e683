package embedding

import "context"

// NullEmbedder is the default Embedder when no embedding_* configuration is
// present: Search falls back to pure substring ranking.
type NullEmbedder struct{}

func (NullEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, nil
}
