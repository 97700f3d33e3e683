// Package embedding provides reference implementations of the repo
// package's Embedder collaborator: an OpenAI-compatible client for real
// semantic search, and a no-op fallback for when no API key is configured.
package embedding

import "context"

// Embedder mirrors internal/repo's Embedder interface so adapters here
// don't need to import the repo package.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
