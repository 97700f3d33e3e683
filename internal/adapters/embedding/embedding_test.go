package embedding

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestNullEmbedder_ReturnsNilVectorWithoutError(t *testing.T) {
	var e NullEmbedder
	vec, err := e.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vec != nil {
		t.Fatalf("expected a nil vector from the null embedder, got %v", vec)
	}
}

func TestNewOpenAIEmbedder_RequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIEmbedder("", "text-embedding-3-small"); err == nil {
		t.Fatal("expected an error when no API key is provided")
	}
}

func TestNewOpenAIEmbedder_DefaultsModelWhenEmpty(t *testing.T) {
	e, err := NewOpenAIEmbedder("fake-key", "")
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}
	if e == nil {
		t.Fatal("expected a non-nil embedder")
	}
	if e.model != openai.SmallEmbedding3 {
		t.Fatalf("expected default model %q, got %q", openai.SmallEmbedding3, e.model)
	}
}

func TestNewOpenAIEmbedderFromEnv_RequiresAPIKey(t *testing.T) {
	t.Setenv("FLANES_EMBEDDING_API_KEY", "")
	t.Setenv("FLANES_EMBEDDING_MODEL", "")
	if _, err := NewOpenAIEmbedderFromEnv(); err == nil {
		t.Fatal("expected an error when FLANES_EMBEDDING_API_KEY is unset")
	}
}
