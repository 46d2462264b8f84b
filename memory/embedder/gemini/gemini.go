// Package gemini embeds text through a gollem LLM client, by default
// Gemini on Vertex AI.
package gemini

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	llm "github.com/m-mizutani/gollem/llm/gemini"
)

// DefaultDimensions is the output size requested when none is configured.
const DefaultDimensions = 768

// Embedder implements memory.Embedder with gollem.LLMClient.GenerateEmbedding.
type Embedder struct {
	client     gollem.LLMClient
	dimensions int
}

// New wraps an existing client.
func New(client gollem.LLMClient, dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Embedder{client: client, dimensions: dimensions}
}

// NewVertex connects to Gemini on Vertex AI.
func NewVertex(ctx context.Context, projectID, location string, dimensions int) (*Embedder, error) {
	client, err := llm.New(ctx, projectID, location)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Gemini client",
			goerr.V("project_id", projectID),
			goerr.V("location", location),
		)
	}
	return New(client, dimensions), nil
}

// Embed converts text to an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.client.GenerateEmbedding(ctx, e.dimensions, []string{text})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate embedding")
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, goerr.New("embedding generation returned empty result")
	}
	if len(embeddings[0]) != e.dimensions {
		return nil, goerr.New("embedding dimension mismatch",
			goerr.V("got", len(embeddings[0])),
			goerr.V("want", e.dimensions),
		)
	}

	vec := make([]float32, len(embeddings[0]))
	for i, v := range embeddings[0] {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
