package memory

import (
	"context"
)

// Metadata is the flat attribute map stored next to a vector. Values are
// string, float64, bool or []string.
type Metadata map[string]any

// Match is one nearest-neighbour hit returned by Index.Query.
type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// Vector is a stored embedding with its metadata, as returned by Index.Fetch.
type Vector struct {
	Values   []float32
	Metadata Metadata
}

// Index is the vector storage backend.
// Implementations: chromem (embedded), hosted indexes in production.
type Index interface {
	// Upsert writes or replaces the vector stored under id.
	Upsert(ctx context.Context, id string, values []float32, metadata Metadata) error

	// Query returns at most topK matches ordered by similarity, highest
	// first. A nil filter matches everything.
	Query(ctx context.Context, values []float32, topK int, filter *Filter) ([]Match, error)

	// Fetch returns the vectors stored under ids. Missing ids are absent
	// from the result.
	Fetch(ctx context.Context, ids []string) (map[string]Vector, error)

	// DeleteMany removes the given ids. Unknown ids are ignored.
	DeleteMany(ctx context.Context, ids []string) error
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local), gemini (hosted).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// DeletedSource lists conversations and spaces that were soft-deleted in
// the relational store. Their records must never surface in search.
type DeletedSource interface {
	DeletedConversationIDs(ctx context.Context) ([]string, error)
	DeletedSpaceIDs(ctx context.Context) ([]string, error)
}
