// Package chromem implements memory.Index on chromem-go, a pure Go
// embedded vector database.
package chromem

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/memory"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultCollection is used when Config.Collection is empty.
const DefaultCollection = "messages"

// Config selects where the index lives.
type Config struct {
	// Path persists the database under this directory. Empty keeps it in
	// memory only.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// Collection names the chromem collection.
	Collection string
}

// Index stores message vectors in one chromem collection.
// chromem filters metadata by exact string match only, so filters are
// evaluated here with memory.Filter.Match after the similarity ranking.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection

	// mu serializes writes against reads of the same collection.
	mu sync.RWMutex
}

// New opens the index.
func New(cfg Config) (*Index, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open persistent chromem db", goerr.V("path", cfg.Path))
		}
	} else {
		db = chromem.NewDB()
	}

	name := cfg.Collection
	if name == "" {
		name = DefaultCollection
	}
	col, err := db.GetOrCreateCollection(
		name,
		nil, // No collection metadata
		nil, // No embedding func (we provide embeddings)
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open collection", goerr.V("collection", name))
	}

	return &Index{db: db, col: col}, nil
}

// Upsert saves a vector with its metadata. chromem replaces a document
// added under an existing id.
func (x *Index) Upsert(ctx context.Context, id string, values []float32, metadata memory.Metadata) error {
	if isZero(values) {
		return goerr.New("cannot index a zero vector", goerr.V("id", id))
	}
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return goerr.Wrap(err, "failed to encode metadata", goerr.V("id", id))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	doc := chromem.Document{
		ID:        id,
		Embedding: slices.Clone(values),
		Metadata:  encoded,
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to add document", goerr.V("id", id))
	}
	return nil
}

// Query ranks every document by cosine similarity and returns the best
// topK that pass filter.
func (x *Index) Query(ctx context.Context, values []float32, topK int, filter *memory.Filter) ([]memory.Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	count := x.col.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem-go requires nResults <= collection size. A filter may reject
	// any of the top hits, so rank everything when one is set.
	n := min(topK, count)
	if filter != nil {
		n = count
	}

	results, err := x.col.QueryEmbedding(ctx, values, n, nil, nil)
	if err != nil {
		if isInsufficientDocsError(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "chromem query failed", goerr.V("n_results", n))
	}

	logger := logging.From(ctx)
	matches := make([]memory.Match, 0, min(topK, len(results)))
	for _, r := range results {
		md, err := decodeMetadata(r.Metadata)
		if err != nil {
			logger.Warn("skipping undecodable document", "component", "chromem", "id", r.ID, logging.ErrAttr(err))
			continue
		}
		if !filter.Match(md) {
			continue
		}
		matches = append(matches, memory.Match{ID: r.ID, Score: r.Similarity, Metadata: md})
		if len(matches) == topK {
			break
		}
	}
	return matches, nil
}

// Fetch returns the stored vectors for ids.
func (x *Index) Fetch(ctx context.Context, ids []string) (map[string]memory.Vector, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[string]memory.Vector, len(ids))
	for _, id := range ids {
		doc, err := x.col.GetByID(ctx, id)
		if err != nil {
			if isNotFoundError(err) {
				continue
			}
			return nil, goerr.Wrap(err, "failed to get document", goerr.V("id", id))
		}
		md, err := decodeMetadata(doc.Metadata)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to decode metadata", goerr.V("id", id))
		}
		out[id] = memory.Vector{Values: slices.Clone(doc.Embedding), Metadata: md}
	}
	return out, nil
}

// DeleteMany removes ids.
func (x *Index) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.col.Delete(ctx, nil, nil, ids...); err != nil {
		return goerr.Wrap(err, "failed to delete documents", goerr.V("ids", len(ids)))
	}
	return nil
}

// Count returns the number of stored documents.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.col.Count()
}

// encodeMetadata stores each value as JSON since chromem metadata is
// string-valued.
func encodeMetadata(md memory.Metadata) (map[string]string, error) {
	out := make(map[string]string, len(md))
	for k, v := range md {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to marshal metadata value", goerr.V("key", k))
		}
		out[k] = string(raw)
	}
	return out, nil
}

func decodeMetadata(src map[string]string) (memory.Metadata, error) {
	out := make(memory.Metadata, len(src))
	for k, raw := range src {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, goerr.Wrap(err, "failed to unmarshal metadata value", goerr.V("key", k))
		}
		if list, ok := v.([]any); ok {
			v = toStrings(list)
		}
		out[k] = v
	}
	return out, nil
}

func toStrings(list []any) any {
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return list
		}
		out = append(out, s)
	}
	return out
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

func isNotFoundError(err error) bool {
	return strings.Contains(err.Error(), "not found")
}
