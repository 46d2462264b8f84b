package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

const (
	deletedConversationsKey = "deleted:conversations"
	deletedSpacesKey        = "deleted:spaces"
)

// cache holds embeddings keyed by content hash and the short-lived deleted
// id lists. A nil *cache disables caching.
type cache struct {
	c          *ristretto.Cache
	embeddings bool
	deletedTTL time.Duration
}

func newCache(maxBytes int64, deletedTTL time.Duration) (*cache, error) {
	if maxBytes <= 0 && deletedTTL <= 0 {
		return nil, nil
	}
	embeddings := maxBytes > 0
	if !embeddings {
		// Room for the two deleted id lists only.
		maxBytes = 1 << 20
	}
	// A 384-dim embedding costs ~1.5 KiB; ristretto wants ~10 counters per item.
	counters := max(maxBytes/1536*10, 1000)
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create memory cache", goerr.V("max_bytes", maxBytes))
	}
	return &cache{c: c, embeddings: embeddings, deletedTTL: deletedTTL}, nil
}

func embeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + hex.EncodeToString(sum[:])
}

func (c *cache) embedding(text string) ([]float32, bool) {
	if c == nil || !c.embeddings {
		return nil, false
	}
	v, ok := c.c.Get(embeddingKey(text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return slices.Clone(vec), ok
}

func (c *cache) setEmbedding(text string, vec []float32) {
	if c == nil || !c.embeddings {
		return
	}
	c.c.Set(embeddingKey(text), slices.Clone(vec), int64(len(vec)*4))
}

func (c *cache) deleted(key string) ([]string, bool) {
	if c == nil || c.deletedTTL <= 0 {
		return nil, false
	}
	v, ok := c.c.Get(key)
	if !ok {
		return nil, false
	}
	ids, ok := v.([]string)
	return ids, ok
}

func (c *cache) setDeleted(key string, ids []string) {
	if c == nil || c.deletedTTL <= 0 {
		return
	}
	var cost int64 = 1
	for _, id := range ids {
		cost += int64(len(id))
	}
	c.c.SetWithTTL(key, slices.Clone(ids), cost, c.deletedTTL)
}

func (c *cache) invalidateDeleted() {
	if c == nil {
		return
	}
	c.c.Del(deletedConversationsKey)
	c.c.Del(deletedSpacesKey)
}

func (c *cache) close() {
	if c != nil {
		c.c.Close()
	}
}
