package memory

import "time"

// Config holds Store configuration.
type Config struct {
	// DefaultSearchLimit is used when Search is called with limit <= 0.
	// Default: 10
	DefaultSearchLimit int

	// MinSimilarity drops search results scoring below it [0.0-1.0].
	// Default: 0 (keep everything the index returns)
	// Note: all-MiniLM-L6-v2 scores ~0.35 for similar text, hosted models
	// land in the 0.7-0.85 range.
	MinSimilarity float64

	// DeletePageSize is the number of ids fetched per cascading delete page.
	// Default: 10000
	DeletePageSize int

	// EmbeddingCacheBytes bounds the embedding cache. 0 disables it.
	// Default: 32 MiB
	EmbeddingCacheBytes int64

	// DeletedCacheTTL is how long deleted conversation and space ids are
	// reused between searches. 0 reads them on every search.
	// Default: 5s
	DeletedCacheTTL time.Duration

	// VersionedBackpointers reads the parent back after writing its
	// ChildID and reports ErrVersionConflict when another writer landed
	// afterwards. The index has no conditional write, so a writer landing
	// before ours is still overwritten. When false the last writer wins
	// silently.
	// Default: false
	VersionedBackpointers bool

	// MaxThreadDepth bounds how far GetThread walks in each direction.
	// Default: 1000
	MaxThreadDepth int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	DefaultSearchLimit:    10,
	MinSimilarity:         0,
	DeletePageSize:        10000,
	EmbeddingCacheBytes:   32 << 20,
	DeletedCacheTTL:       5 * time.Second,
	VersionedBackpointers: false,
	MaxThreadDepth:        1000,
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		c = DefaultConfig
	}
	out := *c
	if out.DefaultSearchLimit <= 0 {
		out.DefaultSearchLimit = DefaultConfig.DefaultSearchLimit
	}
	if out.DeletePageSize <= 0 {
		out.DeletePageSize = DefaultConfig.DeletePageSize
	}
	if out.MaxThreadDepth <= 0 {
		out.MaxThreadDepth = DefaultConfig.MaxThreadDepth
	}
	return &out
}
