package config

import (
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/becomeliminal/nim-chat/annotate"
	"github.com/becomeliminal/nim-chat/memory"
)

// Memory holds CLI flags tuning vector memory search.
type Memory struct {
	similarLimit  int
	minSimilarity float64
	cacheBytes    int64
	deletedTTL    time.Duration
	versioned     bool
}

// Flags returns CLI flags for memory configuration
func (m *Memory) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "similar-limit",
			Usage:       "Similar past messages attached to each reply",
			Value:       annotate.DefaultLimit,
			Category:    "Memory",
			Sources:     cli.EnvVars("NIM_CHAT_SIMILAR_LIMIT"),
			Destination: &m.similarLimit,
		},
		&cli.FloatFlag{
			Name:        "min-similarity",
			Usage:       "Drop search hits scoring below this value (0 keeps all)",
			Value:       memory.DefaultConfig.MinSimilarity,
			Category:    "Memory",
			Sources:     cli.EnvVars("NIM_CHAT_MIN_SIMILARITY"),
			Destination: &m.minSimilarity,
		},
		&cli.Int64Flag{
			Name:        "embedding-cache-bytes",
			Usage:       "Embedding cache size in bytes (0 disables it)",
			Value:       memory.DefaultConfig.EmbeddingCacheBytes,
			Category:    "Memory",
			Sources:     cli.EnvVars("NIM_CHAT_EMBEDDING_CACHE_BYTES"),
			Destination: &m.cacheBytes,
		},
		&cli.DurationFlag{
			Name:        "deleted-cache-ttl",
			Usage:       "How long deleted conversation ids are reused between searches",
			Value:       memory.DefaultConfig.DeletedCacheTTL,
			Category:    "Memory",
			Sources:     cli.EnvVars("NIM_CHAT_DELETED_CACHE_TTL"),
			Destination: &m.deletedTTL,
		},
		&cli.BoolFlag{
			Name:        "versioned-backpointers",
			Usage:       "Re-check a parent's version before linking a reply to it",
			Category:    "Memory",
			Sources:     cli.EnvVars("NIM_CHAT_VERSIONED_BACKPOINTERS"),
			Destination: &m.versioned,
		},
	}
}

// LogAttrs returns log attributes for the memory configuration
func (m *Memory) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.Int("similar_limit", m.similarLimit),
		slog.Float64("min_similarity", m.minSimilarity),
		slog.Int64("embedding_cache_bytes", m.cacheBytes),
		slog.Duration("deleted_cache_ttl", m.deletedTTL),
		slog.Bool("versioned_backpointers", m.versioned),
	}
}

// SimilarLimit returns the number of similar messages per reply.
func (m *Memory) SimilarLimit() int {
	return m.similarLimit
}

// Config returns the memory store configuration.
func (m *Memory) Config() *memory.Config {
	cfg := *memory.DefaultConfig
	cfg.MinSimilarity = m.minSimilarity
	cfg.EmbeddingCacheBytes = m.cacheBytes
	cfg.DeletedCacheTTL = m.deletedTTL
	cfg.VersionedBackpointers = m.versioned
	return &cfg
}
