package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/memory/index/chromem"
	"github.com/becomeliminal/nim-chat/sqlstore"
)

// Storage holds CLI flags for the relational store and the vector index.
type Storage struct {
	dbPath     string
	indexPath  string
	compress   bool
	collection string
}

// Flags returns CLI flags for storage configuration
func (s *Storage) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db-path",
			Usage:       "SQLite database file for conversations and messages (" + sqlstore.MemoryPath + " keeps it in memory)",
			Value:       "nim-chat.db",
			Category:    "Storage",
			Sources:     cli.EnvVars("NIM_CHAT_DB_PATH"),
			Destination: &s.dbPath,
		},
		&cli.StringFlag{
			Name:        "index-path",
			Usage:       "Directory persisting the vector index. Empty keeps it in memory",
			Category:    "Storage",
			Sources:     cli.EnvVars("NIM_CHAT_INDEX_PATH"),
			Destination: &s.indexPath,
		},
		&cli.BoolFlag{
			Name:        "index-compress",
			Usage:       "Gzip persisted vector index files",
			Category:    "Storage",
			Sources:     cli.EnvVars("NIM_CHAT_INDEX_COMPRESS"),
			Destination: &s.compress,
		},
		&cli.StringFlag{
			Name:        "index-collection",
			Usage:       "Vector index collection name",
			Value:       chromem.DefaultCollection,
			Category:    "Storage",
			Sources:     cli.EnvVars("NIM_CHAT_INDEX_COLLECTION"),
			Destination: &s.collection,
		},
	}
}

// LogAttrs returns log attributes for the storage configuration
func (s *Storage) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("db_path", s.dbPath),
		slog.String("index_path", s.indexPath),
		slog.Bool("index_compress", s.compress),
		slog.String("index_collection", s.collection),
	}
}

// ConfigureDB opens the relational store. The caller closes it.
func (s *Storage) ConfigureDB(ctx context.Context) (*sqlstore.Store, error) {
	if s.dbPath == "" {
		return nil, goerr.New("db-path is required")
	}
	db, err := sqlstore.New(ctx, s.dbPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", s.dbPath))
	}
	return db, nil
}

// ConfigureIndex opens the vector index.
func (s *Storage) ConfigureIndex(ctx context.Context) (*chromem.Index, error) {
	idx, err := chromem.New(chromem.Config{
		Path:       s.indexPath,
		Compress:   s.compress,
		Collection: s.collection,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open vector index", goerr.V("path", s.indexPath))
	}
	if s.indexPath == "" {
		logging.From(ctx).Warn("vector index is in memory and will not survive a restart")
	}
	return idx, nil
}
