package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-chat/cli/config"
	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/memory"
	"github.com/becomeliminal/nim-chat/sqlstore"
)

// memoryStack is the relational store plus the vector memory built on it.
type memoryStack struct {
	db    *sqlstore.Store
	store *memory.Store
}

// openMemory opens storage and the embedder. cleanup releases all of them.
func openMemory(ctx context.Context, storageCfg *config.Storage, embedderCfg *config.Embedder, memoryCfg *config.Memory) (*memoryStack, func(), error) {
	db, err := storageCfg.ConfigureDB(ctx)
	if err != nil {
		return nil, nil, err
	}

	idx, err := storageCfg.ConfigureIndex(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	emb, closeEmbedder, err := embedderCfg.Configure(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	store, err := memory.NewStore(idx, emb, db, memoryCfg.Config())
	if err != nil {
		closeEmbedder()
		_ = db.Close()
		return nil, nil, goerr.Wrap(err, "failed to create memory store")
	}

	cleanup := func() {
		store.Close()
		closeEmbedder()
		if err := db.Close(); err != nil {
			logging.From(ctx).Error("failed to close database", logging.ErrAttr(err))
		}
	}
	return &memoryStack{db: db, store: store}, cleanup, nil
}
