package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/becomeliminal/nim-chat/annotate"
	"github.com/becomeliminal/nim-chat/cli/config"
)

func cmdPurge() *cli.Command {
	var conversationID string
	var spaceID string
	var storageCfg config.Storage
	var embedderCfg config.Embedder
	var memoryCfg config.Memory

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "conversation",
			Usage:       "Conversation ID to delete",
			Destination: &conversationID,
		},
		&cli.StringFlag{
			Name:        "space",
			Usage:       "Space ID to delete, with all of its conversations",
			Destination: &spaceID,
		},
	}
	flags = append(flags, storageCfg.Flags()...)
	flags = append(flags, embedderCfg.Flags()...)
	flags = append(flags, memoryCfg.Flags()...)

	return &cli.Command{
		Name:  "purge",
		Usage: "Soft-delete a conversation or space and remove its vectors",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if (conversationID == "") == (spaceID == "") {
				return goerr.New("exactly one of --conversation or --space is required")
			}

			mem, cleanup, err := openMemory(ctx, &storageCfg, &embedderCfg, &memoryCfg)
			if err != nil {
				return err
			}
			defer cleanup()

			bridge := annotate.New(mem.store, annotate.WithPurger(mem.db))

			var n int
			if conversationID != "" {
				n, err = bridge.PurgeConversation(ctx, conversationID)
			} else {
				n, err = bridge.PurgeSpace(ctx, spaceID)
			}
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(c.Root().Writer, "deleted %d vectors\n", n)
			return nil
		},
	}
}
