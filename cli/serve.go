package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/becomeliminal/nim-chat/cli/config"
	"github.com/becomeliminal/nim-chat/logging"
	"github.com/becomeliminal/nim-chat/server"
)

func cmdServe() *cli.Command {
	var addr string
	var allowedOrigins []string
	var storageCfg config.Storage
	var embedderCfg config.Embedder
	var memoryCfg config.Memory
	var anthropicCfg config.Anthropic

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP server address",
			Value:       ":8080",
			Sources:     cli.EnvVars("NIM_CHAT_ADDR"),
			Destination: &addr,
		},
		&cli.StringSliceFlag{
			Name:        "allowed-origin",
			Usage:       "Allowed WebSocket origin (repeatable). Empty allows any",
			Sources:     cli.EnvVars("NIM_CHAT_ALLOWED_ORIGINS"),
			Destination: &allowedOrigins,
		},
	}
	flags = append(flags, storageCfg.Flags()...)
	flags = append(flags, embedderCfg.Flags()...)
	flags = append(flags, memoryCfg.Flags()...)
	flags = append(flags, anthropicCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the WebSocket chat server",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logging.From(ctx).Info("serve configuration",
				"addr", addr,
				"allowed_origins", allowedOrigins,
				group("storage", storageCfg.LogAttrs()),
				group("embedder", embedderCfg.LogAttrs()),
				group("memory", memoryCfg.LogAttrs()),
				group("anthropic", anthropicCfg.LogAttrs()),
			)

			client, err := anthropicCfg.Configure()
			if err != nil {
				return err
			}

			mem, cleanup, err := openMemory(ctx, &storageCfg, &embedderCfg, &memoryCfg)
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := server.New(server.Config{
				NewTransport:   func() server.Transport { return client.Connect() },
				Memory:         mem.store,
				History:        mem.db,
				Persister:      mem.db,
				SimilarLimit:   memoryCfg.SimilarLimit(),
				AllowedOrigins: allowedOrigins,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to create server")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, addr)
		},
	}
}
