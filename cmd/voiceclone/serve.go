package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/example/go-voice-clone/internal/server"
	"github.com/example/go-voice-clone/internal/voices"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the voiceclone HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := openPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			vm, err := voices.Open(cfg.Paths.VoicesDir)
			if err != nil {
				return err
			}

			return server.New(cfg, p, vm, slog.Default()).Start(ctx)
		},
	}
}
