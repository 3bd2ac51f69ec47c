package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/example/go-voice-clone/internal/config"
	"github.com/example/go-voice-clone/internal/pipeline"
	"github.com/example/go-voice-clone/internal/server"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "voiceclone",
		Short:         "Zero-shot text-to-speech and voice conversion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(
		newSynthCmd(),
		newConvertCmd(),
		newVoiceCmd(),
		newBenchCmd(),
		newModelCmd(),
		newServeCmd(),
		newHealthCmd(),
		newDoctorCmd(),
	)

	return cmd
}

// setupLogger installs a JSON stderr logger as the slog default. Unknown
// levels fall back to info.
func setupLogger(level string) {
	lvl, err := server.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// requireConfig returns the config loaded by the root pre-run hook.
func requireConfig() (config.Config, error) {
	if activeCfg.Paths.ModelDir == "" {
		return config.Config{}, errors.New("config was not loaded; run through the voiceclone root command")
	}

	return activeCfg, nil
}

// openPipeline loads the model bundle on the configured device.
func openPipeline(ctx context.Context, cfg config.Config) (*pipeline.Pipeline, error) {
	return pipeline.FromPretrained(ctx, cfg.Runtime.Device,
		pipeline.WithConfig(cfg),
		pipeline.WithLogger(slog.Default()),
	)
}

// contextOrBackground guards commands executed without ExecuteContext.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
