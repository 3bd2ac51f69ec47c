package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/spf13/cobra"
)

func newConvertCmd() *cobra.Command {
	var source, target, out string

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Re-voice source audio in the voice of a target clip",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if source == "" || target == "" {
				return errors.New("--source and --target are required")
			}

			src, err := audio.Load(source)
			if err != nil {
				return err
			}
			tgt, err := audio.Load(target)
			if err != nil {
				return err
			}

			ctx := contextOrBackground(cmd.Context())

			p, err := openPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			res, err := p.ConvertVoice(ctx, src, tgt)
			if err != nil {
				return err
			}

			slog.Info("converted", "tokens", len(res.Tokens), "seconds", res.Waveform.Seconds())

			data, err := audio.EncodeWAV(res.Waveform)
			if err != nil {
				return fmt.Errorf("encode WAV: %w", err)
			}

			return writeSynthOutput(out, data, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Audio whose content is kept (WAV or MP3)")
	cmd.Flags().StringVar(&target, "target", "", "Audio whose voice is applied (WAV or MP3)")
	cmd.Flags().StringVar(&out, "out", "converted.wav", "Output WAV path ('-' for stdout)")

	return cmd
}
