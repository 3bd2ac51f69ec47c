package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/bench"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		text         string
		voice        string
		ref          string
		runs         int
		warmup       int
		format       string
		cpuProfile   string
		rtfThreshold float64
		ctl          controlFlags
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark synthesis latency and realtime factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text is required for bench")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			ctx := contextOrBackground(cmd.Context())

			p, err := openPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			speak, err := newSpeaker(ctx, p, cfg, voice, ref)
			if err != nil {
				return err
			}

			controls := ctl.apply(cmd.Flags(), p.DefaultControls())

			rep, err := bench.Run(ctx, bench.Options{
				Runs:       runs,
				Warmup:     warmup,
				CPUProfile: cpuProfile,
			}, func(ctx context.Context) (audio.Waveform, int, error) {
				res, err := speak(ctx, text, controls)
				if err != nil {
					return audio.Waveform{}, 0, err
				}
				return res.Waveform, len(res.Tokens), nil
			})
			if err != nil {
				return err
			}

			switch format {
			case "json":
				if err := bench.FormatJSON(rep, cmd.OutOrStdout()); err != nil {
					return err
				}
			default:
				bench.FormatTable(rep, cmd.OutOrStdout())
			}

			return bench.CheckRTFThreshold(rep.MeanRTF, rtfThreshold)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize for each run (required)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice ID from the voices directory")
	cmd.Flags().StringVar(&ref, "ref", "", "Reference audio to clone")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of timed synthesis runs")
	cmd.Flags().IntVar(&warmup, "warmup", 1, "Untimed runs before measuring")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile of the timed runs to this file")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Exit non-zero if mean RTF exceeds this value (0 = disabled)")
	ctl.register(cmd.Flags())

	return cmd
}
