package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/conditioning"
	"github.com/example/go-voice-clone/internal/config"
	"github.com/example/go-voice-clone/internal/pipeline"
	textpkg "github.com/example/go-voice-clone/internal/text"
	"github.com/example/go-voice-clone/internal/voices"
	"github.com/spf13/cobra"
)

func newSynthCmd() *cobra.Command {
	var (
		text          string
		out           string
		voice         string
		ref           string
		chunk         bool
		maxChunkChars int
		chunkGap      time.Duration
		timeout       time.Duration
		dsp           synthDSPOptions
		ctl           controlFlags
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to WAV in a reference or stored voice",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			inputText, err := readSynthText(text, cmd.InOrStdin())
			if err != nil {
				return err
			}

			if voice != "" && ref != "" {
				return fmt.Errorf("--voice and --ref are mutually exclusive")
			}

			ctx := contextOrBackground(cmd.Context())
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

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

			chunks := []string{inputText}
			if chunk {
				chunks = buildSynthesisChunks(inputText, maxChunkChars)
			}

			w, err := synthesizeChunks(ctx, speak, chunks, controls, chunkGap)
			if err != nil {
				return err
			}

			w = applyDSP(w, dsp)

			data, err := audio.EncodeWAV(w)
			if err != nil {
				return fmt.Errorf("encode WAV: %w", err)
			}

			return writeSynthOutput(out, data, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice ID from the voices directory")
	cmd.Flags().StringVar(&ref, "ref", "", "Reference audio (WAV or MP3) to clone")
	cmd.Flags().BoolVar(&chunk, "chunk", false, "Split text into sentence chunks and synthesize sequentially")
	cmd.Flags().IntVar(&maxChunkChars, "max-chunk-chars", 220, "Maximum characters per chunk when --chunk is enabled")
	cmd.Flags().DurationVar(&chunkGap, "chunk-gap", 0, "Silence inserted between chunks")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort synthesis after this duration (0 = no limit)")
	cmd.Flags().BoolVar(&dsp.Normalize, "normalize", false, "Peak-normalize output audio")
	cmd.Flags().BoolVar(&dsp.DCBlock, "dc-block", false, "Apply DC-block high-pass filter")
	cmd.Flags().Float64Var(&dsp.FadeInMS, "fade-in-ms", 0, "Apply linear fade-in duration in milliseconds")
	cmd.Flags().Float64Var(&dsp.FadeOutMS, "fade-out-ms", 0, "Apply linear fade-out duration in milliseconds")
	ctl.register(cmd.Flags())

	return cmd
}

type synthDSPOptions struct {
	Normalize bool
	DCBlock   bool
	FadeInMS  float64
	FadeOutMS float64
}

// speakFunc synthesizes one chunk of text in an already chosen voice.
type speakFunc func(ctx context.Context, text string, c conditioning.Controls) (*pipeline.Result, error)

// newSpeaker resolves the voice once. A reference clip is conditioned a
// single time and reused for every chunk; with neither --voice nor --ref the
// bundle's default voice is used.
func newSpeaker(ctx context.Context, p *pipeline.Pipeline, cfg config.Config, voice, ref string) (speakFunc, error) {
	var spk conditioning.Speaker

	switch {
	case ref != "":
		w, err := audio.Load(ref)
		if err != nil {
			return nil, err
		}

		spk, err = p.Condition(ctx, w)
		if err != nil {
			return nil, err
		}
	case voice != "":
		vm, err := voices.Open(cfg.Paths.VoicesDir)
		if err != nil {
			return nil, err
		}

		spk, err = vm.Load(voice)
		if err != nil {
			return nil, fmt.Errorf("resolve --voice %q: %w", voice, err)
		}
	default:
		return func(ctx context.Context, text string, c conditioning.Controls) (*pipeline.Result, error) {
			return p.SynthesizeText(ctx, text, nil, c)
		}, nil
	}

	return func(ctx context.Context, text string, c conditioning.Controls) (*pipeline.Result, error) {
		return p.SynthesizeWithSpeaker(ctx, text, spk, c)
	}, nil
}

func buildSynthesisChunks(input string, maxChunkChars int) []string {
	chunks := textpkg.ChunkBySentence(input, maxChunkChars)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func synthesizeChunks(ctx context.Context, speak speakFunc, chunks []string, c conditioning.Controls, gap time.Duration) (audio.Waveform, error) {
	parts := make([]audio.Waveform, 0, len(chunks))

	for i, chunkText := range chunks {
		res, err := speak(ctx, chunkText, c)
		if err != nil {
			return audio.Waveform{}, fmt.Errorf("chunk %d synthesis failed: %w", i+1, err)
		}

		slog.Info("synthesized",
			"chunk", i+1,
			"tokens", len(res.Tokens),
			"state", res.State.String(),
			"seed", res.Seed,
			"seconds", res.Waveform.Seconds(),
			"partial", res.Partial,
		)

		parts = append(parts, res.Waveform)
	}

	return audio.Concat(parts, gap)
}

func applyDSP(w audio.Waveform, opts synthDSPOptions) audio.Waveform {
	rate := w.SampleRate

	var hooks []audio.Hook
	if opts.Normalize {
		hooks = append(hooks, func(s []float32) []float32 { return audio.PeakNormalize(s, 0.95) })
	}
	if opts.DCBlock {
		hooks = append(hooks, func(s []float32) []float32 { return audio.DCBlock(s, rate) })
	}
	if opts.FadeInMS > 0 {
		hooks = append(hooks, func(s []float32) []float32 { return audio.FadeIn(s, rate, opts.FadeInMS) })
	}
	if opts.FadeOutMS > 0 {
		hooks = append(hooks, func(s []float32) []float32 { return audio.FadeOut(s, rate, opts.FadeOutMS) })
	}

	return audio.Waveform{Samples: audio.ApplyHooks(w.Samples, hooks...), SampleRate: rate}
}

func writeSynthOutput(outPath string, wavData []byte, stdout io.Writer) error {
	if outPath == "-" {
		_, err := stdout.Write(wavData)
		return err
	}
	return os.WriteFile(outPath, wavData, 0o644)
}

func readSynthText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	input := strings.TrimSpace(string(b))
	if input == "" {
		return "", fmt.Errorf("either provide --text or pipe text on stdin")
	}
	return input, nil
}
