package vocoder

import (
	"context"
	"fmt"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/config"
	"github.com/example/go-voice-clone/internal/model"
	"github.com/example/go-voice-clone/internal/onnx"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
)

// Graph port names of an exported vocoder.
const (
	InputTokens    = "speech_tokens"
	InputSpeaker   = "speaker_embedding"
	OutputWaveform = "waveform"
)

// ONNX runs an exported single-graph vocoder.
type ONNX struct {
	runner *onnx.Runner
	rate   int
}

// LoadONNX opens the graph at path. An empty library path is resolved with
// onnx.DetectRuntime.
func LoadONNX(path string, sampleRate int, cfg onnx.RunnerConfig) (*ONNX, error) {
	if cfg.LibraryPath == "" {
		info, err := onnx.DetectRuntime(config.RuntimeConfig{})
		if err != nil {
			return nil, fmt.Errorf("vocoder: %w", err)
		}

		cfg.LibraryPath = info.LibraryPath
	}

	r, err := onnx.NewRunner("vocoder", path, cfg)
	if err != nil {
		return nil, fmt.Errorf("vocoder: %w", err)
	}

	return &ONNX{runner: r, rate: sampleRate}, nil
}

func (v *ONNX) SampleRate() int { return v.rate }

func (v *ONNX) Variant() string { return model.VariantONNX }

func (v *ONNX) Close() error {
	v.runner.Close()

	return nil
}

func (v *ONNX) Synthesize(ctx context.Context, tokens []int64, embedding []float32) (audio.Waveform, error) {
	if err := ValidateTokens(tokens); err != nil {
		return audio.Waveform{}, err
	}

	if len(embedding) == 0 {
		return audio.Waveform{}, &verrors.VocodingError{Reason: "speaker embedding is empty"}
	}

	if err := ctx.Err(); err != nil {
		return audio.Waveform{}, verrors.Cancelled("vocode", err)
	}

	tok, err := onnx.NewTensor(tokens, []int64{1, int64(len(tokens))})
	if err != nil {
		return audio.Waveform{}, &verrors.VocodingError{Reason: "token tensor", Cause: err}
	}

	spk, err := onnx.NewTensor(embedding, []int64{1, int64(len(embedding))})
	if err != nil {
		return audio.Waveform{}, &verrors.VocodingError{Reason: "speaker tensor", Cause: err}
	}

	out, err := v.runner.Run(ctx, map[string]*onnx.Tensor{InputTokens: tok, InputSpeaker: spk})
	if err != nil {
		return audio.Waveform{}, &verrors.VocodingError{Reason: "run graph", Cause: err}
	}

	wave, ok := out[OutputWaveform]
	if !ok {
		return audio.Waveform{}, &verrors.VocodingError{Reason: "graph has no " + OutputWaveform + " output"}
	}

	samples, err := wave.Float32s()
	if err != nil {
		return audio.Waveform{}, &verrors.VocodingError{Reason: "decode output", Cause: err}
	}

	clampOutput(samples)

	return audio.Waveform{Samples: samples, SampleRate: v.rate}, nil
}
