// Package vocoder turns acoustic tokens and a speaker embedding into a
// 24 kHz waveform.
package vocoder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/model"
	"github.com/example/go-voice-clone/internal/nn"
	"github.com/example/go-voice-clone/internal/onnx"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
)

// TokenVocab is the number of valid acoustic tokens.
const TokenVocab = 6561

// Vocoder synthesizes audio. Implementations are read-only after Load and
// safe for concurrent use.
type Vocoder interface {
	Synthesize(ctx context.Context, tokens []int64, embedding []float32) (audio.Waveform, error)
	SampleRate() int
	Variant() string
	Close() error
}

// Config carries the runtime knobs that are not part of the checkpoint.
type Config struct {
	FlowSteps int
	FlowSeed  int64
	Runner    onnx.RunnerConfig
}

func DefaultConfig() Config {
	return Config{FlowSteps: 10}
}

// Load opens the vocoder described by the bundle. The variant comes from
// bundle.yaml, then the file extension, then the checkpoint metadata.
func Load(b *model.Bundle, cfg Config) (Vocoder, error) {
	path := b.Path(b.Vocoder.File)

	variant := b.Vocoder.Variant
	if variant == "" && strings.EqualFold(filepath.Ext(path), ".onnx") {
		variant = model.VariantONNX
	}

	if variant == model.VariantONNX {
		return LoadONNX(path, b.SampleRate, cfg.Runner)
	}

	vb, err := nn.OpenVarBuilder(path)
	if err != nil {
		return nil, fmt.Errorf("vocoder: %w", err)
	}

	if variant == "" {
		variant = vb.Metadata()["variant"]
	}

	if variant != "" && variant != model.VariantNative {
		return nil, fmt.Errorf("vocoder: unknown variant %q", variant)
	}

	return NewNative(vb, NativeConfig{
		FlowSteps:     cfg.FlowSteps,
		FlowSeed:      cfg.FlowSeed,
		UpsampleRates: b.Vocoder.UpsampleRates,
		Dilations:     b.Vocoder.Dilations,
		SampleRate:    b.SampleRate,
	})
}

// ValidateTokens rejects empty and out-of-range token sequences.
func ValidateTokens(tokens []int64) error {
	if len(tokens) == 0 {
		return &verrors.VocodingError{Reason: "empty token sequence"}
	}

	for i, t := range tokens {
		if t < 0 || t >= TokenVocab {
			return &verrors.VocodingError{Reason: fmt.Sprintf("token %d = %d outside [0, %d)", i, t, TokenVocab)}
		}
	}

	return nil
}

func validateEmbedding(embedding []float32, dim int) error {
	if len(embedding) != dim {
		return &verrors.VocodingError{Reason: fmt.Sprintf("speaker embedding has %d dims, vocoder expects %d", len(embedding), dim)}
	}

	return nil
}

// clampOutput limits samples to ±0.99.
func clampOutput(samples []float32) {
	for i, v := range samples {
		switch {
		case v > 0.99:
			samples[i] = 0.99
		case v < -0.99:
			samples[i] = -0.99
		}
	}
}
