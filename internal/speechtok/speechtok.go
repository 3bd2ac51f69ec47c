// Package speechtok turns audio into discrete 25 Hz content tokens using a
// strided convolutional encoder and finite scalar quantization.
package speechtok

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/nn"
	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

const (
	// TokenRate is the number of tokens per second of audio.
	TokenRate = 25
	// Dims is the quantized latent width.
	Dims = 8
	// Levels is the codebook size, 3^Dims.
	Levels = 6561
)

// ErrTooShort is returned for clips shorter than one mel hop.
var ErrTooShort = errors.New("speechtok: audio too short to tokenize")

type Config struct {
	SampleRate int
	NMels      int
	NFFT       int
	Hop        int
	// MaxDuration caps the audio consumed per call; zero means unlimited.
	MaxDuration time.Duration
}

func DefaultConfig() Config {
	return Config{SampleRate: 16000, NMels: 128, NFFT: 400, Hop: 160}
}

// Tokenizer is read-only after construction and safe for concurrent use.
type Tokenizer struct {
	cfg   Config
	mel   *audio.MelExtractor
	conv1 *nn.Conv1d
	conv2 *nn.Conv1d
	proj  *nn.Linear
}

// Load opens an s3tokenizer.safetensors checkpoint.
func Load(path string, cfg Config) (*Tokenizer, error) {
	vb, err := nn.OpenVarBuilder(path)
	if err != nil {
		return nil, fmt.Errorf("speechtok: %w", err)
	}

	return New(vb, cfg)
}

func New(vb *nn.VarBuilder, cfg Config) (*Tokenizer, error) {
	conv1, err := nn.LoadConv1d(vb, "conv1", 2, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("speechtok: %w", err)
	}

	if conv1.Weight.Shape()[1] != int64(cfg.NMels) {
		return nil, fmt.Errorf("speechtok: conv1 expects %d mels, config has %d", conv1.Weight.Shape()[1], cfg.NMels)
	}

	conv2, err := nn.LoadConv1d(vb, "conv2", 2, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("speechtok: %w", err)
	}

	proj, err := nn.LoadLinear(vb, "proj")
	if err != nil {
		return nil, fmt.Errorf("speechtok: %w", err)
	}

	if proj.OutDim() != Dims {
		return nil, fmt.Errorf("speechtok: proj width %d, want %d", proj.OutDim(), Dims)
	}

	mel, err := audio.NewMelExtractor(audio.MelConfig{
		SampleRate: cfg.SampleRate,
		NFFT:       cfg.NFFT,
		Hop:        cfg.Hop,
		NMels:      cfg.NMels,
	})
	if err != nil {
		return nil, fmt.Errorf("speechtok: %w", err)
	}

	return &Tokenizer{cfg: cfg, mel: mel, conv1: conv1, conv2: conv2, proj: proj}, nil
}

// Tokenize returns content tokens in [0, Levels) at TokenRate.
func (t *Tokenizer) Tokenize(w audio.Waveform) ([]int64, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("speechtok: %w", err)
	}

	if t.cfg.MaxDuration > 0 {
		w = w.Head(t.cfg.MaxDuration)
	}

	w, err := audio.Resample(w, t.cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("speechtok: %w", err)
	}

	if t.mel.Frames(len(w.Samples)) == 0 {
		return nil, ErrTooShort
	}

	mels, frames, err := t.mel.Compute(w.Samples)
	if err != nil {
		return nil, fmt.Errorf("speechtok: %w", err)
	}

	x, err := tensor.New(mels, []int64{1, int64(frames), int64(t.cfg.NMels)})
	if err != nil {
		return nil, err
	}

	if x, err = x.Transpose(1, 2); err != nil { // [1, mels, frames]
		return nil, err
	}

	for _, conv := range []*nn.Conv1d{t.conv1, t.conv2} {
		if x, err = conv.Forward(x); err != nil {
			return nil, fmt.Errorf("speechtok: encoder: %w", err)
		}

		x = tensor.GELU(x)
	}

	if x, err = x.Transpose(1, 2); err != nil { // [1, T, C]
		return nil, err
	}

	z, err := t.proj.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("speechtok: proj: %w", err)
	}

	return Quantize(z.RawData())
}

// Quantize maps consecutive Dims-wide latent rows to codebook indices:
// each dimension is rounded from tanh to {-1, 0, 1} and the digits are read
// as a base-3 number, least significant first.
func Quantize(latent []float32) ([]int64, error) {
	if len(latent)%Dims != 0 {
		return nil, fmt.Errorf("speechtok: latent length %d not a multiple of %d", len(latent), Dims)
	}

	out := make([]int64, len(latent)/Dims)

	for i := range out {
		var idx, scale int64 = 0, 1

		for d := range Dims {
			v := latent[i*Dims+d]
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("speechtok: NaN latent at frame %d", i)
			}

			q := int64(math.Round(math.Tanh(float64(v))))
			idx += (q + 1) * scale
			scale *= 3
		}

		out[i] = idx
	}

	return out, nil
}

// ExpectedTokens is the token count produced for n samples at rate.
func (t *Tokenizer) ExpectedTokens(n, rate int) int {
	frames := t.mel.Frames(int(int64(n) * int64(t.cfg.SampleRate) / int64(rate)))
	return ((frames+1)/2 + 1) / 2
}
