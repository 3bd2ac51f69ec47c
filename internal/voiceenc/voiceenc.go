// Package voiceenc computes fixed-length speaker embeddings from reference
// audio with a stacked LSTM over log-mel partials.
package voiceenc

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/nn"
	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

// Config describes the encoder front end.
type Config struct {
	SampleRate    int
	NMels         int
	NFFT          int
	Hop           int
	PartialFrames int
	// Overlap is the fraction shared by consecutive partials.
	Overlap float64
	// MaxReference caps how much of the clip is embedded.
	MaxReference time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleRate:    16000,
		NMels:         40,
		NFFT:          400,
		Hop:           160,
		PartialFrames: 160,
		Overlap:       0.5,
		MaxReference:  6 * time.Second,
	}
}

// Embedding is an L2-normalized speaker vector.
type Embedding []float32

// Encoder is read-only after construction and safe for concurrent use.
type Encoder struct {
	cfg  Config
	mel  *audio.MelExtractor
	lstm *nn.LSTM
	proj *nn.Linear
}

// Load opens a ve.safetensors checkpoint.
func Load(path string, cfg Config) (*Encoder, error) {
	vb, err := nn.OpenVarBuilder(path)
	if err != nil {
		return nil, fmt.Errorf("voiceenc: %w", err)
	}

	return New(vb, cfg)
}

func New(vb *nn.VarBuilder, cfg Config) (*Encoder, error) {
	if cfg.PartialFrames <= 0 || cfg.Overlap < 0 || cfg.Overlap >= 1 {
		return nil, fmt.Errorf("voiceenc: invalid partial config frames=%d overlap=%.2f", cfg.PartialFrames, cfg.Overlap)
	}

	lstm, err := nn.LoadLSTM(vb, "lstm")
	if err != nil {
		return nil, fmt.Errorf("voiceenc: %w", err)
	}

	if lstm.InputDim() != cfg.NMels {
		return nil, fmt.Errorf("voiceenc: lstm expects %d features, config has %d mels", lstm.InputDim(), cfg.NMels)
	}

	proj, err := nn.LoadLinear(vb, "proj")
	if err != nil {
		return nil, fmt.Errorf("voiceenc: %w", err)
	}

	if int(proj.InDim()) != lstm.Hidden() {
		return nil, fmt.Errorf("voiceenc: proj input %d does not match lstm hidden %d", proj.InDim(), lstm.Hidden())
	}

	mel, err := audio.NewMelExtractor(audio.MelConfig{
		SampleRate: cfg.SampleRate,
		NFFT:       cfg.NFFT,
		Hop:        cfg.Hop,
		NMels:      cfg.NMels,
	})
	if err != nil {
		return nil, fmt.Errorf("voiceenc: %w", err)
	}

	return &Encoder{cfg: cfg, mel: mel, lstm: lstm, proj: proj}, nil
}

// Dim is the embedding length.
func (e *Encoder) Dim() int { return int(e.proj.OutDim()) }

// Embed returns the speaker embedding of w. Clips shorter than one partial
// are tiled up to one partial and an empty clip is embedded as silence, so
// any valid waveform yields a finite unit vector.
func (e *Encoder) Embed(w audio.Waveform) (Embedding, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("voiceenc: %w", err)
	}

	w, err := audio.Resample(w.Head(e.cfg.MaxReference), e.cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("voiceenc: %w", err)
	}

	samples := fitToPartial(w.Samples, e.cfg.PartialFrames*e.cfg.Hop)

	mels, frames, err := e.mel.Compute(samples)
	if err != nil {
		return nil, fmt.Errorf("voiceenc: %w", err)
	}

	starts := partialStarts(frames, e.cfg.PartialFrames, e.cfg.Overlap)
	partials := make([][]float32, len(starts))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, start := range starts {
		g.Go(func() error {
			window := mels[start*e.cfg.NMels : (start+e.cfg.PartialFrames)*e.cfg.NMels]

			emb, err := e.embedPartial(window)
			if err != nil {
				return err
			}

			partials[i] = emb

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("voiceenc: %w", err)
	}

	mean := make([]float32, e.Dim())
	for _, p := range partials {
		for j, v := range p {
			mean[j] += v / float32(len(partials))
		}
	}

	return Embedding(normalize(mean)), nil
}

func (e *Encoder) embedPartial(frames []float32) ([]float32, error) {
	h, err := e.lstm.Forward(frames, e.cfg.PartialFrames)
	if err != nil {
		return nil, err
	}

	out := make([]float32, e.Dim())
	w := e.proj.Weight.RawData()
	in := len(h)

	for o := range out {
		v := tensor.DotProduct(w[o*in:(o+1)*in], h)
		if e.proj.Bias != nil {
			v += e.proj.Bias.RawData()[o]
		}

		out[o] = max(v, 0)
	}

	return normalize(out), nil
}

// fitToPartial repeats a short clip until it covers n samples. An empty clip
// becomes n samples of silence.
func fitToPartial(samples []float32, n int) []float32 {
	if len(samples) >= n {
		return samples
	}

	out := make([]float32, n)
	if len(samples) == 0 {
		return out
	}

	for i := 0; i < n; i += len(samples) {
		copy(out[i:], samples)
	}

	return out
}

// partialStarts lists frame offsets of full partials, always at least one.
func partialStarts(frames, size int, overlap float64) []int {
	step := max(1, int(math.Round(float64(size)*(1-overlap))))
	starts := []int{0}

	for s := step; s+size <= frames; s += step {
		starts = append(starts, s)
	}

	return starts
}

// normalize scales v to unit length. A zero vector maps to the uniform unit
// vector.
func normalize(v []float32) []float32 {
	var ss float64
	for _, x := range v {
		ss += float64(x) * float64(x)
	}

	if ss == 0 || math.IsNaN(ss) || math.IsInf(ss, 0) {
		u := float32(1 / math.Sqrt(float64(len(v))))
		for i := range v {
			v[i] = u
		}

		return v
	}

	inv := float32(1 / math.Sqrt(ss))
	for i := range v {
		v[i] *= inv
	}

	return v
}

// ErrDimMismatch is returned by Similarity for vectors of different length.
var ErrDimMismatch = errors.New("voiceenc: embedding dimensions differ")

// Similarity is the cosine similarity of two embeddings.
func Similarity(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimMismatch
	}

	var ab, aa, bb float64
	for i := range a {
		ab += float64(a[i]) * float64(b[i])
		aa += float64(a[i]) * float64(a[i])
		bb += float64(b[i]) * float64(b[i])
	}

	if aa == 0 || bb == 0 {
		return 0, nil
	}

	return ab / math.Sqrt(aa*bb), nil
}
