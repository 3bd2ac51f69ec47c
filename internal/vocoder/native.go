package vocoder

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/model"
	"github.com/example/go-voice-clone/internal/nn"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

const (
	mels       = 80
	timeEmbDim = 32
	reluSlope  = 0.1
)

// NativeConfig sizes the flow solver and the waveform generator.
type NativeConfig struct {
	FlowSteps     int
	FlowSeed      int64
	UpsampleRates []int
	Dilations     []int
	SampleRate    int
}

// Native is the pure-Go vocoder: a token encoder predicting mel means, a
// conditional flow-matching refiner and a HiFiGAN-style generator.
type Native struct {
	cfg NativeConfig

	inputEmb *nn.Embedding
	spkProj  *nn.Linear
	encoder  []*nn.Conv1d
	encProj  *nn.Linear

	timeMLP1 *nn.Linear
	timeMLP2 *nn.Linear
	convIn   *nn.Conv1d
	blocks   []*nn.Conv1d
	convOut  *nn.Conv1d

	convPre  *nn.Conv1d
	ups      []*nn.ConvTranspose1d
	res      [][2][]*nn.Conv1d
	convPost *nn.Conv1d
}

// LoadNative opens a native vocoder checkpoint.
func LoadNative(path string, cfg NativeConfig) (*Native, error) {
	vb, err := nn.OpenVarBuilder(path)
	if err != nil {
		return nil, fmt.Errorf("vocoder: %w", err)
	}

	return NewNative(vb, cfg)
}

func NewNative(vb *nn.VarBuilder, cfg NativeConfig) (*Native, error) {
	if cfg.FlowSteps <= 0 {
		cfg.FlowSteps = 10
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}

	if len(cfg.UpsampleRates) == 0 {
		cfg.UpsampleRates = []int{8, 5, 4, 3}
	}

	if len(cfg.Dilations) == 0 {
		cfg.Dilations = []int{1, 3, 5}
	}

	v := &Native{cfg: cfg}
	if err := v.loadFlow(vb.Path("flow")); err != nil {
		return nil, fmt.Errorf("vocoder: flow: %w", err)
	}

	if err := v.loadGenerator(vb.Path("hift")); err != nil {
		return nil, fmt.Errorf("vocoder: generator: %w", err)
	}

	return v, nil
}

func (v *Native) loadFlow(vb *nn.VarBuilder) error {
	var err error

	if v.inputEmb, err = nn.LoadEmbedding(vb, "input_embedding"); err != nil {
		return err
	}

	if v.inputEmb.Num() != TokenVocab {
		return fmt.Errorf("input embedding has %d rows, want %d", v.inputEmb.Num(), TokenVocab)
	}

	if v.spkProj, err = nn.LoadLinear(vb, "spk_proj"); err != nil {
		return err
	}

	for i := range vb.Count("encoder.convs", "weight") {
		conv, err := nn.LoadConv1d(vb, "encoder.convs."+strconv.Itoa(i), 1, -1, 1)
		if err != nil {
			return err
		}

		v.encoder = append(v.encoder, conv)
	}

	if v.encProj, err = nn.LoadLinear(vb, "encoder_proj"); err != nil {
		return err
	}

	if v.encProj.OutDim() != mels {
		return fmt.Errorf("encoder projection emits %d bins, want %d", v.encProj.OutDim(), mels)
	}

	est := vb.Path("estimator")
	if v.timeMLP1, err = nn.LoadLinear(est, "time_mlp.linear1"); err != nil {
		return err
	}

	if v.timeMLP2, err = nn.LoadLinear(est, "time_mlp.linear2"); err != nil {
		return err
	}

	if v.convIn, err = nn.LoadConv1d(est, "conv_in", 1, -1, 1); err != nil {
		return err
	}

	for i := range est.Count("blocks", "weight") {
		conv, err := nn.LoadConv1d(est, "blocks."+strconv.Itoa(i), 1, -1, 1)
		if err != nil {
			return err
		}

		v.blocks = append(v.blocks, conv)
	}

	v.convOut, err = nn.LoadConv1d(est, "conv_out", 1, -1, 1)

	return err
}

func (v *Native) loadGenerator(vb *nn.VarBuilder) error {
	var err error

	if v.convPre, err = nn.LoadConv1d(vb, "conv_pre", 1, -1, 1); err != nil {
		return err
	}

	for i, r := range v.cfg.UpsampleRates {
		up, err := nn.LoadConvTranspose1d(vb, "ups."+strconv.Itoa(i), int64(r))
		if err != nil {
			return err
		}

		v.ups = append(v.ups, up)

		var stage [2][]*nn.Conv1d

		for j, d := range v.cfg.Dilations {
			prefix := "resblocks." + strconv.Itoa(i)

			c1, err := nn.LoadConv1d(vb, prefix+".convs1."+strconv.Itoa(j), 1, -1, int64(d))
			if err != nil {
				return err
			}

			c2, err := nn.LoadConv1d(vb, prefix+".convs2."+strconv.Itoa(j), 1, -1, 1)
			if err != nil {
				return err
			}

			stage[0] = append(stage[0], c1)
			stage[1] = append(stage[1], c2)
		}

		v.res = append(v.res, stage)
	}

	v.convPost, err = nn.LoadConv1d(vb, "conv_post", 1, -1, 1)

	return err
}

func (v *Native) SampleRate() int { return v.cfg.SampleRate }

func (v *Native) Variant() string { return model.VariantNative }

func (v *Native) Close() error { return nil }

// EmbeddingDim is the speaker embedding length the vocoder expects.
func (v *Native) EmbeddingDim() int { return int(v.spkProj.InDim()) }

// Synthesize renders len(tokens)*2*prod(upsample rates) samples.
func (v *Native) Synthesize(ctx context.Context, tokens []int64, embedding []float32) (audio.Waveform, error) {
	if err := ValidateTokens(tokens); err != nil {
		return audio.Waveform{}, err
	}

	if err := validateEmbedding(embedding, v.EmbeddingDim()); err != nil {
		return audio.Waveform{}, err
	}

	mu, spk, err := v.encode(tokens, embedding)
	if err != nil {
		return audio.Waveform{}, &verrors.VocodingError{Reason: "encode tokens", Cause: err}
	}

	mel, err := v.solveFlow(ctx, mu, spk)
	if err != nil {
		if verrors.IsKind(err, verrors.KindCancelled) {
			return audio.Waveform{}, err
		}

		return audio.Waveform{}, &verrors.VocodingError{Reason: "flow matching", Cause: err}
	}

	if err := ctx.Err(); err != nil {
		return audio.Waveform{}, verrors.Cancelled("vocode", err)
	}

	samples, err := v.generate(mel)
	if err != nil {
		return audio.Waveform{}, &verrors.VocodingError{Reason: "waveform generator", Cause: err}
	}

	return audio.Waveform{Samples: samples, SampleRate: v.cfg.SampleRate}, nil
}

// encode returns the mel means [1, 80, 2T] and the projected speaker
// condition broadcast over time [1, C, 2T].
func (v *Native) encode(tokens []int64, embedding []float32) (*tensor.Tensor, *tensor.Tensor, error) {
	h, err := v.inputEmb.Forward(tokens)
	if err != nil {
		return nil, nil, err
	}

	spkIn, err := tensor.New(embedding, []int64{1, 1, int64(len(embedding))})
	if err != nil {
		return nil, nil, err
	}

	spk, err := v.spkProj.Forward(spkIn)
	if err != nil {
		return nil, nil, err
	}

	if h, err = tensor.BroadcastAdd(h, spk); err != nil {
		return nil, nil, err
	}

	if h, err = h.Transpose(1, 2); err != nil {
		return nil, nil, err
	}

	for _, conv := range v.encoder {
		y, err := conv.Forward(h)
		if err != nil {
			return nil, nil, err
		}

		if h, err = tensor.Add(h, tensor.LeakyReLU(y, reluSlope)); err != nil {
			return nil, nil, err
		}
	}

	frames := 2 * int64(len(tokens))
	repeat := make([]int64, frames)
	for i := range repeat {
		repeat[i] = int64(i / 2)
	}

	if h, err = h.Gather(2, repeat); err != nil {
		return nil, nil, err
	}

	ht, err := h.Transpose(1, 2)
	if err != nil {
		return nil, nil, err
	}

	mu, err := v.encProj.Forward(ht)
	if err != nil {
		return nil, nil, err
	}

	if mu, err = mu.Transpose(1, 2); err != nil {
		return nil, nil, err
	}

	spkCol, err := spk.Transpose(1, 2)
	if err != nil {
		return nil, nil, err
	}

	spkT, err := spkCol.Gather(2, make([]int64, frames))
	if err != nil {
		return nil, nil, err
	}

	return mu, spkT, nil
}

// solveFlow integrates the velocity field from seeded Gaussian noise with
// Euler steps on a cosine time schedule.
func (v *Native) solveFlow(ctx context.Context, mu, spk *tensor.Tensor) (*tensor.Tensor, error) {
	shape := mu.Shape()
	n := int(shape[0] * shape[1] * shape[2])
	seed := uint64(v.cfg.FlowSeed)
	rng := rand.New(rand.NewPCG(seed, seed^0x2545f4914f6cdd1d))

	noise := make([]float32, n)
	for i := range noise {
		noise[i] = float32(rng.NormFloat64())
	}

	x, err := tensor.New(noise, shape)
	if err != nil {
		return nil, err
	}

	steps := v.cfg.FlowSteps
	schedule := make([]float64, steps+1)
	for i := range schedule {
		schedule[i] = 1 - math.Cos(float64(i)/float64(steps)*math.Pi/2)
	}

	for i := range steps {
		if err := ctx.Err(); err != nil {
			return nil, verrors.Cancelled("vocode", err)
		}

		vel, err := v.estimate(x, mu, spk, schedule[i])
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		dt := float32(schedule[i+1] - schedule[i])
		if x, err = tensor.Add(x, tensor.Scale(vel, dt)); err != nil {
			return nil, err
		}
	}

	if tensor.HasNaN(x) {
		return nil, fmt.Errorf("mel spectrogram is not finite")
	}

	return x, nil
}

func (v *Native) estimate(x, mu, spk *tensor.Tensor, t float64) (*tensor.Tensor, error) {
	temb, err := v.timeEmbedding(t)
	if err != nil {
		return nil, err
	}

	in, err := tensor.Concat([]*tensor.Tensor{x, mu, spk}, 1)
	if err != nil {
		return nil, err
	}

	h, err := v.convIn.Forward(in)
	if err != nil {
		return nil, err
	}

	if h, err = tensor.BroadcastAdd(h, temb); err != nil {
		return nil, err
	}

	h = tensor.SiLU(h)

	for _, block := range v.blocks {
		y, err := block.Forward(h)
		if err != nil {
			return nil, err
		}

		if h, err = tensor.Add(h, tensor.SiLU(y)); err != nil {
			return nil, err
		}
	}

	return v.convOut.Forward(h)
}

// timeEmbedding maps t to [1, H, 1] through sinusoidal features and a
// two-layer MLP.
func (v *Native) timeEmbedding(t float64) (*tensor.Tensor, error) {
	half := timeEmbDim / 2
	feat := make([]float32, timeEmbDim)

	for k := range half {
		freq := math.Exp(-math.Log(10000) * float64(k) / float64(half))
		arg := 1000 * t * freq
		feat[k] = float32(math.Sin(arg))
		feat[half+k] = float32(math.Cos(arg))
	}

	x, err := tensor.New(feat, []int64{1, timeEmbDim})
	if err != nil {
		return nil, err
	}

	if x, err = v.timeMLP1.Forward(x); err != nil {
		return nil, err
	}

	if x, err = v.timeMLP2.Forward(tensor.SiLU(x)); err != nil {
		return nil, err
	}

	return x.Reshape([]int64{1, x.Shape()[1], 1})
}

// generate upsamples mel frames to samples.
func (v *Native) generate(mel *tensor.Tensor) ([]float32, error) {
	y, err := v.convPre.Forward(mel)
	if err != nil {
		return nil, err
	}

	for i, up := range v.ups {
		if y, err = up.Forward(tensor.LeakyReLU(y, reluSlope)); err != nil {
			return nil, fmt.Errorf("upsample %d: %w", i, err)
		}

		if y, err = v.resblock(i, y); err != nil {
			return nil, fmt.Errorf("resblock %d: %w", i, err)
		}
	}

	out, err := v.convPost.Forward(tensor.LeakyReLU(y, 0.01))
	if err != nil {
		return nil, err
	}

	samples := tensor.Tanh(out).Data()
	clampOutput(samples)

	return samples, nil
}

func (v *Native) resblock(stage int, x *tensor.Tensor) (*tensor.Tensor, error) {
	convs := v.res[stage]

	for j := range convs[0] {
		xt, err := convs[0][j].Forward(tensor.LeakyReLU(x, reluSlope))
		if err != nil {
			return nil, err
		}

		if xt, err = convs[1][j].Forward(tensor.LeakyReLU(xt, reluSlope)); err != nil {
			return nil, err
		}

		if x, err = tensor.Add(x, xt); err != nil {
			return nil, err
		}
	}

	return x, nil
}
