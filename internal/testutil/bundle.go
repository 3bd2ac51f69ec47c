package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-voice-clone/internal/model"
	"github.com/example/go-voice-clone/internal/safetensors"
)

// Mel channels of the vocoder and width of the flow time embedding.
const (
	VocoderMels = 80
	TimeEmbDim  = 32
)

// Dims sizes a synthetic bundle. SmallDims keeps every test under a second.
type Dims struct {
	Model       int64
	Heads       int64
	Layers      int
	FF          int64
	Speaker     int64
	VEHidden    int64
	VELayers    int
	TokChannels int64
	VocChannels int64
	EstHidden   int64
	TextPos     int64
	SpeechPos   int64
}

func SmallDims() Dims {
	return Dims{
		Model:       16,
		Heads:       2,
		Layers:      2,
		FF:          32,
		Speaker:     16,
		VEHidden:    8,
		VELayers:    2,
		TokChannels: 8,
		VocChannels: 8,
		EstHidden:   16,
		TextPos:     96,
		SpeechPos:   320,
	}
}

// TextVocab is the character vocabulary of synthetic bundles.
func TextVocab() map[string]int64 {
	v := map[string]int64{"[STOP]": 0, "[UNK]": 1, "[SPACE]": 2, "[START]": 255}
	next := int64(3)

	for _, r := range "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.,!?'\"-" {
		v[string(r)] = next
		next++
	}

	return v
}

// TokenizerJSON renders TextVocab in tokenizer.json layout.
func TokenizerJSON(tb testing.TB) []byte {
	tb.Helper()

	doc := map[string]any{
		"model":        map[string]any{"type": "BPE", "vocab": TextVocab()},
		"added_tokens": []any{},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		tb.Fatalf("encode tokenizer.json: %v", err)
	}

	return data
}

func VoiceEncoderSpecs(d Dims) []Spec {
	var specs []Spec

	in := int64(40)
	for l := range d.VELayers {
		suffix := "_l" + string(rune('0'+l))
		specs = append(specs,
			Spec{"lstm.weight_ih" + suffix, []int64{4 * d.VEHidden, in}},
			Spec{"lstm.weight_hh" + suffix, []int64{4 * d.VEHidden, d.VEHidden}},
			Spec{"lstm.bias_ih" + suffix, []int64{4 * d.VEHidden}},
			Spec{"lstm.bias_hh" + suffix, []int64{4 * d.VEHidden}},
		)
		in = d.VEHidden
	}

	return append(specs,
		Spec{"proj.weight", []int64{d.Speaker, d.VEHidden}},
		Spec{"proj.bias", []int64{d.Speaker}},
	)
}

func SpeechTokenizerSpecs(d Dims) []Spec {
	c := d.TokChannels

	return []Spec{
		{"conv1.weight", []int64{c, 128, 3}},
		{"conv1.bias", []int64{c}},
		{"conv2.weight", []int64{c, c, 3}},
		{"conv2.bias", []int64{c}},
		{"proj.weight", []int64{8, c}},
		{"proj.bias", []int64{8}},
	}
}

// T3Specs covers embeddings, conditioning, the decoder stack and the head.
func T3Specs(d Dims, textVocab, speechVocab int64) []Spec {
	specs := []Spec{
		{"text_emb.weight", []int64{textVocab, d.Model}},
		{"speech_emb.weight", []int64{speechVocab, d.Model}},
		{"text_pos_emb.weight", []int64{d.TextPos, d.Model}},
		{"speech_pos_emb.weight", []int64{d.SpeechPos, d.Model}},
		{"cond_enc.spkr_enc.weight", []int64{d.Model, d.Speaker}},
		{"cond_enc.spkr_enc.bias", []int64{d.Model}},
		{"cond_enc.emotion_adv_fc.weight", []int64{d.Model, 1}},
		{"speech_head.weight", []int64{speechVocab, d.Model}},
	}

	for i := range d.Layers {
		p := layer("tfmr.layers", i)
		specs = append(specs,
			Spec{p + "norm1.weight", []int64{d.Model}},
			Spec{p + "norm1.bias", []int64{d.Model}},
			Spec{p + "norm2.weight", []int64{d.Model}},
			Spec{p + "norm2.bias", []int64{d.Model}},
			Spec{p + "self_attn.in_proj.weight", []int64{3 * d.Model, d.Model}},
			Spec{p + "self_attn.out_proj.weight", []int64{d.Model, d.Model}},
			Spec{p + "linear1.weight", []int64{d.FF, d.Model}},
			Spec{p + "linear1.bias", []int64{d.FF}},
			Spec{p + "linear2.weight", []int64{d.Model, d.FF}},
			Spec{p + "linear2.bias", []int64{d.Model}},
		)
	}

	return append(specs,
		Spec{"tfmr.norm.weight", []int64{d.Model}},
		Spec{"tfmr.norm.bias", []int64{d.Model}},
	)
}

// VocoderSpecs covers the flow-matching front end and the HiFiGAN-style
// generator for the given upsample rates; kernel sizes are 2*rate, or
// 2*rate+1 when the rate is odd, so that kernel-rate stays even.
func VocoderSpecs(d Dims, rates []int, dilations []int) []Spec {
	c, h, s := d.VocChannels, d.EstHidden, d.Speaker

	specs := []Spec{
		{"flow.input_embedding.weight", []int64{6561, c}},
		{"flow.spk_proj.weight", []int64{c, s}},
		{"flow.spk_proj.bias", []int64{c}},
		{"flow.encoder.convs.0.weight", []int64{c, c, 3}},
		{"flow.encoder.convs.0.bias", []int64{c}},
		{"flow.encoder.convs.1.weight", []int64{c, c, 3}},
		{"flow.encoder.convs.1.bias", []int64{c}},
		{"flow.encoder_proj.weight", []int64{VocoderMels, c}},
		{"flow.encoder_proj.bias", []int64{VocoderMels}},
		{"flow.estimator.time_mlp.linear1.weight", []int64{h, TimeEmbDim}},
		{"flow.estimator.time_mlp.linear1.bias", []int64{h}},
		{"flow.estimator.time_mlp.linear2.weight", []int64{h, h}},
		{"flow.estimator.time_mlp.linear2.bias", []int64{h}},
		{"flow.estimator.conv_in.weight", []int64{h, 2*VocoderMels + c, 3}},
		{"flow.estimator.conv_in.bias", []int64{h}},
		{"flow.estimator.blocks.0.weight", []int64{h, h, 3}},
		{"flow.estimator.blocks.0.bias", []int64{h}},
		{"flow.estimator.conv_out.weight", []int64{VocoderMels, h, 1}},
		{"flow.estimator.conv_out.bias", []int64{VocoderMels}},
	}

	ch := h
	specs = append(specs,
		Spec{"hift.conv_pre.weight", []int64{ch, VocoderMels, 7}},
		Spec{"hift.conv_pre.bias", []int64{ch}},
	)

	for i, r := range rates {
		k := int64(2 * r)
		if r%2 == 1 {
			k++
		}

		next := max(ch/2, 2)
		specs = append(specs,
			Spec{layer("hift.ups", i) + "weight", []int64{ch, next, k}},
			Spec{layer("hift.ups", i) + "bias", []int64{next}},
		)

		for j := range dilations {
			for _, conv := range []string{"convs1", "convs2"} {
				p := layer("hift.resblocks", i) + conv + "." + string(rune('0'+j)) + "."
				specs = append(specs,
					Spec{p + "weight", []int64{next, next, 3}},
					Spec{p + "bias", []int64{next}},
				)
			}
		}

		ch = next
	}

	return append(specs,
		Spec{"hift.conv_post.weight", []int64{1, ch, 7}},
		Spec{"hift.conv_post.bias", []int64{1}},
	)
}

// VoiceTensors renders a voice file: speaker_emb [1, S] and
// prompt_tokens [1, P] stored as float32.
func VoiceTensors(embedding []float32, prompt []int64) []safetensors.Tensor {
	pt := make([]float32, len(prompt))
	for i, v := range prompt {
		pt[i] = float32(v)
	}

	ts := []safetensors.Tensor{{Name: "speaker_emb", Shape: []int64{1, int64(len(embedding))}, Data: embedding}}
	if len(prompt) > 0 {
		ts = append(ts, safetensors.Tensor{Name: "prompt_tokens", Shape: []int64{1, int64(len(prompt))}, Data: pt})
	}

	return ts
}

type bundleSetup struct {
	bundle *model.Bundle
	dims   Dims
	t3     []func([]safetensors.Tensor)
}

// BundleOption customizes WriteBundle.
type BundleOption func(*bundleSetup)

// WithDims overrides the synthetic sizes.
func WithDims(d Dims) BundleOption {
	return func(s *bundleSetup) { s.dims = d }
}

// WithoutDefaultVoice omits conds.safetensors.
func WithoutDefaultVoice() BundleOption {
	return func(s *bundleSetup) { s.bundle.DefaultVoice = "" }
}

// WithT3Tensors lets edit rewrite the random generator weights before they
// are written.
func WithT3Tensors(edit func([]safetensors.Tensor)) BundleOption {
	return func(s *bundleSetup) { s.t3 = append(s.t3, edit) }
}

// WriteBundle populates dir with a complete random bundle and returns the
// loaded manifest.
func WriteBundle(tb testing.TB, dir string, opts ...BundleOption) *model.Bundle {
	tb.Helper()

	b := model.DefaultBundle()
	b.T3.AttentionLayer = 1
	setup := bundleSetup{bundle: &b, dims: SmallDims()}

	for _, opt := range opts {
		opt(&setup)
	}

	d := setup.dims
	b.T3.NumHeads = int(d.Heads)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("create bundle dir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, b.Tokenizer), TokenizerJSON(tb), 0o644); err != nil {
		tb.Fatalf("write tokenizer: %v", err)
	}

	WriteCheckpoint(tb, filepath.Join(dir, b.VoiceEncoder), nil, RandomTensors(1, 0.3, VoiceEncoderSpecs(d)...))
	WriteCheckpoint(tb, filepath.Join(dir, b.SpeechTokenizer), nil, RandomTensors(2, 0.3, SpeechTokenizerSpecs(d)...))
	t3 := RandomTensors(3, 0.2, T3Specs(d, 256, 6563)...)
	for _, edit := range setup.t3 {
		edit(t3)
	}

	WriteCheckpoint(tb, filepath.Join(dir, b.T3.File), nil, t3)
	WriteCheckpoint(tb, filepath.Join(dir, b.Vocoder.File), map[string]string{"variant": model.VariantNative},
		RandomTensors(4, 0.2, VocoderSpecs(d, b.Vocoder.UpsampleRates, b.Vocoder.Dilations)...))

	if b.DefaultVoice != "" {
		emb := make([]float32, d.Speaker)
		for i := range emb {
			emb[i] = 0.25
		}

		prompt := []int64{10, 200, 3000, 6000, 42, 7}
		WriteCheckpoint(tb, filepath.Join(dir, b.DefaultVoice), map[string]string{"kind": "voice"}, VoiceTensors(emb, prompt))
	}

	if err := model.WriteBundle(dir, b); err != nil {
		tb.Fatalf("write bundle manifest: %v", err)
	}

	loaded, err := model.LoadBundle(dir)
	if err != nil {
		tb.Fatalf("load bundle manifest: %v", err)
	}

	return loaded
}
