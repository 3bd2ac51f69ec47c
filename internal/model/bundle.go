package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BundleFile is the manifest every model directory carries.
const BundleFile = "bundle.yaml"

// Vocoder variants.
const (
	VariantNative = "native"
	VariantONNX   = "onnx"
)

// Bundle describes the files and static hyper-parameters of a checkpoint
// directory.
type Bundle struct {
	Name            string      `yaml:"name"`
	Version         int         `yaml:"version"`
	SampleRate      int         `yaml:"sample_rate"`
	TokenRate       int         `yaml:"token_rate"`
	Tokenizer       string      `yaml:"tokenizer"`
	VoiceEncoder    string      `yaml:"voice_encoder"`
	SpeechTokenizer string      `yaml:"speech_tokenizer"`
	T3              T3Spec      `yaml:"t3"`
	Vocoder         VocoderSpec `yaml:"vocoder"`
	DefaultVoice    string      `yaml:"default_voice,omitempty"`

	dir string
}

// T3Spec configures the autoregressive token generator.
type T3Spec struct {
	File             string  `yaml:"file"`
	NumHeads         int     `yaml:"num_heads"`
	RoPEBase         float64 `yaml:"rope_base,omitempty"`
	AttentionLayer   int     `yaml:"attention_layer"`
	StartTextToken   int64   `yaml:"start_text_token"`
	StopTextToken    int64   `yaml:"stop_text_token"`
	StartSpeechToken int64   `yaml:"start_speech_token"`
	StopSpeechToken  int64   `yaml:"stop_speech_token"`
}

// VocoderSpec configures token-to-waveform synthesis.
type VocoderSpec struct {
	File          string `yaml:"file"`
	Variant       string `yaml:"variant,omitempty"`
	UpsampleRates []int  `yaml:"upsample_rates,omitempty"`
	Dilations     []int  `yaml:"dilations,omitempty"`
}

// DefaultBundle returns the layout written by the conversion tooling.
func DefaultBundle() Bundle {
	return Bundle{
		Name:            "chatterbox",
		Version:         1,
		SampleRate:      24000,
		TokenRate:       25,
		Tokenizer:       "tokenizer.json",
		VoiceEncoder:    "ve.safetensors",
		SpeechTokenizer: "s3tokenizer.safetensors",
		T3: T3Spec{
			File:             "t3.safetensors",
			NumHeads:         16,
			RoPEBase:         10000,
			AttentionLayer:   9,
			StartTextToken:   255,
			StopTextToken:    0,
			StartSpeechToken: 6561,
			StopSpeechToken:  6562,
		},
		Vocoder: VocoderSpec{
			File:          "s3gen.safetensors",
			UpsampleRates: []int{8, 5, 4, 3},
			Dilations:     []int{1, 3, 5},
		},
		DefaultVoice: "conds.safetensors",
	}
}

// LoadBundle reads dir/bundle.yaml. Fields the manifest omits keep their
// DefaultBundle values.
func LoadBundle(dir string) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, BundleFile))
	if err != nil {
		return nil, fmt.Errorf("model: read bundle manifest: %w", err)
	}

	b := DefaultBundle()
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("model: parse %s: %w", BundleFile, err)
	}

	b.dir = dir

	if err := b.Validate(); err != nil {
		return nil, err
	}

	return &b, nil
}

// WriteBundle writes b as dir/bundle.yaml.
func WriteBundle(dir string, b Bundle) error {
	data, err := yaml.Marshal(&b)
	if err != nil {
		return fmt.Errorf("model: encode bundle manifest: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("model: create bundle dir: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, BundleFile), data, 0o644)
}

// Dir is the directory the manifest was loaded from.
func (b *Bundle) Dir() string { return b.dir }

// Path resolves a manifest-relative file name.
func (b *Bundle) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}

	return filepath.Join(b.dir, filepath.FromSlash(name))
}

// Files lists every file the manifest references, relative to Dir.
func (b *Bundle) Files() []string {
	files := []string{b.Tokenizer, b.VoiceEncoder, b.SpeechTokenizer, b.T3.File, b.Vocoder.File}
	if b.DefaultVoice != "" {
		files = append(files, b.DefaultVoice)
	}

	return files
}

// Validate checks static consistency; it does not touch the filesystem.
func (b *Bundle) Validate() error {
	var errs []error

	if b.SampleRate <= 0 || b.TokenRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate %d and token_rate %d must be > 0", b.SampleRate, b.TokenRate))
	}

	if b.TokenRate > 0 && b.SampleRate%b.TokenRate != 0 {
		errs = append(errs, fmt.Errorf("sample_rate %d not a multiple of token_rate %d", b.SampleRate, b.TokenRate))
	}

	for _, f := range []struct{ key, val string }{
		{"tokenizer", b.Tokenizer},
		{"voice_encoder", b.VoiceEncoder},
		{"speech_tokenizer", b.SpeechTokenizer},
		{"t3.file", b.T3.File},
		{"vocoder.file", b.Vocoder.File},
	} {
		if strings.TrimSpace(f.val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.key))
		}
	}

	if b.T3.NumHeads <= 0 {
		errs = append(errs, fmt.Errorf("t3.num_heads must be > 0"))
	}

	if b.T3.StartSpeechToken == b.T3.StopSpeechToken {
		errs = append(errs, fmt.Errorf("t3 start and stop speech tokens must differ"))
	}

	switch b.Vocoder.Variant {
	case "", VariantNative, VariantONNX:
	default:
		errs = append(errs, fmt.Errorf("vocoder.variant %q unknown", b.Vocoder.Variant))
	}

	if b.Vocoder.Variant != VariantONNX {
		prod := 1
		for _, r := range b.Vocoder.UpsampleRates {
			prod *= r
		}

		if b.TokenRate > 0 && prod != b.SampleRate/(2*b.TokenRate) {
			errs = append(errs, fmt.Errorf("vocoder.upsample_rates product %d, want %d samples per mel frame", prod, b.SampleRate/(2*b.TokenRate)))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("model: invalid %s: %w", BundleFile, errors.Join(errs...))
	}

	return nil
}

// SamplesPerToken is the vocoder hop at the output rate.
func (b *Bundle) SamplesPerToken() int { return b.SampleRate / b.TokenRate }

// Missing returns the referenced files absent from disk.
func (b *Bundle) Missing() []string {
	var out []string

	for _, f := range b.Files() {
		if _, err := os.Stat(b.Path(f)); err != nil {
			out = append(out, f)
		}
	}

	return out
}
