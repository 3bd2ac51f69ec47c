package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

func newFlagBinder(defaults Config) *fakeBinder {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	return &fakeBinder{fs: fs}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Runtime.Device != DeviceCPU {
		t.Errorf("Runtime.Device = %q; want %q", cfg.Runtime.Device, DeviceCPU)
	}

	g := cfg.Generation
	if g.Exaggeration != 0.5 || g.CFGWeight != 0.5 || g.Temperature != 0.8 {
		t.Errorf("unexpected generation defaults %+v", g)
	}

	if g.MaxSteps != 1000 {
		t.Errorf("MaxSteps = %d; want 1000", g.MaxSteps)
	}

	if g.Ranges.Exaggeration != (Range{Min: 0.25, Max: 2}) {
		t.Errorf("exaggeration range = %+v", g.Ranges.Exaggeration)
	}

	if !g.Alignment.Enabled || g.Alignment.StuckSteps != 50 {
		t.Errorf("alignment defaults = %+v", g.Alignment)
	}

	if cfg.Tokenizer.UnknownPolicy != "reject" {
		t.Errorf("UnknownPolicy = %q", cfg.Tokenizer.UnknownPolicy)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Generation.Ranges.RepetitionPenalty.Max != 2 {
		t.Errorf("repetition penalty max = %v", cfg.Generation.Ranges.RepetitionPenalty.Max)
	}

	if cfg.Server.MaxUploadBytes != 16<<20 {
		t.Errorf("MaxUploadBytes = %d", cfg.Server.MaxUploadBytes)
	}
}

func TestLoadConfigFileOverridesNested(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voiceclone.yaml")
	content := []byte(`
generation:
  temperature: 0.3
  prompt_reference: 4s
  ranges:
    exaggeration:
      min: 0.1
      max: 3
  alignment:
    stuck_steps: 12
vocoder:
  flow_steps: 4
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(LoadOptions{ConfigFile: path, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Generation.Temperature != 0.3 {
		t.Errorf("Temperature = %v", cfg.Generation.Temperature)
	}

	if cfg.Generation.Ranges.Exaggeration.Max != 3 {
		t.Errorf("exaggeration max = %v", cfg.Generation.Ranges.Exaggeration.Max)
	}

	if cfg.Generation.Alignment.StuckSteps != 12 {
		t.Errorf("StuckSteps = %d", cfg.Generation.Alignment.StuckSteps)
	}

	if cfg.Generation.Alignment.TailSteps != 10 {
		t.Errorf("TailSteps default lost: %d", cfg.Generation.Alignment.TailSteps)
	}

	if cfg.Generation.PromptReference != 4*time.Second || cfg.Generation.EmbedReference != 6*time.Second {
		t.Errorf("reference windows = %v, %v", cfg.Generation.PromptReference, cfg.Generation.EmbedReference)
	}

	if cfg.Vocoder.FlowSteps != 4 {
		t.Errorf("FlowSteps = %d", cfg.Vocoder.FlowSteps)
	}
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("VOICECLONE_GENERATION_SEED", "42")

	b := newFlagBinder(DefaultConfig())
	if err := b.fs.Parse([]string{"--generation-max-steps=77", "--runtime-device=GPU"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: b, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Generation.MaxSteps != 77 {
		t.Errorf("MaxSteps = %d; want 77", cfg.Generation.MaxSteps)
	}

	if cfg.Generation.Seed != 42 {
		t.Errorf("Seed = %d; want 42", cfg.Generation.Seed)
	}

	if cfg.Runtime.Device != DeviceCUDA {
		t.Errorf("Device = %q; want %q", cfg.Runtime.Device, DeviceCUDA)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"), Defaults: DefaultConfig()})
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestNormalizeDevice(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", DeviceCPU, false},
		{" CPU ", DeviceCPU, false},
		{"cuda", DeviceCUDA, false},
		{"cuda:1", "cuda:1", false},
		{"gpu", DeviceCUDA, false},
		{"mps", DeviceMPS, false},
		{"mps:0", "", true},
		{"tpu", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeDevice(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizeDevice(%q) err = %v; wantErr %v", tt.in, err, tt.wantErr)
		}

		if got != tt.want {
			t.Fatalf("NormalizeDevice(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
