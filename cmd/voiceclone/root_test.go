package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/example/go-voice-clone/internal/config"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
)

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"synth", "convert", "voice", "bench", "model", "serve", "health", "doctor"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentFlags(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"config", "log-level", "paths-model-dir", "runtime-device"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag to be registered", name)
		}
	}
}

func TestSetupLogger_InvalidLevelFallsBackToInfo(_ *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "not-a-level"} {
		setupLogger(level)
	}
}

func TestRequireConfig(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.Config{}

	if _, err := requireConfig(); err == nil {
		t.Fatal("expected error when config is not loaded")
	}

	activeCfg = config.DefaultConfig()

	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig: %v", err)
	}

	if got.Paths.ModelDir != activeCfg.Paths.ModelDir {
		t.Errorf("ModelDir = %q", got.Paths.ModelDir)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("plain"), 1},
		{&verrors.UnsupportedCharacterError{Char: 'é'}, 2},
		{fmt.Errorf("wrapped: %w", &verrors.ModelNotFoundError{Path: "x"}), 3},
		{&verrors.DeviceUnavailableError{Device: "cuda"}, 3},
		{verrors.Cancelled("synth", context.Canceled), 130},
		{&verrors.GenerationDivergedError{Step: 3}, 1},
	}

	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
