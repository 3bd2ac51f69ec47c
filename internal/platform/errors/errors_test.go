package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains []string
	}{
		{
			name:     "error with cause",
			err:      Wrap(KindConfig, "load", "failed to load config", errors.New("file not found")),
			contains: []string{"[config:load]", "failed to load config", "file not found"},
		},
		{
			name:     "error without cause",
			err:      New(KindInput, "validate", "invalid input"),
			contains: []string{"[input:validate]", "invalid input"},
		},
		{
			name:     "unsupported character",
			err:      &UnsupportedCharacterError{Char: '☃', Offset: 3},
			contains: []string{"'☃'", "offset 3"},
		},
		{
			name:     "control out of range",
			err:      &InvalidControlParameterError{Name: "temperature", Value: 9, Min: 0, Max: 5},
			contains: []string{"temperature=9", "[0, 5]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()
			for _, substr := range tt.contains {
				if !strings.Contains(errStr, substr) {
					t.Errorf("error string %q does not contain %q", errStr, substr)
				}
			}
		})
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := &ModelNotFoundError{Path: "/models/x"}
	wrapped := Wrap(KindInternal, "load", "loading", fmt.Errorf("outer: %w", inner))

	if KindOf(wrapped) != KindResource {
		t.Fatalf("KindOf = %q; want %q", KindOf(wrapped), KindResource)
	}

	if Wrap(KindInput, "x", "y", nil) != nil {
		t.Fatal("Wrap(nil) must return nil")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{&UnsupportedCharacterError{}, KindInput},
		{&InvalidControlParameterError{}, KindInput},
		{&ModelNotFoundError{}, KindResource},
		{&DeviceUnavailableError{}, KindResource},
		{&GenerationDivergedError{}, KindGeneration},
		{&VocodingError{Reason: "empty"}, KindVocoding},
		{fmt.Errorf("ctx: %w", Cancelled("step", context.DeadlineExceeded)), KindCancelled},
		{errors.New("plain"), ""},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q; want %q", tt.err, got, tt.want)
		}
	}
}

func TestCancelledMatchesBothSentinels(t *testing.T) {
	err := Cancelled("generate", context.Canceled)

	if !errors.Is(err, ErrCancelled) {
		t.Fatal("expected errors.Is(err, ErrCancelled)")
	}

	if !errors.Is(err, context.Canceled) {
		t.Fatal("expected errors.Is(err, context.Canceled)")
	}
}

func TestGenerationDivergedCarriesPartial(t *testing.T) {
	cause := errors.New("nan logits")
	err := error(&GenerationDivergedError{Step: 7, Partial: []int64{1, 2, 3}, Cause: cause})

	var diverged *GenerationDivergedError
	if !errors.As(err, &diverged) {
		t.Fatal("errors.As failed")
	}

	if diverged.Step != 7 || len(diverged.Partial) != 3 {
		t.Fatalf("unexpected payload %+v", diverged)
	}

	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}
