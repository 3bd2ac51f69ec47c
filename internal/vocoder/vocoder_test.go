package vocoder_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/example/go-voice-clone/internal/model"
	verrors "github.com/example/go-voice-clone/internal/platform/errors"
	"github.com/example/go-voice-clone/internal/testutil"
	"github.com/example/go-voice-clone/internal/vocoder"
)

func loadNative(t *testing.T) (vocoder.Vocoder, *model.Bundle) {
	t.Helper()

	b := testutil.WriteBundle(t, t.TempDir())

	v, err := vocoder.Load(b, vocoder.DefaultConfig())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	t.Cleanup(func() { _ = v.Close() })

	return v, b
}

func embedding(n int) []float32 {
	e := make([]float32, n)
	for i := range e {
		e[i] = float32(i%3) / 4
	}

	return e
}

func TestLoadPicksNativeFromMetadata(t *testing.T) {
	v, _ := loadNative(t)

	if v.Variant() != model.VariantNative {
		t.Fatalf("Variant = %q, want native", v.Variant())
	}

	if v.SampleRate() != 24000 {
		t.Fatalf("SampleRate = %d, want 24000", v.SampleRate())
	}
}

func TestSynthesizeLengthAndRange(t *testing.T) {
	v, b := loadNative(t)
	tokens := []int64{0, 17, 6560, 300, 2}

	w, err := v.Synthesize(context.Background(), tokens, embedding(int(testutil.SmallDims().Speaker)))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if want := len(tokens) * b.SamplesPerToken(); len(w.Samples) != want {
		t.Fatalf("got %d samples, want %d", len(w.Samples), want)
	}

	if w.SampleRate != 24000 {
		t.Fatalf("SampleRate = %d", w.SampleRate)
	}

	for i, s := range w.Samples {
		if math.IsNaN(float64(s)) || s > 0.99 || s < -0.99 {
			t.Fatalf("sample %d = %v outside [-0.99, 0.99]", i, s)
		}
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	v, _ := loadNative(t)
	tokens := []int64{5, 6, 7}
	emb := embedding(int(testutil.SmallDims().Speaker))

	a, err := v.Synthesize(context.Background(), tokens, emb)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	b, err := v.Synthesize(context.Background(), tokens, emb)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	for i := range a.Samples {
		if a.Samples[i] != b.Samples[i] {
			t.Fatalf("sample %d differs: %v vs %v", i, a.Samples[i], b.Samples[i])
		}
	}
}

func TestSynthesizeRejectsBadInput(t *testing.T) {
	v, _ := loadNative(t)
	emb := embedding(int(testutil.SmallDims().Speaker))

	tests := []struct {
		name   string
		tokens []int64
		emb    []float32
	}{
		{"empty tokens", nil, emb},
		{"token too large", []int64{1, vocoder.TokenVocab}, emb},
		{"negative token", []int64{-1}, emb},
		{"wrong embedding size", []int64{1, 2}, emb[:3]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Synthesize(context.Background(), tt.tokens, tt.emb)

			var verr *verrors.VocodingError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want VocodingError", err)
			}
		})
	}
}

func TestSynthesizeCancelled(t *testing.T) {
	v, _ := loadNative(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Synthesize(ctx, []int64{1, 2, 3}, embedding(int(testutil.SmallDims().Speaker)))
	if !errors.Is(err, verrors.ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

func TestLoadRejectsUnknownVariant(t *testing.T) {
	dir := t.TempDir()
	b := testutil.WriteBundle(t, dir)
	testutil.WriteCheckpoint(t, filepath.Join(dir, b.Vocoder.File), map[string]string{"variant": "mystery"},
		testutil.RandomTensors(1, 0.1, testutil.Spec{Name: "x", Shape: []int64{1}}))

	if _, err := vocoder.Load(b, vocoder.DefaultConfig()); err == nil {
		t.Fatal("Load accepted an unknown variant")
	}
}

func TestValidateTokens(t *testing.T) {
	if err := vocoder.ValidateTokens([]int64{0, 6560}); err != nil {
		t.Fatalf("valid tokens rejected: %v", err)
	}

	if !verrors.IsKind(vocoder.ValidateTokens(nil), verrors.KindVocoding) {
		t.Fatal("empty tokens should be a vocoding error")
	}
}
