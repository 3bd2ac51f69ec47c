package voiceenc_test

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/testutil"
	"github.com/example/go-voice-clone/internal/voiceenc"
)

func loadEncoder(t *testing.T) *voiceenc.Encoder {
	t.Helper()

	d := testutil.SmallDims()
	path := testutil.WriteCheckpoint(t, filepath.Join(t.TempDir(), "ve.safetensors"), nil,
		testutil.RandomTensors(1, 0.3, testutil.VoiceEncoderSpecs(d)...))

	enc, err := voiceenc.Load(path, voiceenc.DefaultConfig())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	return enc
}

func assertUnit(t *testing.T, e voiceenc.Embedding) {
	t.Helper()

	var ss float64
	for _, v := range e {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite embedding value %v", v)
		}

		ss += float64(v) * float64(v)
	}

	if math.Abs(ss-1) > 1e-4 {
		t.Fatalf("embedding norm² = %v, want 1", ss)
	}
}

func TestEmbedIsUnitAndDeterministic(t *testing.T) {
	enc := loadEncoder(t)
	clip := testutil.Chirp(120, 900, 3*time.Second, 24000)

	a, err := enc.Embed(clip)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(a) != enc.Dim() {
		t.Fatalf("len = %d, want %d", len(a), enc.Dim())
	}

	assertUnit(t, a)

	b, err := enc.Embed(clip)
	if err != nil {
		t.Fatal(err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding differs at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestEmbedShortAndEmptyClips(t *testing.T) {
	enc := loadEncoder(t)

	tests := []struct {
		name string
		clip audio.Waveform
	}{
		{"empty", audio.Waveform{SampleRate: 16000}},
		{"10ms", testutil.Sine(220, 10*time.Millisecond, 16000)},
		{"silence", audio.Waveform{Samples: make([]float32, 8000), SampleRate: 16000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := enc.Embed(tt.clip)
			if err != nil {
				t.Fatalf("Embed: %v", err)
			}

			assertUnit(t, e)
		})
	}
}

func TestEmbedRejectsInvalidRate(t *testing.T) {
	enc := loadEncoder(t)

	if _, err := enc.Embed(audio.Waveform{Samples: []float32{0}}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestSimilarity(t *testing.T) {
	a := voiceenc.Embedding{1, 0}

	s, err := voiceenc.Similarity(a, voiceenc.Embedding{0.5, 0})
	if err != nil || math.Abs(s-1) > 1e-9 {
		t.Fatalf("Similarity = %v, %v", s, err)
	}

	if _, err := voiceenc.Similarity(a, voiceenc.Embedding{1}); err == nil {
		t.Fatal("expected dimension mismatch")
	}
}
