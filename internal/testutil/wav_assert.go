package testutil

import (
	"testing"

	"github.com/example/go-voice-clone/internal/audio"
)

// AssertValidWAV fails unless data decodes as non-empty synthesis output:
// 24 kHz mono 16-bit PCM.
func AssertValidWAV(tb testing.TB, data []byte) audio.Waveform {
	tb.Helper()

	w, err := audio.DecodeWAVStrict(data)
	if err != nil {
		tb.Fatalf("output WAV: %v", err)
	}

	if len(w.Samples) == 0 {
		tb.Fatal("output WAV has no samples")
	}

	return w
}

// AssertWAVDurationApprox fails unless the output WAV lasts between minSec
// and maxSec.
func AssertWAVDurationApprox(tb testing.TB, data []byte, minSec, maxSec float64) {
	tb.Helper()

	w := AssertValidWAV(tb, data)
	if d := w.Seconds(); d < minSec || d > maxSec {
		tb.Fatalf("output WAV lasts %.3fs, want [%.3f, %.3f]", d, minSec, maxSec)
	}
}
