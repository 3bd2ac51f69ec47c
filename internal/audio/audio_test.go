package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

// makeWAV builds a minimal PCM16 WAV whose interleaved samples are all value.
func makeWAV(sampleRate uint32, numChannels uint16, numFrames int, value int16) []byte {
	const bitDepth = 16
	blockAlign := numChannels * bitDepth / 8
	byteRate := sampleRate * uint32(blockAlign)
	dataSize := uint32(numFrames) * uint32(blockAlign)
	riffSize := 4 + (8 + 16) + (8 + dataSize)

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, numChannels)
	_ = binary.Write(buf, binary.LittleEndian, sampleRate)
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitDepth))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataSize)

	for range numFrames * int(numChannels) {
		_ = binary.Write(buf, binary.LittleEndian, value)
	}

	return buf.Bytes()
}

func sine(freq float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}

	return out
}

func TestDecodeWAV(t *testing.T) {
	t.Run("any rate is accepted", func(t *testing.T) {
		w, err := DecodeWAV(makeWAV(16000, 1, 160, 0))
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}

		if w.SampleRate != 16000 || len(w.Samples) != 160 {
			t.Fatalf("got rate=%d n=%d", w.SampleRate, len(w.Samples))
		}
	})

	t.Run("stereo is downmixed", func(t *testing.T) {
		w, err := DecodeWAV(makeWAV(44100, 2, 50, 0))
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}

		if len(w.Samples) != 50 {
			t.Fatalf("got %d mono samples, want 50", len(w.Samples))
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, err := DecodeWAV([]byte("not a wav file at all")); err == nil {
			t.Fatal("expected error")
		}

		if _, err := DecodeWAV(nil); err == nil {
			t.Fatal("expected error for empty input")
		}
	})
}

func TestDecodeWAVStrict(t *testing.T) {
	if _, err := DecodeWAVStrict(makeWAV(24000, 1, 10, 0)); err != nil {
		t.Fatalf("DecodeWAVStrict: %v", err)
	}

	_, err := DecodeWAVStrict(makeWAV(16000, 1, 10, 0))
	if !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("err = %v; want ErrFormatMismatch", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Waveform{Samples: sine(440, OutputSampleRate, 2400), SampleRate: OutputSampleRate}

	data, err := EncodeWAV(in)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	out, err := DecodeWAVStrict(data)
	if err != nil {
		t.Fatalf("DecodeWAVStrict: %v", err)
	}

	if len(out.Samples) != len(in.Samples) {
		t.Fatalf("len = %d; want %d", len(out.Samples), len(in.Samples))
	}

	for i := range in.Samples {
		if math.Abs(float64(out.Samples[i]-in.Samples[i])) > 1e-3 {
			t.Fatalf("sample %d = %v; want %v", i, out.Samples[i], in.Samples[i])
		}
	}

	if _, err := EncodeWAV(Waveform{Samples: in.Samples}); !errors.Is(err, ErrInvalidSampleRate) {
		t.Fatalf("err = %v; want ErrInvalidSampleRate", err)
	}
}

func TestLoadSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w := Waveform{Samples: sine(220, 24000, 1200), SampleRate: 24000}

	if err := Save(path, w); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.SampleRate != 24000 || len(got.Samples) != 1200 {
		t.Fatalf("Load = rate %d n %d", got.SampleRate, len(got.Samples))
	}

	if _, err := DecodeBytes([]byte{1, 2, 3}, ".flac"); err == nil {
		t.Fatal("expected unsupported container error")
	}
}

func TestWaveformHelpers(t *testing.T) {
	w := Waveform{Samples: make([]float32, 48000), SampleRate: 24000}

	if w.Duration() != 2*time.Second || w.Seconds() != 2 {
		t.Fatalf("Duration = %v", w.Duration())
	}

	if got := len(w.Head(500 * time.Millisecond).Samples); got != 12000 {
		t.Fatalf("Head len = %d", got)
	}

	joined, err := Concat([]Waveform{w, w}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}

	if len(joined.Samples) != 96000+2400 {
		t.Fatalf("Concat len = %d", len(joined.Samples))
	}

	if _, err := Concat([]Waveform{w, {Samples: nil, SampleRate: 16000}}, 0); err == nil {
		t.Fatal("expected sample rate mismatch error")
	}
}

func TestResample(t *testing.T) {
	in := Waveform{Samples: sine(200, 24000, 24000), SampleRate: 24000}

	out, err := Resample(in, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}

	if out.SampleRate != 16000 || len(out.Samples) != 16000 {
		t.Fatalf("rate=%d n=%d", out.SampleRate, len(out.Samples))
	}

	// A low tone survives with roughly the same amplitude.
	var peak float32
	for _, s := range out.Samples[1000:15000] {
		peak = max(peak, s)
	}

	if peak < 0.45 || peak > 0.55 {
		t.Fatalf("peak after resample = %v", peak)
	}

	again, err := Resample(in, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}

	for i := range out.Samples {
		if out.Samples[i] != again.Samples[i] {
			t.Fatal("resampling is not deterministic")
		}
	}
}

func TestMelExtractor(t *testing.T) {
	m, err := NewMelExtractor(MelConfig{SampleRate: 16000, NFFT: 400, Hop: 160, NMels: 40})
	if err != nil {
		t.Fatalf("NewMelExtractor: %v", err)
	}

	mel, frames, err := m.Compute(sine(1000, 16000, 16000))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if frames != 100 || len(mel) != 100*40 {
		t.Fatalf("frames=%d len=%d", frames, len(mel))
	}

	// 1 kHz sits near mel band 13 of 40 over 0-8 kHz.
	row := mel[50*40 : 51*40]
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}

	if best < 12 || best > 15 {
		t.Fatalf("loudest band = %d; want 12..15", best)
	}

	if _, _, err := m.Compute(make([]float32, 10)); err == nil {
		t.Fatal("expected error for clip shorter than a hop")
	}

	if _, err := NewMelExtractor(MelConfig{SampleRate: 16000}); err == nil {
		t.Fatal("expected invalid config error")
	}
}

func TestDSP(t *testing.T) {
	in := []float32{0.1, -0.25, 0.2}

	norm := PeakNormalize(in, 1)
	if norm[1] != -1 {
		t.Fatalf("PeakNormalize = %v", norm)
	}

	if got := PeakNormalize([]float32{0, 0}, 1); got[0] != 0 {
		t.Fatalf("silent normalize = %v", got)
	}

	dc := make([]float32, 24000)
	for i := range dc {
		dc[i] = 0.5
	}

	blocked := DCBlock(dc, 24000)
	if math.Abs(float64(blocked[len(blocked)-1])) > 0.01 {
		t.Fatalf("DC not removed: %v", blocked[len(blocked)-1])
	}

	ones := []float32{1, 1, 1, 1}

	fin := FadeIn(ones, 1000, 2)
	if fin[0] != 0 || fin[3] != 1 {
		t.Fatalf("FadeIn = %v", fin)
	}

	fout := FadeOut(ones, 1000, 2)
	if fout[3] != 0 || fout[0] != 1 {
		t.Fatalf("FadeOut = %v", fout)
	}

	chain := ApplyHooks(in, func(s []float32) []float32 { return PeakNormalize(s, 0.5) })
	if chain[1] != -0.5 {
		t.Fatalf("ApplyHooks = %v", chain)
	}
}
