package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
)

// Output format of every synthesized waveform.
const (
	OutputSampleRate = 24000
	OutputChannels   = 1
	OutputBitDepth   = 16
)

// ErrFormatMismatch is returned by DecodeWAVStrict when a WAV does not match
// the output format.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// DecodeWAV decodes WAV bytes at any rate and channel count into a mono
// waveform.
func DecodeWAV(data []byte) (Waveform, error) {
	if len(data) == 0 {
		return Waveform{}, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Waveform{}, errors.New("invalid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("reading PCM data: %w", err)
	}

	w := Waveform{
		Samples:    downmix(buf.Data, int(dec.NumChans)),
		SampleRate: int(dec.SampleRate),
	}
	if err := w.Validate(); err != nil {
		return Waveform{}, err
	}

	return w, nil
}

// DecodeWAVStrict decodes WAV bytes and checks they are 24 kHz mono 16-bit.
func DecodeWAVStrict(data []byte) (Waveform, error) {
	if len(data) == 0 {
		return Waveform{}, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Waveform{}, errors.New("invalid WAV file")
	}

	if dec.SampleRate != OutputSampleRate {
		return Waveform{}, fmt.Errorf("%w: sample rate %d, want %d", ErrFormatMismatch, dec.SampleRate, OutputSampleRate)
	}
	if dec.NumChans != OutputChannels {
		return Waveform{}, fmt.Errorf("%w: channels %d, want %d", ErrFormatMismatch, dec.NumChans, OutputChannels)
	}
	if dec.BitDepth != OutputBitDepth {
		return Waveform{}, fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, dec.BitDepth, OutputBitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("reading PCM data: %w", err)
	}

	return Waveform{Samples: buf.Data, SampleRate: OutputSampleRate}, nil
}
