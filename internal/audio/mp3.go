package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes MP3 bytes into a mono waveform. go-mp3 always yields
// 16-bit little-endian stereo.
func DecodeMP3(data []byte) (Waveform, error) {
	if len(data) == 0 {
		return Waveform{}, errors.New("empty MP3 input")
	}

	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Waveform{}, fmt.Errorf("mp3 decoder: %w", err)
	}

	pcm, err := io.ReadAll(dec)
	if err != nil {
		return Waveform{}, fmt.Errorf("mp3 decode: %w", err)
	}

	const channels = 2
	frames := len(pcm) / (2 * channels)
	samples := make([]float32, frames)

	for f := range frames {
		l := int16(binary.LittleEndian.Uint16(pcm[f*4:]))
		r := int16(binary.LittleEndian.Uint16(pcm[f*4+2:]))
		samples[f] = (float32(l) + float32(r)) / (2 * 32768)
	}

	return Waveform{Samples: samples, SampleRate: dec.SampleRate()}, nil
}
