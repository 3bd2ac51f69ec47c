package audio

import (
	"errors"
	"fmt"
	"io"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// EncodeWAV renders a mono waveform as 16-bit PCM WAV. Samples are clipped
// to [-1, 1].
func EncodeWAV(w Waveform) ([]byte, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	clipped := make([]float32, len(w.Samples))
	for i, s := range w.Samples {
		clipped[i] = max(-1, min(1, s))
	}

	var f memFile
	enc := wav.NewEncoder(&f, w.SampleRate, OutputBitDepth, OutputChannels, 1)

	err := enc.Write(&goaudio.Float32Buffer{
		Data:           clipped,
		Format:         &goaudio.Format{SampleRate: w.SampleRate, NumChannels: OutputChannels},
		SourceBitDepth: OutputBitDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("audio: encode WAV: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: finish WAV: %w", err)
	}

	return f.buf, nil
}

// memFile is an in-memory io.WriteSeeker; the encoder seeks back to patch
// chunk sizes on Close.
type memFile struct {
	buf []byte
	off int
}

func (f *memFile) Write(p []byte) (int, error) {
	if grow := f.off + len(p) - len(f.buf); grow > 0 {
		f.buf = append(f.buf, make([]byte, grow)...)
	}

	copy(f.buf[f.off:], p)
	f.off += len(p)

	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	base := 0
	switch whence {
	case io.SeekCurrent:
		base = f.off
	case io.SeekEnd:
		base = len(f.buf)
	}

	off := base + int(offset)
	if off < 0 {
		return 0, errors.New("audio: seek before start")
	}

	f.off = off

	return int64(off), nil
}
