package audio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Load reads a WAV or MP3 file into a mono waveform at its native rate.
func Load(path string) (Waveform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("audio: read %s: %w", path, err)
	}

	w, err := DecodeBytes(data, filepath.Ext(path))
	if err != nil {
		return Waveform{}, fmt.Errorf("audio: %s: %w", path, err)
	}

	return w, nil
}

// DecodeBytes sniffs RIFF/ID3/MPEG frame headers and falls back to the file
// extension hint.
func DecodeBytes(data []byte, extHint string) (Waveform, error) {
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return DecodeWAV(data)
	case bytes.HasPrefix(data, []byte("ID3")), len(data) > 1 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return DecodeMP3(data)
	}

	switch strings.ToLower(extHint) {
	case ".mp3":
		return DecodeMP3(data)
	case ".wav", ".wave":
		return DecodeWAV(data)
	default:
		return Waveform{}, fmt.Errorf("unsupported audio container %q", extHint)
	}
}

// Save writes w as 16-bit PCM WAV.
func Save(path string, w Waveform) error {
	data, err := EncodeWAV(w)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("audio: write %s: %w", path, err)
	}

	return nil
}
