package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
)

// Encode serializes tensors as F32 in name order, with an optional
// __metadata__ map.
func Encode(tensors []Tensor, metadata map[string]string) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: nothing to encode")
	}

	ordered := slices.SortedFunc(slices.Values(tensors), func(a, b Tensor) int {
		return strings.Compare(a.Name, b.Name)
	})

	header := map[string]any{}
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var body []byte
	for _, t := range ordered {
		if strings.TrimSpace(t.Name) == "" {
			return nil, errors.New("safetensors: unnamed tensor")
		}

		if _, dup := header[t.Name]; dup {
			return nil, fmt.Errorf("safetensors: tensor %q given twice", t.Name)
		}

		want, err := elements(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", t.Name, err)
		}

		if want != len(t.Data) {
			return nil, fmt.Errorf("safetensors: tensor %q has %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}

		lo := len(body)
		for _, v := range t.Data {
			body = binary.LittleEndian.AppendUint32(body, math.Float32bits(v))
		}

		header[t.Name] = headerEntry{DType: "F32", Shape: t.Shape, Offsets: [2]int{lo, len(body)}}
	}

	js, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}

	out := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(js)+len(body)), uint64(len(js)))
	out = append(out, js...)

	return append(out, body...), nil
}

// WriteFile encodes tensors and metadata to path.
func WriteFile(path string, tensors []Tensor, metadata map[string]string) error {
	data, err := Encode(tensors, metadata)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: %w", err)
	}

	return nil
}
