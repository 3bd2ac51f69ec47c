// Package safetensors reads and writes the safetensors checkpoint layout:
// an 8-byte little-endian header length, a JSON header, then raw tensor data.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Tensor is one named float32 tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

const metadataKey = "__metadata__"

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// dtype describes an element encoding we can widen to float32.
type dtype struct {
	size   int
	decode func(b []byte) float32
}

var dtypes = map[string]dtype{
	"F32": {4, func(b []byte) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}},
	"F16": {2, func(b []byte) float32 {
		return halfToFloat(binary.LittleEndian.Uint16(b))
	}},
	"BF16": {2, func(b []byte) float32 {
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
	}},
}

func lookupDType(name string) (dtype, error) {
	dt, ok := dtypes[strings.ToUpper(name)]
	if !ok {
		return dtype{}, fmt.Errorf("unsupported dtype %q", name)
	}

	return dt, nil
}

func elements(shape []int64) (int, error) {
	n := int64(1)
	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("negative dimension in %v", shape)
		case d == 0:
			return 0, nil
		case n > math.MaxInt32/d:
			return 0, fmt.Errorf("shape %v is too large", shape)
		}

		n *= d
	}

	return int(n), nil
}

func (dt dtype) widen(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = dt.decode(raw[i*dt.size:])
	}

	return out
}

// halfToFloat widens an IEEE 754 binary16 value.
func halfToFloat(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := int(h>>10) & 0x1f
	frac := uint32(h & 0x3ff)

	switch {
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: value is frac * 2^-24
		v := float32(frac) / (1 << 24)
		if sign != 0 {
			v = -v
		}

		return v
	}

	return math.Float32frombits(sign | uint32(exp+112)<<23 | frac<<13)
}
