package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Map applies fn to every element of a copy of x.
func Map(x *Tensor, fn func(float32) float32) *Tensor {
	if x == nil {
		return nil
	}

	out := make([]float32, len(x.data))
	for i, v := range x.data {
		out[i] = fn(v)
	}

	return newOwned(out, slices.Clone(x.shape))
}

// Add sums two tensors of the same shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: add on nil tensor")
	}

	if !slices.Equal(a.shape, b.shape) {
		return nil, fmt.Errorf("tensor: add %v and %v", a.shape, b.shape)
	}

	out := slices.Clone(a.data)
	Axpy(out, 1, b.data)

	return newOwned(out, slices.Clone(a.shape)), nil
}

func Scale(x *Tensor, s float32) *Tensor {
	return Map(x, func(v float32) float32 { return v * s })
}

func Tanh(x *Tensor) *Tensor {
	return Map(x, func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

// GELU, tanh form.
func GELU(x *Tensor) *Tensor {
	k := math.Sqrt(2 / math.Pi)

	return Map(x, func(v float32) float32 {
		f := float64(v)
		return float32(f / 2 * (1 + math.Tanh(k*(f+0.044715*f*f*f))))
	})
}

func SiLU(x *Tensor) *Tensor {
	return Map(x, func(v float32) float32 {
		return v / float32(1+math.Exp(-float64(v)))
	})
}

func LeakyReLU(x *Tensor, slope float32) *Tensor {
	return Map(x, func(v float32) float32 {
		return max(v, 0) + slope*min(v, 0)
	})
}

// HasNaN reports any NaN or infinity.
func HasNaN(x *Tensor) bool {
	if x == nil {
		return false
	}

	return slices.ContainsFunc(x.data, func(v float32) bool {
		f := float64(v)
		return math.IsNaN(f) || math.IsInf(f, 0)
	})
}
