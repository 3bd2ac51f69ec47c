// Package tensor is the dense float32 array every native model stage
// (speaker encoder, token generator, vocoder) computes on.
package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// Tensor is row-major. Operations return fresh tensors and never alias
// their inputs.
type Tensor struct {
	shape []int64
	data  []float32
}

// New copies data into a tensor of the given shape.
func New(data []float32, shape []int64) (*Tensor, error) {
	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if n != len(data) {
		return nil, fmt.Errorf("tensor: %d values for shape %v (%d elements)", len(data), shape, n)
	}

	return newOwned(slices.Clone(data), slices.Clone(shape)), nil
}

// newOwned adopts data and shape without copying or checking.
func newOwned(data []float32, shape []int64) *Tensor {
	if data == nil {
		data = []float32{}
	}

	return &Tensor{shape: shape, data: data}
}

func Zeros(shape []int64) (*Tensor, error) {
	return Full(shape, 0)
}

// Full returns a tensor with every element set to v.
func Full(shape []int64, v float32) (*Tensor, error) {
	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float32, n)
	if v != 0 {
		for i := range data {
			data[i] = v
		}
	}

	return newOwned(data, slices.Clone(shape)), nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return slices.Clone(t.shape)
}

// Data is a copy of the values.
func (t *Tensor) Data() []float32 {
	return slices.Clone(t.RawData())
}

// RawData exposes the backing slice. Treat it as read-only unless the tensor
// was created by the caller.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int { return len(t.RawData()) }

func (t *Tensor) Rank() int { return len(t.Shape()) }

func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return newOwned(slices.Clone(t.data), slices.Clone(t.shape))
}

// Reshape returns a copy with a new shape of the same element count.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape of nil tensor")
	}

	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if n != len(t.data) {
		return nil, fmt.Errorf("tensor: reshape %v to %v changes element count", t.shape, shape)
	}

	return newOwned(slices.Clone(t.data), slices.Clone(shape)), nil
}
