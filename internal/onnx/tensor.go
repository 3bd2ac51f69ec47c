// Package onnx runs exported ONNX graphs through onnxruntime-purego.
package onnx

import (
	"fmt"
	"math"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a host-side value exchanged with an ONNX graph.
type Tensor struct {
	dtype TensorDType
	shape []int64
	f32   []float32
	i64   []int64
}

// NewTensor copies data; the element count must match shape.
func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}

	if n != len(data) {
		return nil, fmt.Errorf("onnx: shape %v expects %d elements, got %d", shape, n, len(data))
	}

	t := &Tensor{shape: append([]int64(nil), shape...)}

	switch any(data).(type) {
	case []float32:
		t.dtype = DTypeFloat32
		t.f32 = make([]float32, n)
		for i, v := range data {
			t.f32[i] = float32(v)
		}
	case []int64:
		t.dtype = DTypeInt64
		t.i64 = make([]int64, n)
		for i, v := range data {
			t.i64[i] = int64(v)
		}
	default:
		return nil, fmt.Errorf("onnx: unsupported element type %T", data)
	}

	return t, nil
}

func (t *Tensor) DType() TensorDType { return t.dtype }

func (t *Tensor) Shape() []int64 { return append([]int64(nil), t.shape...) }

// Float32s returns a copy of the data of a float32 tensor.
func (t *Tensor) Float32s() ([]float32, error) {
	if t == nil || t.dtype != DTypeFloat32 {
		return nil, fmt.Errorf("onnx: expected float32 tensor, got %s", t.dtypeName())
	}

	return append([]float32(nil), t.f32...), nil
}

// Int64s returns a copy of the data of an int64 tensor.
func (t *Tensor) Int64s() ([]int64, error) {
	if t == nil || t.dtype != DTypeInt64 {
		return nil, fmt.Errorf("onnx: expected int64 tensor, got %s", t.dtypeName())
	}

	return append([]int64(nil), t.i64...), nil
}

func (t *Tensor) dtypeName() string {
	if t == nil {
		return "nil"
	}

	return string(t.dtype)
}

func elementCount(shape []int64) (int, error) {
	count := int64(1)

	for i, dim := range shape {
		if dim < 1 {
			return 0, fmt.Errorf("onnx: shape[%d]=%d is not positive", i, dim)
		}

		if count > math.MaxInt32/dim {
			return 0, fmt.Errorf("onnx: shape %v overflows element count", shape)
		}

		count *= dim
	}

	return int(count), nil
}
