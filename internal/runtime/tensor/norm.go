package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax normalizes along dim.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	d, err := axis(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	n := int(x.shape[d])
	if n == 0 {
		return nil, errors.New("tensor: softmax over empty dim")
	}

	outer, inner := split(x.shape, d)
	out := make([]float32, len(x.data))

	for o := range outer {
		for i := range inner {
			base := o*n*inner + i
			peak := float32(math.Inf(-1))
			for j := range n {
				peak = max(peak, x.data[base+j*inner])
			}

			var sum float64
			for j := range n {
				e := math.Exp(float64(x.data[base+j*inner] - peak))
				out[base+j*inner] = float32(e)
				sum += e
			}

			if sum == 0 || math.IsNaN(sum) {
				return nil, errors.New("tensor: softmax row has no finite entries")
			}

			for j := range n {
				out[base+j*inner] = float32(float64(out[base+j*inner]) / sum)
			}
		}
	}

	return newOwned(out, append([]int64(nil), x.shape...)), nil
}

// LayerNorm normalizes over the last dim, then scales by weight and shifts by
// bias when those are non-nil.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if x == nil || len(x.shape) == 0 {
		return nil, errors.New("tensor: layernorm needs a non-scalar tensor")
	}

	n := int(x.shape[len(x.shape)-1])
	if weight != nil && len(weight.data) != n {
		return nil, fmt.Errorf("tensor: layernorm weight has %d entries, want %d", len(weight.data), n)
	}

	if bias != nil && len(bias.data) != n {
		return nil, fmt.Errorf("tensor: layernorm bias has %d entries, want %d", len(bias.data), n)
	}

	out := make([]float32, len(x.data))
	if n == 0 {
		return newOwned(out, append([]int64(nil), x.shape...)), nil
	}

	for r := 0; r < len(x.data); r += n {
		row := x.data[r : r+n]

		var mean, sq float64
		for _, v := range row {
			mean += float64(v)
		}

		mean /= float64(n)
		for _, v := range row {
			c := float64(v) - mean
			sq += c * c
		}

		inv := 1 / math.Sqrt(sq/float64(n)+float64(eps))
		dst := out[r : r+n]
		for i, v := range row {
			y := float32((float64(v) - mean) * inv)
			if weight != nil {
				y *= weight.data[i]
			}

			if bias != nil {
				y += bias.data[i]
			}

			dst[i] = y
		}
	}

	return newOwned(out, append([]int64(nil), x.shape...)), nil
}

// BroadcastAdd adds with numpy-style broadcasting: shapes are right-aligned
// and size-1 dims stretch.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: broadcast add on nil tensor")
	}

	rank := max(len(a.shape), len(b.shape))
	shape := make([]int64, rank)
	sa := broadcastStrides(a.shape, rank)
	sb := broadcastStrides(b.shape, rank)

	for i := range rank {
		da, db := padded(a.shape, rank, i), padded(b.shape, rank, i)
		switch {
		case da == db, db == 1:
			shape[i] = da
		case da == 1:
			shape[i] = db
		default:
			return nil, fmt.Errorf("tensor: cannot broadcast %v with %v", a.shape, b.shape)
		}
	}

	total, _ := shapeElemCount(shape)
	out := make([]float32, total)
	idx := make([]int64, rank)
	var ia, ib int64

	for k := range out {
		out[k] = a.data[ia] + b.data[ib]

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			ia += sa[d]
			ib += sb[d]
			if idx[d] < shape[d] {
				break
			}

			ia -= sa[d] * idx[d]
			ib -= sb[d] * idx[d]
			idx[d] = 0
		}
	}

	return newOwned(out, shape), nil
}

func padded(shape []int64, rank, i int) int64 {
	j := i - (rank - len(shape))
	if j < 0 {
		return 1
	}

	return shape[j]
}

// broadcastStrides returns row-major strides in a rank-wide frame, zero where
// the dim is absent or has size 1.
func broadcastStrides(shape []int64, rank int) []int64 {
	st := make([]int64, rank)
	step := int64(1)

	for i := rank - 1; i >= 0; i-- {
		if d := padded(shape, rank, i); d != 1 {
			st[i] = step
			step *= d
		}
	}

	return st
}
