package tensor

import (
	"errors"
	"fmt"
)

func shapeElemCount(shape []int64) (int, error) {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: negative dimension in shape %v", shape)
		}

		n *= d
	}

	return int(n), nil
}

func axis(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("tensor: dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

// split views shape as [outer, shape[dim], inner].
func split(shape []int64, dim int) (outer, inner int) {
	outer, inner = 1, 1
	for i := range dim {
		outer *= int(shape[i])
	}

	for i := dim + 1; i < len(shape); i++ {
		inner *= int(shape[i])
	}

	return outer, inner
}

func withDim(shape []int64, dim int, n int64) []int64 {
	s := append([]int64(nil), shape...)
	s[dim] = n

	return s
}

// Narrow keeps length entries of dim starting at start.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	d, err := axis(dim, len(t.shape))
	if err != nil {
		return nil, err
	}

	if start < 0 || length < 0 || start+length > t.shape[d] {
		return nil, fmt.Errorf("tensor: narrow [%d,%d) outside dim %d of size %d", start, start+length, d, t.shape[d])
	}

	outer, inner := split(t.shape, d)
	src := int(t.shape[d]) * inner
	block := int(length) * inner
	out := make([]float32, 0, outer*block)

	for o := range outer {
		base := o*src + int(start)*inner
		out = append(out, t.data[base:base+block]...)
	}

	return newOwned(out, withDim(t.shape, d, length)), nil
}

// Gather selects indices along dim; indices may repeat.
func (t *Tensor) Gather(dim int, indices []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: gather on nil tensor")
	}

	d, err := axis(dim, len(t.shape))
	if err != nil {
		return nil, err
	}

	size := t.shape[d]
	for _, ix := range indices {
		if ix < 0 || ix >= size {
			return nil, fmt.Errorf("tensor: gather index %d out of range [0,%d)", ix, size)
		}
	}

	outer, inner := split(t.shape, d)
	out := make([]float32, 0, outer*len(indices)*inner)

	for o := range outer {
		row := t.data[o*int(size)*inner:]
		for _, ix := range indices {
			out = append(out, row[int(ix)*inner:int(ix+1)*inner]...)
		}
	}

	return newOwned(out, withDim(t.shape, d, int64(len(indices)))), nil
}

// Transpose swaps two dimensions.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	a, err := axis(dim1, len(t.shape))
	if err != nil {
		return nil, err
	}

	b, err := axis(dim2, len(t.shape))
	if err != nil {
		return nil, err
	}

	if a == b {
		return t.Clone(), nil
	}

	if a > b {
		a, b = b, a
	}

	// Source viewed as [outer, na, mid, nb, inner].
	outer, _ := split(t.shape, a)
	_, inner := split(t.shape, b)
	na, nb := int(t.shape[a]), int(t.shape[b])

	mid := 1
	for i := a + 1; i < b; i++ {
		mid *= int(t.shape[i])
	}

	out := make([]float32, 0, len(t.data))
	for o := range outer {
		for j := range nb {
			for m := range mid {
				for i := range na {
					src := (((o*na+i)*mid+m)*nb + j) * inner
					out = append(out, t.data[src:src+inner]...)
				}
			}
		}
	}

	shape := append([]int64(nil), t.shape...)
	shape[a], shape[b] = shape[b], shape[a]

	return newOwned(out, shape), nil
}

// Concat joins tensors along dim. All other dimensions must match.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat of no tensors")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat of nil tensor")
	}

	d, err := axis(dim, len(first.shape))
	if err != nil {
		return nil, err
	}

	var total int64
	for i, x := range tensors {
		if x == nil || len(x.shape) != len(first.shape) {
			return nil, fmt.Errorf("tensor: concat input %d has incompatible rank", i)
		}

		for k := range x.shape {
			if k != d && x.shape[k] != first.shape[k] {
				return nil, fmt.Errorf("tensor: concat input %d shape %v does not match %v", i, x.shape, first.shape)
			}
		}

		total += x.shape[d]
	}

	shape := withDim(first.shape, d, total)
	n, _ := shapeElemCount(shape)
	outer, inner := split(first.shape, d)
	out := make([]float32, 0, n)

	for o := range outer {
		for _, x := range tensors {
			block := int(x.shape[d]) * inner
			out = append(out, x.data[o*block:(o+1)*block]...)
		}
	}

	return newOwned(out, shape), nil
}
