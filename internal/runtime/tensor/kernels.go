package tensor

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var workers atomic.Int32

// SetWorkers bounds the goroutines MatMul and Linear fan out to.
// n <= 1 keeps them serial.
func SetWorkers(n int) {
	workers.Store(int32(max(1, min(n, 1<<16))))
}

// parallelRange splits [0,n) into contiguous spans, one per worker.
func parallelRange(n int, fn func(lo, hi int)) {
	w := min(int(workers.Load()), n)
	if w <= 1 {
		if n > 0 {
			fn(0, n)
		}

		return
	}

	span := (n + w - 1) / w
	var wg sync.WaitGroup

	for lo := 0; lo < n; lo += span {
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, min(lo+span, n))
	}

	wg.Wait()
}

// DotProduct returns the dot product over the shorter of a and b.
func DotProduct(a, b []float32) float32 {
	n := min(len(a), len(b))
	a, b = a[:n], b[:n]

	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}

	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}

	return s0 + s1 + s2 + s3
}

// Axpy adds alpha*src into dst over the shorter of the two.
func Axpy(dst []float32, alpha float32, src []float32) {
	if alpha == 0 {
		return
	}

	n := min(len(dst), len(src))
	for i, v := range src[:n] {
		dst[i] += alpha * v
	}
}

// MatMul multiplies [..., M, K] by [..., K, N]. The batch dims of b must
// equal those of a, or b must be a plain [K, N] matrix shared by every batch.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul on nil tensor")
	}

	ra, rb := len(a.shape), len(b.shape)
	if ra < 2 || rb < 2 {
		return nil, fmt.Errorf("tensor: matmul needs rank >= 2, got %v x %v", a.shape, b.shape)
	}

	m, k := int(a.shape[ra-2]), int(a.shape[ra-1])
	if int(b.shape[rb-2]) != k {
		return nil, fmt.Errorf("tensor: matmul inner dims differ: %v x %v", a.shape, b.shape)
	}

	n := int(b.shape[rb-1])
	shared := rb == 2
	if !shared && !slices.Equal(a.shape[:ra-2], b.shape[:rb-2]) {
		return nil, fmt.Errorf("tensor: matmul batch dims differ: %v x %v", a.shape, b.shape)
	}

	batch, _ := shapeElemCount(a.shape[:ra-2])

	out := make([]float32, batch*m*n)
	parallelRange(batch*m, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			mat := b.data
			if !shared {
				bi := r / m
				mat = b.data[bi*k*n : (bi+1)*k*n]
			}

			row := a.data[r*k : (r+1)*k]
			dst := out[r*n : (r+1)*n]
			for j, av := range row {
				Axpy(dst, av, mat[j*n:(j+1)*n])
			}
		}
	})

	shape := append(append([]int64(nil), a.shape[:ra-1]...), int64(n))

	return newOwned(out, shape), nil
}

// Linear computes x @ weight^T + bias, with weight shaped [out, in].
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear on nil tensor")
	}

	if len(weight.shape) != 2 || len(x.shape) == 0 {
		return nil, fmt.Errorf("tensor: linear shapes %v x %v", x.shape, weight.shape)
	}

	outF, inF := int(weight.shape[0]), int(weight.shape[1])
	if int(x.shape[len(x.shape)-1]) != inF {
		return nil, fmt.Errorf("tensor: linear input width %d, weight expects %d", x.shape[len(x.shape)-1], inF)
	}

	if bias != nil && len(bias.data) != outF {
		return nil, fmt.Errorf("tensor: linear bias has %d entries, want %d", len(bias.data), outF)
	}

	rows := 0
	if inF > 0 {
		rows = len(x.data) / inF
	}

	out := make([]float32, rows*outF)
	parallelRange(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			xr := x.data[r*inF : (r+1)*inF]
			dst := out[r*outF : (r+1)*outF]
			for o := range dst {
				v := DotProduct(weight.data[o*inF:(o+1)*inF], xr)
				if bias != nil {
					v += bias.data[o]
				}

				dst[o] = v
			}
		}
	})

	shape := append([]int64(nil), x.shape...)
	shape[len(shape)-1] = int64(outF)

	return newOwned(out, shape), nil
}
