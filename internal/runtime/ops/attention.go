package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

// CausalAttention is scaled dot-product attention over q [..., Tq, D],
// k [..., Tk, D] and v [..., Tk, Dv] where query i sits at absolute position
// offset+i and sees keys 0..offset+i. It also returns the attention
// probabilities [..., Tq, Tk], which the alignment analyzer consumes.
func CausalAttention(q, k, v *tensor.Tensor, offset int64) (out, probs *tensor.Tensor, err error) {
	if q == nil || k == nil || v == nil {
		return nil, nil, errors.New("ops: attention: nil q/k/v")
	}

	qs, ks, vs := q.Shape(), k.Shape(), v.Shape()
	if len(qs) < 2 || len(ks) < 2 || len(vs) < 2 {
		return nil, nil, errors.New("ops: attention: inputs must be at least rank 2")
	}

	d := qs[len(qs)-1]
	if ks[len(ks)-1] != d {
		return nil, nil, fmt.Errorf("ops: attention: query depth %d, key depth %d", d, ks[len(ks)-1])
	}
	if ks[len(ks)-2] != vs[len(vs)-2] {
		return nil, nil, fmt.Errorf("ops: attention: %d keys but %d values", ks[len(ks)-2], vs[len(vs)-2])
	}

	kT, err := k.Transpose(-1, -2)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention: %w", err)
	}

	scores, err := tensor.MatMul(q, kT)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention scores: %w", err)
	}

	scores = tensor.Scale(scores, float32(1/math.Sqrt(float64(d))))
	maskFuture(scores.RawData(), int(qs[len(qs)-2]), int(ks[len(ks)-2]), int(offset))

	probs, err = tensor.Softmax(scores, -1)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention softmax: %w", err)
	}

	out, err = tensor.MatMul(probs, v)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention values: %w", err)
	}

	return out, probs, nil
}

// maskFuture writes -Inf over every [tq, tk] block where key > offset+query.
func maskFuture(scores []float32, tq, tk, offset int) {
	negInf := float32(math.Inf(-1))

	for blk := 0; blk < len(scores); blk += tq * tk {
		for i := range tq {
			row := scores[blk+i*tk:][:tk]
			for j := offset + i + 1; j < tk; j++ {
				row[j] = negInf
			}
		}
	}
}
