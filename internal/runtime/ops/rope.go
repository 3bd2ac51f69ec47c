package ops

import (
	"fmt"

	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

// RoPE rotates interleaved (even, odd) pairs of the last axis of x
// [..., T, D] by the angles of positions pos..pos+T-1. cos and sin are
// tables of shape [maxPos, D/2].
func RoPE(x, cos, sin *tensor.Tensor, pos int64) (*tensor.Tensor, error) {
	xs := x.Shape()
	if len(xs) < 2 || pos < 0 {
		return nil, fmt.Errorf("ops: rope: bad input %v at position %d", xs, pos)
	}

	seq, dim := int(xs[len(xs)-2]), int(xs[len(xs)-1])
	if dim%2 != 0 {
		return nil, fmt.Errorf("ops: rope: odd head dim %d", dim)
	}

	half := dim / 2
	cs, ss := cos.Shape(), sin.Shape()
	if len(cs) != 2 || len(ss) != 2 || int(cs[1]) != half || int(ss[1]) != half {
		return nil, fmt.Errorf("ops: rope: tables %v/%v do not match head dim %d", cs, ss, dim)
	}
	if int(cs[0]) < int(pos)+seq || int(ss[0]) < int(pos)+seq {
		return nil, fmt.Errorf("ops: rope: tables cover %d positions, need %d", min(cs[0], ss[0]), int(pos)+seq)
	}

	out := x.Clone()
	data, c, s := out.RawData(), cos.RawData(), sin.RawData()

	for base := 0; base < len(data); base += seq * dim {
		for t := range seq {
			vec := data[base+t*dim:][:dim]
			cr := c[(int(pos)+t)*half:][:half]
			sr := s[(int(pos)+t)*half:][:half]

			for j := range half {
				a, b := vec[2*j], vec[2*j+1]
				vec[2*j] = a*cr[j] - b*sr[j]
				vec[2*j+1] = a*sr[j] + b*cr[j]
			}
		}
	}

	return out, nil
}
