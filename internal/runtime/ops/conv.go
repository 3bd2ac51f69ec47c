package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

// ConvParams are the hyper-parameters of a single-group 1-D convolution.
type ConvParams struct {
	Stride   int64
	Padding  int64
	Dilation int64
}

func (p ConvParams) check(op string) (ConvParams, error) {
	if p.Dilation == 0 {
		p.Dilation = 1
	}
	if p.Stride <= 0 || p.Dilation <= 0 || p.Padding < 0 {
		return p, fmt.Errorf("ops: %s: invalid stride/padding/dilation %+v", op, p)
	}
	return p, nil
}

// conv3 validates x [B, Cin, T] against a rank-3 weight and an optional
// [outCh] bias.
func conv3(op string, x, w, b *tensor.Tensor, inAxis, outAxis int) (xs, ws []int64, bias []float32, err error) {
	if x == nil || w == nil {
		return nil, nil, nil, errors.New("ops: " + op + ": nil input or weight")
	}

	xs, ws = x.Shape(), w.Shape()
	if len(xs) != 3 || len(ws) != 3 {
		return nil, nil, nil, fmt.Errorf("ops: %s: want rank-3 input and weight, got %v and %v", op, xs, ws)
	}

	if ws[inAxis] != xs[1] {
		return nil, nil, nil, fmt.Errorf("ops: %s: weight expects %d input channels, input has %d", op, ws[inAxis], xs[1])
	}

	if b != nil {
		if bs := b.Shape(); len(bs) != 1 || bs[0] != ws[outAxis] {
			return nil, nil, nil, fmt.Errorf("ops: %s: bias shape %v, want [%d]", op, bs, ws[outAxis])
		}
		bias = b.RawData()
	}

	return xs, ws, bias, nil
}

// Conv1D convolves x [B, Cin, T] with w [Cout, Cin, K]. Each batch item is
// lowered to im2col rows so every output sample is one contiguous dot
// product; output channels are spread over the conv workers.
func Conv1D(x, w, b *tensor.Tensor, p ConvParams) (*tensor.Tensor, error) {
	p, err := p.check("conv1d")
	if err != nil {
		return nil, err
	}

	xs, ws, bias, err := conv3("conv1d", x, w, b, 1, 0)
	if err != nil {
		return nil, err
	}

	batch, inCh, inLen := int(xs[0]), int(xs[1]), int(xs[2])
	outCh, k := int(ws[0]), int(ws[2])
	stride, pad, dil := int(p.Stride), int(p.Padding), int(p.Dilation)

	outLen := (inLen+2*pad-dil*(k-1)-1)/stride + 1
	if outLen <= 0 {
		return nil, fmt.Errorf("ops: conv1d: input length %d too short for kernel %d", inLen, k)
	}

	out, err := tensor.Zeros([]int64{int64(batch), int64(outCh), int64(outLen)})
	if err != nil {
		return nil, err
	}

	row := inCh * k
	cols := getScratch(outLen * row)
	defer putScratch(cols)

	in, kernel, dst := x.RawData(), w.RawData(), out.RawData()

	for bi := range batch {
		clear(cols)

		for c := range inCh {
			src := in[(bi*inCh+c)*inLen:][:inLen]
			for kx := range k {
				col := c*k + kx
				for t := range outLen {
					if pos := t*stride - pad + kx*dil; pos >= 0 && pos < inLen {
						cols[t*row+col] = src[pos]
					}
				}
			}
		}

		base := bi * outCh * outLen
		forChannels(outCh, func(lo, hi int) {
			for oc := lo; oc < hi; oc++ {
				filter := kernel[oc*row:][:row]
				var bv float32
				if bias != nil {
					bv = bias[oc]
				}

				y := dst[base+oc*outLen:][:outLen]
				for t := range y {
					y[t] = tensor.DotProduct(filter, cols[t*row:][:row]) + bv
				}
			}
		})
	}

	return out, nil
}

// PackTransposed reorders a transposed-convolution weight from [Cin, Cout, K]
// to [K, Cout, Cin] so ConvTranspose1D reads each tap as a contiguous row.
func PackTransposed(w *tensor.Tensor) []float32 {
	s := w.Shape()
	inCh, outCh, k := int(s[0]), int(s[1]), int(s[2])
	src := w.RawData()

	packed := make([]float32, len(src))
	for ic := range inCh {
		for oc := range outCh {
			for kx := range k {
				packed[(kx*outCh+oc)*inCh+ic] = src[(ic*outCh+oc)*k+kx]
			}
		}
	}

	return packed
}

// ConvTranspose1D upsamples x [B, Cin, T] with w [Cin, Cout, K]. packed must
// come from PackTransposed(w); nil packs on the fly.
func ConvTranspose1D(x, w, b *tensor.Tensor, packed []float32, p ConvParams) (*tensor.Tensor, error) {
	p, err := p.check("conv_transpose1d")
	if err != nil {
		return nil, err
	}

	xs, ws, bias, err := conv3("conv_transpose1d", x, w, b, 0, 1)
	if err != nil {
		return nil, err
	}

	if packed == nil {
		packed = PackTransposed(w)
	}
	if len(packed) != w.ElemCount() {
		return nil, fmt.Errorf("ops: conv_transpose1d: packed weight has %d values, want %d", len(packed), w.ElemCount())
	}

	batch, inCh, inLen := int(xs[0]), int(xs[1]), int(xs[2])
	outCh, k := int(ws[1]), int(ws[2])
	stride, pad, dil := int(p.Stride), int(p.Padding), int(p.Dilation)

	outLen := (inLen-1)*stride - 2*pad + dil*(k-1) + 1
	if outLen <= 0 {
		return nil, fmt.Errorf("ops: conv_transpose1d: non-positive output length %d", outLen)
	}

	out, err := tensor.Zeros([]int64{int64(batch), int64(outCh), int64(outLen)})
	if err != nil {
		return nil, err
	}

	// frames holds the input time-major so each input frame is a
	// contiguous [Cin] row.
	frames := getScratch(inLen * inCh)
	defer putScratch(frames)

	in, dst := x.RawData(), out.RawData()

	for bi := range batch {
		for c := range inCh {
			for t, v := range in[(bi*inCh+c)*inLen:][:inLen] {
				frames[t*inCh+c] = v
			}
		}

		base := bi * outCh * outLen
		forChannels(outCh, func(lo, hi int) {
			for oc := lo; oc < hi; oc++ {
				y := dst[base+oc*outLen:][:outLen]

				for kx := range k {
					tap := packed[(kx*outCh+oc)*inCh:][:inCh]
					for t := range inLen {
						if pos := t*stride - pad + kx*dil; pos >= 0 && pos < outLen {
							y[pos] += tensor.DotProduct(tap, frames[t*inCh:][:inCh])
						}
					}
				}

				if bias != nil {
					for i := range y {
						y[i] += bias[oc]
					}
				}
			}
		})
	}

	return out, nil
}
