package nn

import (
	"errors"
	"fmt"

	"github.com/example/go-voice-clone/internal/runtime/ops"
	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

type Linear struct {
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // optional [out]
}

// LoadLinear reads <name>.weight and, when present, <name>.bias.
func LoadLinear(vb *VarBuilder, name string) (*Linear, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	if w.Rank() != 2 {
		return nil, fmt.Errorf("nn: linear %q weight must be rank-2, got %v", name, w.Shape())
	}

	b, ok, err := vb.TensorMaybe(name + ".bias")
	if err != nil {
		return nil, err
	}

	if ok && (b.Rank() != 1 || b.Shape()[0] != w.Shape()[0]) {
		return nil, fmt.Errorf("nn: linear %q bias shape %v incompatible with weight %v", name, b.Shape(), w.Shape())
	}

	return &Linear{Weight: w, Bias: b}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l == nil || l.Weight == nil {
		return nil, errors.New("nn: linear is not initialized")
	}

	return tensor.Linear(x, l.Weight, l.Bias)
}

// OutDim is the projection width.
func (l *Linear) OutDim() int64 { return l.Weight.Shape()[0] }

// InDim is the expected input width.
func (l *Linear) InDim() int64 { return l.Weight.Shape()[1] }

type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func LoadLayerNorm(vb *VarBuilder, name string, eps float32) (*LayerNorm, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	b, err := vb.Tensor(name + ".bias")
	if err != nil {
		return nil, err
	}

	if w.Rank() != 1 || b.Rank() != 1 || w.Shape()[0] != b.Shape()[0] {
		return nil, fmt.Errorf("nn: layernorm %q invalid shapes weight=%v bias=%v", name, w.Shape(), b.Shape())
	}

	return &LayerNorm{Weight: w, Bias: b, Eps: eps}, nil
}

func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if ln == nil || ln.Weight == nil || ln.Bias == nil {
		return nil, errors.New("nn: layernorm is not initialized")
	}

	return tensor.LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

// Embedding is a lookup table with weight [num, dim].
type Embedding struct {
	Weight *tensor.Tensor
}

func LoadEmbedding(vb *VarBuilder, name string) (*Embedding, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	if w.Rank() != 2 {
		return nil, fmt.Errorf("nn: embedding %q weight must be rank-2, got %v", name, w.Shape())
	}

	return &Embedding{Weight: w}, nil
}

// Num is the table size.
func (e *Embedding) Num() int64 { return e.Weight.Shape()[0] }

// Dim is the embedding width.
func (e *Embedding) Dim() int64 { return e.Weight.Shape()[1] }

// Forward returns [1, len(ids), dim].
func (e *Embedding) Forward(ids []int64) (*tensor.Tensor, error) {
	if e == nil || e.Weight == nil {
		return nil, errors.New("nn: embedding is not initialized")
	}

	for _, id := range ids {
		if id < 0 || id >= e.Num() {
			return nil, fmt.Errorf("nn: embedding index %d out of range [0, %d)", id, e.Num())
		}
	}

	rows, err := e.Weight.Gather(0, ids)
	if err != nil {
		return nil, err
	}

	return rows.Reshape([]int64{1, int64(len(ids)), e.Dim()})
}

// Rows returns rows [start, start+n) as [1, n, dim]. Used for learned
// positional tables.
func (e *Embedding) Rows(start, n int64) (*tensor.Tensor, error) {
	if start < 0 || start+n > e.Num() {
		return nil, fmt.Errorf("nn: embedding rows [%d, %d) out of range %d", start, start+n, e.Num())
	}

	rows, err := e.Weight.Narrow(0, start, n)
	if err != nil {
		return nil, err
	}

	return rows.Reshape([]int64{1, n, e.Dim()})
}

// Conv1d wraps ops.Conv1D with fixed hyper-parameters. Weight layout is
// [out, in, k].
type Conv1d struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	ops.ConvParams
}

// LoadConv1d loads a convolution. A negative padding selects "same" padding
// for stride 1: dilation*(k-1)/2.
func LoadConv1d(vb *VarBuilder, name string, stride, padding, dilation int64) (*Conv1d, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	if w.Rank() != 3 {
		return nil, fmt.Errorf("nn: conv1d %q weight must be rank-3, got %v", name, w.Shape())
	}

	b, _, err := vb.TensorMaybe(name + ".bias")
	if err != nil {
		return nil, err
	}

	if dilation <= 0 {
		dilation = 1
	}

	if padding < 0 {
		padding = dilation * (w.Shape()[2] - 1) / 2
	}

	return &Conv1d{Weight: w, Bias: b, ConvParams: ops.ConvParams{Stride: stride, Padding: padding, Dilation: dilation}}, nil
}

// Forward expects [B, C, T].
func (c *Conv1d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.Conv1D(x, c.Weight, c.Bias, c.ConvParams)
}

// ConvTranspose1d wraps ops.ConvTranspose1D. Weight layout is [in, out, k].
type ConvTranspose1d struct {
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor
	Stride  int64
	Padding int64
	packed  []float32
}

// LoadConvTranspose1d uses padding (k-stride)/2 so that output length is
// exactly input length times stride; k-stride must be even.
func LoadConvTranspose1d(vb *VarBuilder, name string, stride int64) (*ConvTranspose1d, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	if w.Rank() != 3 {
		return nil, fmt.Errorf("nn: conv_transpose1d %q weight must be rank-3, got %v", name, w.Shape())
	}

	k := w.Shape()[2]
	if k < stride || (k-stride)%2 != 0 {
		return nil, fmt.Errorf("nn: conv_transpose1d %q kernel %d incompatible with stride %d", name, k, stride)
	}

	b, _, err := vb.TensorMaybe(name + ".bias")
	if err != nil {
		return nil, err
	}

	return &ConvTranspose1d{
		Weight:  w,
		Bias:    b,
		Stride:  stride,
		Padding: (k - stride) / 2,
		packed:  ops.PackTransposed(w),
	}, nil
}

func (c *ConvTranspose1d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.ConvTranspose1D(x, c.Weight, c.Bias, c.packed, ops.ConvParams{Stride: c.Stride, Padding: c.Padding})
}
