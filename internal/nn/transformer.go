package nn

import (
	"fmt"
	"math"
	"strconv"

	"github.com/example/go-voice-clone/internal/runtime/ops"
	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

// TransformerConfig describes a pre-norm decoder stack with rotary
// positions.
type TransformerConfig struct {
	NumHeads int64
	RoPEBase float64
	MaxSeq   int64
	Eps      float32
	// CaptureLayer selects the layer whose head-averaged attention is
	// returned by Forward; -1 disables capture.
	CaptureLayer int
}

type transformerLayer struct {
	norm1   *LayerNorm
	norm2   *LayerNorm
	inProj  *Linear // self_attn.in_proj
	outProj *Linear // self_attn.out_proj
	linear1 *Linear
	linear2 *Linear
	nHeads  int64
	headDim int64
}

type layerCache struct {
	k, v   *tensor.Tensor // [B, H, Tk, Dh]
	seqLen int64
}

func (c *layerCache) append(k, v *tensor.Tensor) error {
	if c.k == nil {
		c.k, c.v = k, v
		c.seqLen = k.Shape()[2]

		return nil
	}

	kAll, err := tensor.Concat([]*tensor.Tensor{c.k, k}, 2)
	if err != nil {
		return fmt.Errorf("nn: append key cache: %w", err)
	}

	vAll, err := tensor.Concat([]*tensor.Tensor{c.v, v}, 2)
	if err != nil {
		return fmt.Errorf("nn: append value cache: %w", err)
	}

	c.k, c.v = kAll, vAll
	c.seqLen = kAll.Shape()[2]

	return nil
}

// Cache is the per-sequence key/value state of a Transformer.
type Cache struct {
	layers []layerCache
}

// Len is the number of positions already consumed.
func (c *Cache) Len() int64 {
	if c == nil || len(c.layers) == 0 {
		return 0
	}

	return c.layers[0].seqLen
}

func loadTransformerLayer(vb *VarBuilder, cfg TransformerConfig) (*transformerLayer, error) {
	norm1, err := LoadLayerNorm(vb, "norm1", cfg.Eps)
	if err != nil {
		return nil, err
	}

	norm2, err := LoadLayerNorm(vb, "norm2", cfg.Eps)
	if err != nil {
		return nil, err
	}

	inProj, err := LoadLinear(vb, "self_attn.in_proj")
	if err != nil {
		return nil, err
	}

	outProj, err := LoadLinear(vb, "self_attn.out_proj")
	if err != nil {
		return nil, err
	}

	linear1, err := LoadLinear(vb, "linear1")
	if err != nil {
		return nil, err
	}

	linear2, err := LoadLinear(vb, "linear2")
	if err != nil {
		return nil, err
	}

	dModel := outProj.OutDim()
	if dModel%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("nn: d_model %d not divisible by num_heads %d", dModel, cfg.NumHeads)
	}

	if inProj.OutDim() != 3*dModel {
		return nil, fmt.Errorf("nn: in_proj width %d, want 3*%d", inProj.OutDim(), dModel)
	}

	return &transformerLayer{
		norm1:   norm1,
		norm2:   norm2,
		inProj:  inProj,
		outProj: outProj,
		linear1: linear1,
		linear2: linear2,
		nHeads:  cfg.NumHeads,
		headDim: dModel / cfg.NumHeads,
	}, nil
}

func (l *transformerLayer) projectQKV(x, ropeCos, ropeSin *tensor.Tensor, pos int64) (q, k, v *tensor.Tensor, err error) {
	shape := x.Shape() // [B, T, D]
	if len(shape) != 3 {
		return nil, nil, nil, fmt.Errorf("nn: self attention expects [B, T, D], got %v", shape)
	}

	b, t := shape[0], shape[1]

	qkv, err := l.inProj.Forward(x)
	if err != nil {
		return nil, nil, nil, err
	}

	d := l.nHeads * l.headDim
	heads := make([]*tensor.Tensor, 3)

	for i := range heads {
		part, err := qkv.Narrow(-1, int64(i)*d, d)
		if err != nil {
			return nil, nil, nil, err
		}

		part, err = part.Reshape([]int64{b, t, l.nHeads, l.headDim})
		if err != nil {
			return nil, nil, nil, err
		}

		heads[i], err = part.Transpose(1, 2) // [B, H, T, Dh]
		if err != nil {
			return nil, nil, nil, err
		}
	}

	q, err = ops.RoPE(heads[0], ropeCos, ropeSin, pos)
	if err != nil {
		return nil, nil, nil, err
	}

	k, err = ops.RoPE(heads[1], ropeCos, ropeSin, pos)
	if err != nil {
		return nil, nil, nil, err
	}

	return q, k, heads[2], nil
}

// forward runs one layer over x, appending to cache. probs is the raw
// attention [B, H, T, Tk] when capture is set.
func (l *transformerLayer) forward(x, ropeCos, ropeSin *tensor.Tensor, cache *layerCache, capture bool) (*tensor.Tensor, *tensor.Tensor, error) {
	n1, err := l.norm1.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	pos := cache.seqLen

	q, k, v, err := l.projectQKV(n1, ropeCos, ropeSin, pos)
	if err != nil {
		return nil, nil, err
	}

	if err := cache.append(k, v); err != nil {
		return nil, nil, err
	}

	a, probs, err := ops.CausalAttention(q, cache.k, cache.v, pos)
	if err != nil {
		return nil, nil, err
	}

	if !capture {
		probs = nil
	}

	shape := x.Shape()

	a, err = a.Transpose(1, 2) // [B, T, H, Dh]
	if err != nil {
		return nil, nil, err
	}

	a, err = a.Reshape([]int64{shape[0], shape[1], l.nHeads * l.headDim})
	if err != nil {
		return nil, nil, err
	}

	a, err = l.outProj.Forward(a)
	if err != nil {
		return nil, nil, err
	}

	x, err = tensor.Add(x, a)
	if err != nil {
		return nil, nil, err
	}

	n2, err := l.norm2.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	ff, err := l.linear1.Forward(n2)
	if err != nil {
		return nil, nil, err
	}

	ff, err = l.linear2.Forward(tensor.GELU(ff))
	if err != nil {
		return nil, nil, err
	}

	x, err = tensor.Add(x, ff)

	return x, probs, err
}

// Transformer is a causal decoder stack with an optional final norm.
type Transformer struct {
	layers  []*transformerLayer
	norm    *LayerNorm
	ropeCos *tensor.Tensor // [max_seq, head_dim/2]
	ropeSin *tensor.Tensor
	cfg     TransformerConfig
}

// LoadTransformer reads layers.<i>.* and an optional "norm" under vb.
func LoadTransformer(vb *VarBuilder, cfg TransformerConfig) (*Transformer, error) {
	if cfg.NumHeads <= 0 {
		return nil, fmt.Errorf("nn: transformer needs num_heads > 0, got %d", cfg.NumHeads)
	}

	if cfg.Eps == 0 {
		cfg.Eps = 1e-5
	}

	if cfg.RoPEBase == 0 {
		cfg.RoPEBase = 10000
	}

	if cfg.MaxSeq == 0 {
		cfg.MaxSeq = 4096
	}

	n := vb.Count("layers", "norm1.weight")
	if n == 0 {
		return nil, fmt.Errorf("nn: no transformer layers under %q", vb.prefix)
	}

	layers := make([]*transformerLayer, n)
	for i := range layers {
		layer, err := loadTransformerLayer(vb.Path("layers", strconv.Itoa(i)), cfg)
		if err != nil {
			return nil, fmt.Errorf("nn: load transformer layer %d: %w", i, err)
		}

		layers[i] = layer
	}

	if cfg.CaptureLayer >= n {
		cfg.CaptureLayer = n - 1
	}

	var norm *LayerNorm
	if vb.Has("norm.weight") {
		var err error
		if norm, err = LoadLayerNorm(vb, "norm", cfg.Eps); err != nil {
			return nil, err
		}
	}

	cos, sin, err := buildRoPE(cfg.MaxSeq, layers[0].headDim, cfg.RoPEBase)
	if err != nil {
		return nil, err
	}

	return &Transformer{layers: layers, norm: norm, ropeCos: cos, ropeSin: sin, cfg: cfg}, nil
}

// NumLayers reports the depth of the stack.
func (t *Transformer) NumLayers() int { return len(t.layers) }

// MaxSeq is the longest sequence the rotary table covers.
func (t *Transformer) MaxSeq() int64 { return t.cfg.MaxSeq }

func (t *Transformer) NewCache() *Cache {
	return &Cache{layers: make([]layerCache, len(t.layers))}
}

// Forward consumes x [B, T, D] at the positions following cache and returns
// the normalized hidden states together with the capture layer's attention
// averaged over heads, [B, T, Tk] (nil when capture is disabled).
func (t *Transformer) Forward(x *tensor.Tensor, cache *Cache) (*tensor.Tensor, *tensor.Tensor, error) {
	if cache == nil || len(cache.layers) != len(t.layers) {
		return nil, nil, fmt.Errorf("nn: transformer cache does not match %d layers", len(t.layers))
	}

	if x.Rank() != 3 {
		return nil, nil, fmt.Errorf("nn: transformer expects [B, T, D], got %v", x.Shape())
	}

	if cache.Len()+x.Shape()[1] > t.cfg.MaxSeq {
		return nil, nil, fmt.Errorf("nn: sequence length %d exceeds max %d", cache.Len()+x.Shape()[1], t.cfg.MaxSeq)
	}

	var (
		captured *tensor.Tensor
		err      error
	)

	for i, layer := range t.layers {
		var probs *tensor.Tensor

		x, probs, err = layer.forward(x, t.ropeCos, t.ropeSin, &cache.layers[i], i == t.cfg.CaptureLayer)
		if err != nil {
			return nil, nil, fmt.Errorf("nn: transformer layer %d: %w", i, err)
		}

		if probs != nil {
			captured = meanHeads(probs)
		}
	}

	if t.norm != nil {
		if x, err = t.norm.Forward(x); err != nil {
			return nil, nil, err
		}
	}

	return x, captured, nil
}

// meanHeads averages [B, H, T, Tk] over H.
func meanHeads(p *tensor.Tensor) *tensor.Tensor {
	s := p.Shape()
	b, h, tq, tk := int(s[0]), int(s[1]), int(s[2]), int(s[3])
	src := p.RawData()
	out := make([]float32, b*tq*tk)
	inv := 1 / float32(h)
	plane := tq * tk

	for bi := range b {
		dst := out[bi*plane : (bi+1)*plane]
		for hi := range h {
			tensor.Axpy(dst, inv, src[(bi*h+hi)*plane:(bi*h+hi+1)*plane])
		}
	}

	res, _ := tensor.New(out, []int64{int64(b), int64(tq), int64(tk)})

	return res
}

// LastStep returns x[:, -1, :] as [B, D].
func LastStep(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 3 || shape[1] < 1 {
		return nil, fmt.Errorf("nn: LastStep expects [B, T, D] with T>=1, got %v", shape)
	}

	last, err := x.Narrow(1, shape[1]-1, 1)
	if err != nil {
		return nil, err
	}

	return last.Reshape([]int64{shape[0], shape[2]})
}

func buildRoPE(maxSeq, headDim int64, base float64) (*tensor.Tensor, *tensor.Tensor, error) {
	if headDim%2 != 0 {
		return nil, nil, fmt.Errorf("nn: rope head dim must be even, got %d", headDim)
	}

	half := int(headDim / 2)
	invFreq := make([]float64, half)

	for i := range half {
		invFreq[i] = 1.0 / math.Pow(base, float64(i)/float64(half))
	}

	cos := make([]float32, int(maxSeq)*half)
	sin := make([]float32, int(maxSeq)*half)

	for pos := range int(maxSeq) {
		row := pos * half
		for i, f := range invFreq {
			angle := float64(pos) * f
			cos[row+i] = float32(math.Cos(angle))
			sin[row+i] = float32(math.Sin(angle))
		}
	}

	cosT, err := tensor.New(cos, []int64{maxSeq, headDim / 2})
	if err != nil {
		return nil, nil, err
	}

	sinT, err := tensor.New(sin, []int64{maxSeq, headDim / 2})
	if err != nil {
		return nil, nil, err
	}

	return cosT, sinT, nil
}
