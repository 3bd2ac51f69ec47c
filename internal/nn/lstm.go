package nn

import (
	"fmt"
	"math"
	"strconv"

	"github.com/example/go-voice-clone/internal/runtime/tensor"
)

// LSTM is a stacked unidirectional LSTM with the PyTorch parameter layout:
// weight_ih_l{n} [4H, in], weight_hh_l{n} [4H, H], gates ordered i, f, g, o.
type LSTM struct {
	layers []lstmLayer
	hidden int
}

type lstmLayer struct {
	wih, whh []float32
	bias     []float32 // bias_ih + bias_hh
	in       int
}

func LoadLSTM(vb *VarBuilder, name string) (*LSTM, error) {
	vb = vb.Path(name)

	var l LSTM

	for n := 0; vb.Has("weight_ih_l" + strconv.Itoa(n)); n++ {
		suffix := "_l" + strconv.Itoa(n)

		wih, err := vb.Tensor("weight_ih" + suffix)
		if err != nil {
			return nil, err
		}

		whh, err := vb.Tensor("weight_hh" + suffix)
		if err != nil {
			return nil, err
		}

		gates := whh.Shape()[0]
		if gates%4 != 0 || whh.Shape()[1]*4 != gates || wih.Shape()[0] != gates {
			return nil, fmt.Errorf("nn: lstm layer %d has inconsistent shapes %v %v", n, wih.Shape(), whh.Shape())
		}

		hidden := int(gates / 4)
		if l.hidden != 0 && hidden != l.hidden {
			return nil, fmt.Errorf("nn: lstm layer %d hidden %d differs from %d", n, hidden, l.hidden)
		}

		l.hidden = hidden

		bias := make([]float32, gates)
		for _, bn := range []string{"bias_ih", "bias_hh"} {
			b, ok, err := vb.TensorMaybe(bn+suffix, gates)
			if err != nil {
				return nil, err
			}

			if ok {
				tensor.Axpy(bias, 1, b.RawData())
			}
		}

		l.layers = append(l.layers, lstmLayer{
			wih:  wih.RawData(),
			whh:  whh.RawData(),
			bias: bias,
			in:   int(wih.Shape()[1]),
		})
	}

	if len(l.layers) == 0 {
		return nil, fmt.Errorf("nn: no lstm layers under %q", vb.prefix)
	}

	return &l, nil
}

// Hidden is the state width.
func (l *LSTM) Hidden() int { return l.hidden }

// InputDim is the feature width of the first layer.
func (l *LSTM) InputDim() int { return l.layers[0].in }

// Forward runs frames [T, in] (row-major) and returns the final hidden state
// of the top layer.
func (l *LSTM) Forward(frames []float32, steps int) ([]float32, error) {
	in := l.layers[0].in
	if steps <= 0 || len(frames) != steps*in {
		return nil, fmt.Errorf("nn: lstm got %d values for %d steps of width %d", len(frames), steps, in)
	}

	seq := frames
	h := make([]float32, l.hidden)

	for li := range l.layers {
		layer := &l.layers[li]
		out := make([]float32, steps*l.hidden)
		h = make([]float32, l.hidden)
		c := make([]float32, l.hidden)
		gates := make([]float32, 4*l.hidden)

		for t := range steps {
			x := seq[t*layer.in : (t+1)*layer.in]
			for g := range gates {
				gates[g] = layer.bias[g] +
					tensor.DotProduct(layer.wih[g*layer.in:(g+1)*layer.in], x) +
					tensor.DotProduct(layer.whh[g*l.hidden:(g+1)*l.hidden], h)
			}

			for j := range l.hidden {
				i := sigmoid(gates[j])
				f := sigmoid(gates[l.hidden+j])
				gg := float32(math.Tanh(float64(gates[2*l.hidden+j])))
				o := sigmoid(gates[3*l.hidden+j])
				c[j] = f*c[j] + i*gg
				h[j] = o * float32(math.Tanh(float64(c[j])))
			}

			copy(out[t*l.hidden:], h)
		}

		seq = out
	}

	return h, nil
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}
