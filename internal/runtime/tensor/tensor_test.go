package tensor

import (
	"math"
	"testing"
)

func mustNew(t *testing.T, data []float32, shape []int64) *Tensor {
	t.Helper()

	x, err := New(data, shape)
	if err != nil {
		t.Fatalf("New(%v): %v", shape, err)
	}

	return x
}

func assertClose(t *testing.T, got, want []float32, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("len = %d; want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("[%d] = %v; want %v (got %v)", i, got[i], want[i], got)
		}
	}
}

func TestNewRejectsLengthMismatch(t *testing.T) {
	if _, err := New([]float32{1, 2, 3}, []int64{2, 2}); err == nil {
		t.Fatal("expected error for mismatched data length")
	}

	if _, err := New(nil, []int64{-1}); err == nil {
		t.Fatal("expected error for negative dim")
	}
}

func TestNewCopiesInput(t *testing.T) {
	data := []float32{1, 2}
	x := mustNew(t, data, []int64{2})
	data[0] = 99

	if x.RawData()[0] != 1 {
		t.Fatal("New must copy input data")
	}
}

func TestReshapeAndNarrow(t *testing.T) {
	x := mustNew(t, []float32{0, 1, 2, 3, 4, 5}, []int64{2, 3})

	r, err := x.Reshape([]int64{3, 2})
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}

	if got := r.Shape(); got[0] != 3 || got[1] != 2 {
		t.Fatalf("shape = %v", got)
	}

	if _, err := x.Reshape([]int64{4}); err == nil {
		t.Fatal("expected reshape error")
	}

	n, err := x.Narrow(1, 1, 2)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}

	assertClose(t, n.RawData(), []float32{1, 2, 4, 5}, 0)

	if _, err := x.Narrow(1, 2, 2); err == nil {
		t.Fatal("expected out of range narrow error")
	}
}

func TestGatherTransposeConcat(t *testing.T) {
	x := mustNew(t, []float32{0, 1, 2, 3, 4, 5}, []int64{3, 2})

	g, err := x.Gather(0, []int64{2, 0})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	assertClose(t, g.RawData(), []float32{4, 5, 0, 1}, 0)

	tr, err := x.Transpose(0, 1)
	if err != nil {
		t.Fatalf("Transpose: %v", err)
	}

	assertClose(t, tr.RawData(), []float32{0, 2, 4, 1, 3, 5}, 0)

	c, err := Concat([]*Tensor{x, g}, 0)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}

	if got := c.Shape(); got[0] != 5 || got[1] != 2 {
		t.Fatalf("concat shape = %v", got)
	}

	assertClose(t, c.RawData()[6:], []float32{4, 5, 0, 1}, 0)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := mustNew(t, []float32{1, 2, 3, -1, 0, 1}, []int64{2, 3})

	s, err := Softmax(x, -1)
	if err != nil {
		t.Fatalf("Softmax: %v", err)
	}

	d := s.RawData()
	for row := range 2 {
		sum := d[row*3] + d[row*3+1] + d[row*3+2]
		if math.Abs(float64(sum-1)) > 1e-6 {
			t.Fatalf("row %d sum = %v", row, sum)
		}
	}

	if d[2] <= d[1] || d[1] <= d[0] {
		t.Fatalf("softmax not monotone: %v", d)
	}
}

func TestLayerNormZeroMeanUnitVar(t *testing.T) {
	x := mustNew(t, []float32{1, 2, 3, 4}, []int64{1, 4})

	y, err := LayerNorm(x, nil, nil, 1e-5)
	if err != nil {
		t.Fatalf("LayerNorm: %v", err)
	}

	var mean float64
	for _, v := range y.RawData() {
		mean += float64(v)
	}

	if math.Abs(mean/4) > 1e-5 {
		t.Fatalf("mean = %v", mean/4)
	}
}

func TestMatMulAndLinear(t *testing.T) {
	a := mustNew(t, []float32{1, 2, 3, 4}, []int64{2, 2})
	b := mustNew(t, []float32{5, 6, 7, 8}, []int64{2, 2})

	m, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}

	assertClose(t, m.RawData(), []float32{19, 22, 43, 50}, 1e-6)

	w := mustNew(t, []float32{1, 0, 0, 1, 1, 1}, []int64{3, 2})
	bias := mustNew(t, []float32{0, 0, 0.5}, []int64{3})

	SetWorkers(2)
	defer SetWorkers(1)

	l, err := Linear(a, w, bias)
	if err != nil {
		t.Fatalf("Linear: %v", err)
	}

	assertClose(t, l.RawData(), []float32{1, 2, 3.5, 3, 4, 7.5}, 1e-6)

	if _, err := Linear(a, mustNew(t, []float32{1, 2, 3}, []int64{1, 3}), nil); err == nil {
		t.Fatal("expected linear dim mismatch error")
	}
}

func TestBroadcastAdd(t *testing.T) {
	a := mustNew(t, []float32{1, 2, 3, 4}, []int64{2, 2})
	b := mustNew(t, []float32{10, 20}, []int64{2})

	out, err := BroadcastAdd(a, b)
	if err != nil {
		t.Fatalf("BroadcastAdd: %v", err)
	}

	assertClose(t, out.RawData(), []float32{11, 22, 13, 24}, 0)

	col := mustNew(t, []float32{100, 200}, []int64{2, 1})

	out, err = BroadcastAdd(a, col)
	if err != nil {
		t.Fatalf("BroadcastAdd column: %v", err)
	}

	assertClose(t, out.RawData(), []float32{101, 102, 203, 204}, 0)

	if _, err := BroadcastAdd(a, mustNew(t, []float32{1, 2, 3}, []int64{3})); err == nil {
		t.Fatal("expected broadcast mismatch error")
	}
}

func TestBatchedMatMulAndTranspose(t *testing.T) {
	a := mustNew(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, []int64{2, 2, 2})

	at, err := a.Transpose(-1, -2)
	if err != nil {
		t.Fatalf("Transpose: %v", err)
	}

	assertClose(t, at.RawData(), []float32{1, 3, 2, 4, 5, 7, 6, 8}, 0)

	m, err := MatMul(a, at)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}

	assertClose(t, m.RawData(), []float32{5, 11, 11, 25, 61, 83, 83, 113}, 1e-5)

	mid, err := mustNew(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, []int64{2, 3, 2}).Transpose(0, 2)
	if err != nil {
		t.Fatalf("Transpose outer: %v", err)
	}

	if got := mid.Shape(); got[0] != 2 || got[1] != 3 || got[2] != 2 {
		t.Fatalf("shape = %v", got)
	}

	assertClose(t, mid.RawData(), []float32{0, 6, 2, 8, 4, 10, 1, 7, 3, 9, 5, 11}, 0)

	if _, err := MatMul(a, mustNew(t, []float32{1, 2, 3, 4}, []int64{1, 2, 2})); err == nil {
		t.Fatal("expected batch mismatch error")
	}
}

func TestElementwise(t *testing.T) {
	x := mustNew(t, []float32{-2, 0, 2}, []int64{3})

	assertClose(t, LeakyReLU(x, 0.1).RawData(), []float32{-0.2, 0, 2}, 1e-6)
	assertClose(t, SiLU(x).RawData()[1:2], []float32{0}, 1e-6)
	assertClose(t, Tanh(x).RawData()[1:2], []float32{0}, 1e-6)
	assertClose(t, Scale(x, 3).RawData(), []float32{-6, 0, 6}, 0)

	sum, err := Add(x, x)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	assertClose(t, sum.RawData(), []float32{-4, 0, 4}, 0)

	if HasNaN(x) {
		t.Fatal("unexpected NaN")
	}

	bad := mustNew(t, []float32{float32(math.NaN())}, []int64{1})
	if !HasNaN(bad) {
		t.Fatal("expected NaN detection")
	}
}

func TestDotProductAndAxpy(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{1, 1, 1, 1, 1}

	if got := DotProduct(a, b); got != 15 {
		t.Fatalf("DotProduct = %v", got)
	}

	dst := []float32{1, 2, 3}
	Axpy(dst, 2, []float32{1, 1})
	assertClose(t, dst, []float32{3, 4, 3}, 0)
}
