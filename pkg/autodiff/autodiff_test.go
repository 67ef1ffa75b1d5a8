package autodiff

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/patentsim/transformer/pkg/core"
	"gonum.org/v1/gonum/mat"
)

func randomParam(t *testing.T, rng *rand.Rand, rows, cols int, name string) *Tensor {
	t.Helper()
	data, err := NewRandomMatrix(rows, cols, 1.0, rng)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewParameter(data, name)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// checkGradients compares the analytical gradient of every param against a
// central finite difference of loss.
func checkGradients(t *testing.T, loss func() (*Tensor, error), params ...*Tensor) {
	t.Helper()
	out, err := loss()
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := out.Backward(); err != nil {
		t.Fatalf("backward: %v", err)
	}

	const h = 1e-5
	eval := func() float64 {
		l, err := loss()
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		v, err := l.Value()
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
	for _, p := range params {
		if p.Grad == nil {
			t.Fatalf("%s: no gradient", p.Name)
		}
		r, c := p.Data.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := p.Data.At(i, j)
				p.Data.Set(i, j, orig+h)
				plus := eval()
				p.Data.Set(i, j, orig-h)
				minus := eval()
				p.Data.Set(i, j, orig)

				numeric := (plus - minus) / (2 * h)
				analytic := p.Grad.At(i, j)
				tol := 1e-6 + 1e-4*math.Max(math.Abs(numeric), math.Abs(analytic))
				if math.Abs(numeric-analytic) > tol {
					t.Errorf("%s[%d,%d]: analytic %.8f, numeric %.8f", p.Name, i, j, analytic, numeric)
				}
			}
		}
	}
}

func TestMatMulGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := randomParam(t, rng, 3, 4, "a")
	b := randomParam(t, rng, 4, 2, "b")
	checkGradients(t, func() (*Tensor, error) {
		y, err := MatMul(a, b)
		if err != nil {
			return nil, err
		}
		return CrossEntropyLoss(y, []int{0, 1, 1})
	}, a, b)
}

func TestBiasAndActivationGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := randomParam(t, rng, 3, 4, "x")
	bias := randomParam(t, rng, 1, 4, "bias")
	for _, name := range []string{"relu", "gelu"} {
		act, err := Activation(name)
		if err != nil {
			t.Fatal(err)
		}
		x.ZeroGrad()
		bias.ZeroGrad()
		checkGradients(t, func() (*Tensor, error) {
			y, err := AddRowVector(x, bias)
			if err != nil {
				return nil, err
			}
			y, err = act(y)
			if err != nil {
				return nil, err
			}
			y, err = ScalarMultiply(y, 1.5)
			if err != nil {
				return nil, err
			}
			return CrossEntropyLoss(y, []int{3, 0, 2})
		}, x, bias)
	}
}

func TestLayerNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomParam(t, rng, 2, 5, "x")
	gamma := randomParam(t, rng, 1, 5, "gamma")
	beta := randomParam(t, rng, 1, 5, "beta")
	checkGradients(t, func() (*Tensor, error) {
		y, err := LayerNorm(x, gamma, beta, 1e-5)
		if err != nil {
			return nil, err
		}
		return CrossEntropyLoss(y, []int{1, 3})
	}, x, gamma, beta)
}

func TestLayerNormNormalisesRows(t *testing.T) {
	x, _ := NewTensor(mat.NewDense(2, 4, []float64{1, 2, 3, 4, -5, 0, 5, 10}), nil)
	gamma, _ := NewFilledParameter(1, 4, 1, "gamma")
	beta, _ := NewFilledParameter(1, 4, 0, "beta")
	y, err := LayerNorm(x, gamma, beta, 1e-5)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		row := y.Data.RawRowView(i)
		mean, sq := 0.0, 0.0
		for _, v := range row {
			mean += v
			sq += v * v
		}
		if math.Abs(mean/4) > 1e-9 || math.Abs(sq/4-1) > 1e-3 {
			t.Errorf("row %d not normalised: mean %g, var %g", i, mean/4, sq/4)
		}
	}
}

func TestMaskedSoftmax(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	scores := randomParam(t, rng, 3, 4, "scores")
	w := randomParam(t, rng, 4, 3, "w")
	mask := []bool{false, false, true, false}

	p, err := MaskedSoftmax(scores, mask)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		row := p.Data.RawRowView(i)
		if row[2] != 0 {
			t.Errorf("row %d: masked column got probability %g", i, row[2])
		}
		if sum := row[0] + row[1] + row[2] + row[3]; math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d sums to %g", i, sum)
		}
	}

	scores.ZeroGrad()
	checkGradients(t, func() (*Tensor, error) {
		p, err := MaskedSoftmax(scores, mask)
		if err != nil {
			return nil, err
		}
		y, err := MatMul(p, w)
		if err != nil {
			return nil, err
		}
		return CrossEntropyLoss(y, []int{0, 2, 1})
	}, scores, w)

	for i := 0; i < 3; i++ {
		if g := scores.Grad.At(i, 2); g != 0 {
			t.Errorf("masked score [%d,2] received gradient %g", i, g)
		}
	}

	if _, err := MaskedSoftmax(scores, []bool{false}); err == nil {
		t.Error("expected shape error for short mask")
	}
}

func TestMaskedSoftmaxIgnoresMaskedValues(t *testing.T) {
	a, _ := NewTensor(mat.NewDense(1, 3, []float64{1, 2, 0}), nil)
	b, _ := NewTensor(mat.NewDense(1, 3, []float64{1, 2, 1000}), nil)
	mask := []bool{false, false, true}
	pa, _ := MaskedSoftmax(a, mask)
	pb, _ := MaskedSoftmax(b, mask)
	if !Equal(pa.Data, pb.Data, 1e-12) {
		t.Errorf("masked column leaked into the distribution: %s vs %s", FormatMatrix(pa.Data), FormatMatrix(pb.Data))
	}
}

func TestGatherSliceConcatGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	table := randomParam(t, rng, 5, 3, "table")
	g := NewComputationGraph(1, rng)
	checkGradients(t, func() (*Tensor, error) {
		rows, err := g.Gather(table, []int{1, 4, 1, 0})
		if err != nil {
			return nil, err
		}
		top, err := SliceRows(rows, 0, 2)
		if err != nil {
			return nil, err
		}
		bottom, err := SliceRows(rows, 2, 4)
		if err != nil {
			return nil, err
		}
		left, err := SliceCols(top, 0, 2)
		if err != nil {
			return nil, err
		}
		wide, err := ConcatCols(left, bottom)
		if err != nil {
			return nil, err
		}
		tall, err := ConcatRows(wide, wide)
		if err != nil {
			return nil, err
		}
		tt, err := Transpose(tall)
		if err != nil {
			return nil, err
		}
		return CrossEntropyLoss(tt, []int{0, 3, 2, 1, 0})
	}, table)

	if _, err := g.Gather(table, []int{5}); err == nil {
		t.Error("expected out-of-range id to fail")
	}
}

func TestSharedInputAccumulatesOnce(t *testing.T) {
	data := mat.NewDense(2, 3, []float64{0.1, -0.2, 0.3, 0.5, 0.0, -0.4})
	a, _ := NewParameter(mat.DenseCopyOf(data), "a")
	b, _ := NewParameter(mat.DenseCopyOf(data), "b")

	sum, _ := Add(a, a)
	loss, _ := CrossEntropyLoss(sum, []int{2, 0})
	if err := loss.Backward(); err != nil {
		t.Fatal(err)
	}
	doubled, _ := ScalarMultiply(b, 2)
	loss, _ = CrossEntropyLoss(doubled, []int{2, 0})
	if err := loss.Backward(); err != nil {
		t.Fatal(err)
	}
	if !Equal(a.Grad, b.Grad, 1e-12) {
		t.Errorf("a+a gradient %s differs from 2a gradient %s", FormatMatrix(a.Grad), FormatMatrix(b.Grad))
	}
}

func TestNoGradGraphRecordsNothing(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	table := randomParam(t, rng, 4, 3, "table")
	w := randomParam(t, rng, 3, 3, "w")
	g := NewComputationGraph(2, rng).NoGrad()

	x, err := g.Gather(table, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	y, err := MatMul(x, w)
	if err != nil {
		t.Fatal(err)
	}
	y, err = Dropout(y, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	loss, err := CrossEntropyLoss(y, []int{0, 2})
	if err != nil {
		t.Fatal(err)
	}
	if loss.RequiresGrad || loss.BackwardFn != nil || len(loss.Children) != 0 {
		t.Error("no-grad graph recorded a backward function")
	}
	if err := loss.Backward(); err == nil {
		t.Error("backward on an untracked loss should fail")
	}
	if table.Grad.At(0, 0) != 0 || w.Grad.At(0, 0) != 0 {
		t.Error("parameters received gradients under no-grad")
	}
}

func TestDropoutOnlyWhileTraining(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := randomParam(t, rng, 20, 20, "x")
	train := NewComputationGraph(1, rng)
	in := train.Input(x.Data, "in")

	same, err := Dropout(in, 0)
	if err != nil || same != in {
		t.Fatalf("rate 0 should be the identity, got %v", err)
	}
	dropped, err := Dropout(in, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	zeros := 0
	for _, v := range dropped.Data.RawMatrix().Data {
		if v == 0 {
			zeros++
		}
	}
	if zeros == 0 || zeros == 400 {
		t.Errorf("expected some but not all elements dropped, got %d zeros", zeros)
	}

	eval := train.NoGrad().Input(x.Data, "in")
	kept, err := Dropout(eval, 0.5)
	if err != nil || kept != eval {
		t.Fatalf("dropout should be the identity without gradients, got %v", err)
	}
}

func TestCrossEntropy(t *testing.T) {
	logits, _ := NewParameter(mat.NewDense(2, 5, nil), "logits")
	loss, err := CrossEntropyLoss(logits, []int{0, 4})
	if err != nil {
		t.Fatal(err)
	}
	v, _ := loss.Value()
	if math.Abs(v-math.Log(5)) > 1e-12 {
		t.Errorf("uniform logits: loss %g, want ln 5", v)
	}

	_, err = CrossEntropyLoss(logits, []int{0})
	var se *core.ShapeError
	if !errors.As(err, &se) {
		t.Errorf("row/label mismatch: got %v, want ShapeError", err)
	}

	_, err = CrossEntropyLoss(logits, []int{0, 5})
	var lre *core.LabelRangeError
	if !errors.As(err, &lre) || lre.Label != 5 || lre.NumClasses != 5 {
		t.Errorf("label 5: got %v, want LabelRangeError", err)
	}
}

func TestShapeErrors(t *testing.T) {
	a, _ := NewTensor(mat.NewDense(2, 3, nil), nil)
	b, _ := NewTensor(mat.NewDense(2, 3, nil), nil)
	var se *core.ShapeError
	if _, err := MatMul(a, b); !errors.As(err, &se) {
		t.Errorf("matmul 2x3 * 2x3: got %v, want ShapeError", err)
	}
	row, _ := NewTensor(mat.NewDense(1, 2, nil), nil)
	if _, err := AddRowVector(a, row); !errors.As(err, &se) {
		t.Errorf("bias width mismatch: got %v, want ShapeError", err)
	}
	if _, err := SliceRows(a, 1, 3); !errors.As(err, &se) {
		t.Errorf("row slice past end: got %v, want ShapeError", err)
	}
	if _, err := a.Value(); !errors.As(err, &se) {
		t.Errorf("value of 2x3: got %v, want ShapeError", err)
	}
}
