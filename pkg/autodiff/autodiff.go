package autodiff

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/patentsim/transformer/pkg/core"
	"gonum.org/v1/gonum/mat"
)

// Tensor represents a matrix with gradient tracking capabilities
type Tensor struct {
	Data         *mat.Dense
	Grad         *mat.Dense
	RequiresGrad bool
	// BackwardFn adds this tensor's gradient into the gradients of its
	// Children. It is nil for leaves and for untracked results.
	BackwardFn func()
	Children   []*Tensor
	Graph      *ComputationGraph
	Name       string // Optional name for debugging
}

// TensorConfig holds configuration options for creating a tensor
type TensorConfig struct {
	RequiresGrad bool
	Name         string
	Graph        *ComputationGraph
}

// NewTensor creates a new tensor from a matrix with the specified configuration
func NewTensor(data *mat.Dense, config *TensorConfig) (*Tensor, error) {
	if data == nil {
		return nil, fmt.Errorf("data matrix cannot be nil")
	}
	if config == nil {
		config = &TensorConfig{}
	}
	t := &Tensor{
		Data:         data,
		RequiresGrad: config.RequiresGrad,
		Graph:        config.Graph,
		Name:         config.Name,
	}
	if t.RequiresGrad {
		t.ensureGrad()
	}
	return t, nil
}

// NewParameter creates a trainable leaf tensor
func NewParameter(data *mat.Dense, name string) (*Tensor, error) {
	return NewTensor(data, &TensorConfig{RequiresGrad: true, Name: name})
}

// NewRandomParameter creates a trainable leaf with Xavier-uniform values
func NewRandomParameter(rows, cols int, rng *rand.Rand, name string) (*Tensor, error) {
	data, err := NewRandomMatrix(rows, cols, XavierScale(rows, cols), rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create parameter %s: %w", name, err)
	}
	return NewParameter(data, name)
}

// NewFilledParameter creates a trainable leaf with every element set to value
func NewFilledParameter(rows, cols int, value float64, name string) (*Tensor, error) {
	data, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to create parameter %s: %w", name, err)
	}
	if value != 0 {
		raw := data.RawMatrix().Data
		for i := range raw {
			raw[i] = value
		}
	}
	return NewParameter(data, name)
}

// Shape returns [rows, cols]
func (t *Tensor) Shape() []int { return Dims(t.Data) }

// Value returns the single element of a 1x1 tensor
func (t *Tensor) Value() (float64, error) {
	if r, c := t.Data.Dims(); r != 1 || c != 1 {
		return 0, core.NewShapeError("value", []int{1, 1}, []int{r, c}, "tensor %q is not a scalar", t.Name)
	}
	return t.Data.At(0, 0), nil
}

// ZeroGrad zeros out the gradient
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

func (t *Tensor) ensureGrad() {
	if t.Grad == nil {
		r, c := t.Data.Dims()
		t.Grad = mat.NewDense(r, c, nil)
	}
}

func (t *Tensor) accumulate(g mat.Matrix) {
	if !t.RequiresGrad {
		return
	}
	t.ensureGrad()
	t.Grad.Add(t.Grad, g)
}

// Backward computes gradients of a scalar tensor with respect to every
// tracked tensor it depends on. Each node adds into its children exactly once.
func (t *Tensor) Backward() error {
	if !t.RequiresGrad {
		return fmt.Errorf("backward: tensor %q does not require gradients", t.Name)
	}
	if r, c := t.Data.Dims(); r != 1 || c != 1 {
		return core.NewShapeError("backward", []int{1, 1}, []int{r, c}, "backward must start from a scalar")
	}

	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, child := range n.Children {
			visit(child)
		}
		order = append(order, n)
	}
	visit(t)

	t.ensureGrad()
	t.Grad.Set(0, 0, 1)
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.BackwardFn != nil && n.Grad != nil {
			n.BackwardFn()
		}
	}
	return nil
}

// newResult wraps an op output. The result is tracked only when its graph
// has gradients enabled and at least one input requires gradients.
func newResult(data *mat.Dense, name string, inputs ...*Tensor) *Tensor {
	var graph *ComputationGraph
	requires := false
	for _, in := range inputs {
		if graph == nil && in.Graph != nil {
			graph = in.Graph
		}
		requires = requires || in.RequiresGrad
	}
	out := &Tensor{Data: data, Graph: graph, Name: name}
	if requires && graph.GradEnabled() {
		out.RequiresGrad = true
		out.Children = inputs
	}
	return out
}

func checkNil(op string, ts ...*Tensor) error {
	for i, t := range ts {
		if t == nil || t.Data == nil {
			return fmt.Errorf("%s: operand %d is nil", op, i)
		}
	}
	return nil
}

// MatMul performs matrix multiplication with gradient tracking
func MatMul(a, b *Tensor) (*Tensor, error) {
	if err := checkNil("matmul", a, b); err != nil {
		return nil, err
	}
	ar, ac := a.Data.Dims()
	br, bc := b.Data.Dims()
	if ac != br {
		return nil, core.NewShapeError("matmul", []int{ac, bc}, []int{br, bc}, "a(%dx%d), b(%dx%d)", ar, ac, br, bc)
	}
	data := mat.NewDense(ar, bc, nil)
	data.Mul(a.Data, b.Data)

	out := newResult(data, "matmul", a, b)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			if a.RequiresGrad {
				var da mat.Dense
				da.Mul(out.Grad, b.Data.T())
				a.accumulate(&da)
			}
			if b.RequiresGrad {
				var db mat.Dense
				db.Mul(a.Data.T(), out.Grad)
				b.accumulate(&db)
			}
		}
	}
	return out, nil
}

// Add performs element-wise addition with gradient tracking
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkNil("add", a, b); err != nil {
		return nil, err
	}
	if !sameShape(a.Data, b.Data) {
		return nil, core.NewShapeError("add", a.Shape(), b.Shape(), "operands must have equal shapes")
	}
	r, c := a.Data.Dims()
	data := mat.NewDense(r, c, nil)
	data.Add(a.Data, b.Data)

	out := newResult(data, "add", a, b)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			a.accumulate(out.Grad)
			b.accumulate(out.Grad)
		}
	}
	return out, nil
}

// AddRowVector adds a 1xC bias row to every row of a
func AddRowVector(a, bias *Tensor) (*Tensor, error) {
	if err := checkNil("add_row", a, bias); err != nil {
		return nil, err
	}
	r, c := a.Data.Dims()
	if br, bc := bias.Data.Dims(); br != 1 || bc != c {
		return nil, core.NewShapeError("add_row", []int{1, c}, []int{br, bc}, "bias must be a single row")
	}
	data := mat.NewDense(r, c, nil)
	row := bias.Data.RawRowView(0)
	for i := 0; i < r; i++ {
		dst := data.RawRowView(i)
		src := a.Data.RawRowView(i)
		for j := range dst {
			dst[j] = src[j] + row[j]
		}
	}

	out := newResult(data, "add_row", a, bias)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			a.accumulate(out.Grad)
			if bias.RequiresGrad {
				bias.accumulate(columnSums(out.Grad))
			}
		}
	}
	return out, nil
}

func columnSums(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	sums := mat.NewDense(1, c, nil)
	dst := sums.RawRowView(0)
	for i := 0; i < r; i++ {
		for j, v := range m.RawRowView(i) {
			dst[j] += v
		}
	}
	return sums
}

// ScalarMultiply multiplies every element by scalar
func ScalarMultiply(a *Tensor, scalar float64) (*Tensor, error) {
	if err := checkNil("scale", a); err != nil {
		return nil, err
	}
	r, c := a.Data.Dims()
	data := mat.NewDense(r, c, nil)
	data.Scale(scalar, a.Data)

	out := newResult(data, "scale", a)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			var da mat.Dense
			da.Scale(scalar, out.Grad)
			a.accumulate(&da)
		}
	}
	return out, nil
}

// Transpose returns the transpose of a
func Transpose(a *Tensor) (*Tensor, error) {
	if err := checkNil("transpose", a); err != nil {
		return nil, err
	}
	data := mat.DenseCopyOf(a.Data.T())

	out := newResult(data, "transpose", a)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			a.accumulate(out.Grad.T())
		}
	}
	return out, nil
}

// elementwise applies f to every element; df gives the derivative at x
func elementwise(name string, a *Tensor, f, df func(float64) float64) (*Tensor, error) {
	if err := checkNil(name, a); err != nil {
		return nil, err
	}
	r, c := a.Data.Dims()
	data := mat.NewDense(r, c, nil)
	data.Apply(func(_, _ int, v float64) float64 { return f(v) }, a.Data)

	out := newResult(data, name, a)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			da := mat.NewDense(r, c, nil)
			da.Apply(func(i, j int, g float64) float64 { return g * df(a.Data.At(i, j)) }, out.Grad)
			a.accumulate(da)
		}
	}
	return out, nil
}

// ReLU applies max(0, x)
func ReLU(a *Tensor) (*Tensor, error) {
	return elementwise("relu", a,
		func(x float64) float64 { return math.Max(0, x) },
		func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

const geluC = 0.044715

var sqrt2OverPi = math.Sqrt(2 / math.Pi)

// GELU applies the tanh approximation of the Gaussian error linear unit
func GELU(a *Tensor) (*Tensor, error) {
	return elementwise("gelu", a,
		func(x float64) float64 {
			return 0.5 * x * (1 + math.Tanh(sqrt2OverPi*(x+geluC*x*x*x)))
		},
		func(x float64) float64 {
			th := math.Tanh(sqrt2OverPi * (x + geluC*x*x*x))
			return 0.5*(1+th) + 0.5*x*(1-th*th)*sqrt2OverPi*(1+3*geluC*x*x)
		})
}

// Activation resolves an activation by name
func Activation(name string) (func(*Tensor) (*Tensor, error), error) {
	switch name {
	case "relu":
		return ReLU, nil
	case "gelu":
		return GELU, nil
	}
	return nil, fmt.Errorf("unsupported activation %q", name)
}
