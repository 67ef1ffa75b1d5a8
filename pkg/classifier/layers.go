package classifier

import (
	"fmt"
	"math/rand"

	"github.com/patentsim/transformer/pkg/autodiff"
)

// Linear computes x*W + b
type Linear struct {
	Weight *autodiff.Tensor // [in, out]
	Bias   *autodiff.Tensor // [1, out]
}

// NewLinear creates a Xavier-initialised projection with a zero bias
func NewLinear(in, out int, rng *rand.Rand, name string) (*Linear, error) {
	w, err := autodiff.NewRandomParameter(in, out, rng, name+".weight")
	if err != nil {
		return nil, err
	}
	b, err := autodiff.NewFilledParameter(1, out, 0, name+".bias")
	if err != nil {
		return nil, err
	}
	return &Linear{Weight: w, Bias: b}, nil
}

func (l *Linear) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	y, err := autodiff.MatMul(x, l.Weight)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Weight.Name, err)
	}
	return autodiff.AddRowVector(y, l.Bias)
}

func (l *Linear) Parameters() []autodiff.NamedParameter {
	return []autodiff.NamedParameter{
		{Name: l.Weight.Name, Tensor: l.Weight},
		{Name: l.Bias.Name, Tensor: l.Bias},
	}
}

// LayerNorm normalises each position over the model width
type LayerNorm struct {
	Gamma *autodiff.Tensor
	Beta  *autodiff.Tensor
	Eps   float64
}

func NewLayerNorm(dim int, eps float64, name string) (*LayerNorm, error) {
	gamma, err := autodiff.NewFilledParameter(1, dim, 1, name+".gamma")
	if err != nil {
		return nil, err
	}
	beta, err := autodiff.NewFilledParameter(1, dim, 0, name+".beta")
	if err != nil {
		return nil, err
	}
	return &LayerNorm{Gamma: gamma, Beta: beta, Eps: eps}, nil
}

func (ln *LayerNorm) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	return autodiff.LayerNorm(x, ln.Gamma, ln.Beta, ln.Eps)
}

func (ln *LayerNorm) Parameters() []autodiff.NamedParameter {
	return []autodiff.NamedParameter{
		{Name: ln.Gamma.Name, Tensor: ln.Gamma},
		{Name: ln.Beta.Name, Tensor: ln.Beta},
	}
}

// FeedForward is the position-wise width -> hidden -> width block
type FeedForward struct {
	In         *Linear
	Out        *Linear
	activation func(*autodiff.Tensor) (*autodiff.Tensor, error)
}

func NewFeedForward(dim, hidden int, activation string, rng *rand.Rand, name string) (*FeedForward, error) {
	act, err := autodiff.Activation(activation)
	if err != nil {
		return nil, err
	}
	in, err := NewLinear(dim, hidden, rng, name+".in")
	if err != nil {
		return nil, err
	}
	out, err := NewLinear(hidden, dim, rng, name+".out")
	if err != nil {
		return nil, err
	}
	return &FeedForward{In: in, Out: out, activation: act}, nil
}

func (ff *FeedForward) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	h, err := ff.In.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = ff.activation(h)
	if err != nil {
		return nil, err
	}
	return ff.Out.Forward(h)
}

func (ff *FeedForward) Parameters() []autodiff.NamedParameter {
	return append(ff.In.Parameters(), ff.Out.Parameters()...)
}
