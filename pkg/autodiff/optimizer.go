package autodiff

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NamedParameter pairs a trainable tensor with the stable name optimizers
// key their state by
type NamedParameter struct {
	Name   string
	Tensor *Tensor
}

// Optimizer updates parameters in place from their accumulated gradients
type Optimizer interface {
	Step(params []NamedParameter)
	LearningRate() float64
	SetLearningRate(lr float64)
}

// NewOptimizer creates an optimizer by name: "adamw", "adam" or "sgd"
func NewOptimizer(name string, lr, weightDecay float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adamw", "":
		return NewAdamOptimizer(lr, weightDecay, true), nil
	case "adam":
		return NewAdamOptimizer(lr, weightDecay, false), nil
	case "sgd":
		return NewSGDOptimizer(lr, weightDecay), nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", name)
}

// AdamOptimizer implements Adam with bias correction. With Decoupled set the
// weight decay is applied to the parameters directly (AdamW); otherwise it is
// folded into the gradient as an L2 term.
type AdamOptimizer struct {
	lr          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	Decoupled   bool

	m, v map[string]*mat.Dense
	t    int
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(lr, weightDecay float64, decoupled bool) *AdamOptimizer {
	return &AdamOptimizer{
		lr: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8,
		WeightDecay: weightDecay, Decoupled: decoupled,
		m: make(map[string]*mat.Dense), v: make(map[string]*mat.Dense),
	}
}

func (opt *AdamOptimizer) LearningRate() float64      { return opt.lr }
func (opt *AdamOptimizer) SetLearningRate(lr float64) { opt.lr = lr }

// Steps is the number of updates applied so far
func (opt *AdamOptimizer) Steps() int { return opt.t }

// Step performs one optimization step
func (opt *AdamOptimizer) Step(params []NamedParameter) {
	opt.t++
	bc1 := 1.0 - math.Pow(opt.Beta1, float64(opt.t))
	bc2 := 1.0 - math.Pow(opt.Beta2, float64(opt.t))
	for _, p := range params {
		param := p.Tensor
		if param.Grad == nil || !param.RequiresGrad {
			continue
		}
		m, ok := opt.m[p.Name]
		if !ok {
			r, c := param.Data.Dims()
			m = mat.NewDense(r, c, nil)
			opt.m[p.Name] = m
			opt.v[p.Name] = mat.NewDense(r, c, nil)
		}
		v := opt.v[p.Name]

		w := param.Data.RawMatrix().Data
		g := param.Grad.RawMatrix().Data
		mRaw := m.RawMatrix().Data
		vRaw := v.RawMatrix().Data
		for i := range w {
			grad := g[i]
			if !opt.Decoupled && opt.WeightDecay > 0 {
				grad += opt.WeightDecay * w[i]
			}
			mRaw[i] = opt.Beta1*mRaw[i] + (1-opt.Beta1)*grad
			vRaw[i] = opt.Beta2*vRaw[i] + (1-opt.Beta2)*grad*grad
			update := (mRaw[i] / bc1) / (math.Sqrt(vRaw[i]/bc2) + opt.Epsilon)
			if opt.Decoupled && opt.WeightDecay > 0 {
				update += opt.WeightDecay * w[i]
			}
			w[i] -= opt.lr * update
		}
	}
}

// SGDOptimizer implements stochastic gradient descent with momentum
type SGDOptimizer struct {
	lr          float64
	Momentum    float64
	WeightDecay float64
	velocity    map[string]*mat.Dense
}

// NewSGDOptimizer creates a new SGD optimizer with momentum 0.9
func NewSGDOptimizer(lr, weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{lr: lr, Momentum: 0.9, WeightDecay: weightDecay, velocity: make(map[string]*mat.Dense)}
}

func (opt *SGDOptimizer) LearningRate() float64      { return opt.lr }
func (opt *SGDOptimizer) SetLearningRate(lr float64) { opt.lr = lr }

// Step performs one optimization step
func (opt *SGDOptimizer) Step(params []NamedParameter) {
	for _, p := range params {
		param := p.Tensor
		if param.Grad == nil || !param.RequiresGrad {
			continue
		}
		vel, ok := opt.velocity[p.Name]
		if !ok {
			r, c := param.Data.Dims()
			vel = mat.NewDense(r, c, nil)
			opt.velocity[p.Name] = vel
		}
		w := param.Data.RawMatrix().Data
		g := param.Grad.RawMatrix().Data
		vRaw := vel.RawMatrix().Data
		for i := range w {
			grad := g[i] + opt.WeightDecay*w[i]
			vRaw[i] = opt.Momentum*vRaw[i] - opt.lr*grad
			w[i] += vRaw[i]
		}
	}
}

// ZeroGradients clears the gradients of every parameter
func ZeroGradients(params []NamedParameter) {
	for _, p := range params {
		p.Tensor.ZeroGrad()
	}
}

// GradNorm is the global L2 norm over every parameter gradient
func GradNorm(params []NamedParameter) float64 {
	sumSq := 0.0
	for _, p := range params {
		if p.Tensor.Grad == nil {
			continue
		}
		n := floats.Norm(p.Tensor.Grad.RawMatrix().Data, 2)
		sumSq += n * n
	}
	return math.Sqrt(sumSq)
}

// ClipGradients rescales all gradients so their global norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 disables it.
func ClipGradients(params []NamedParameter, maxNorm float64) float64 {
	total := GradNorm(params)
	if maxNorm <= 0 || total <= maxNorm {
		return total
	}
	factor := maxNorm / (total + 1e-6)
	for _, p := range params {
		if p.Tensor.Grad != nil {
			p.Tensor.Grad.Scale(factor, p.Tensor.Grad)
		}
	}
	return total
}

// WarmupLearningRate ramps linearly to base over the first warmup steps.
// step counts from zero.
func WarmupLearningRate(base float64, step, warmup int) float64 {
	if warmup > 0 && step < warmup {
		return base * float64(step+1) / float64(warmup)
	}
	return base
}
