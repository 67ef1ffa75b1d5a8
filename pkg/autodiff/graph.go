package autodiff

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ComputationGraph carries the execution settings shared by the tensors of
// one forward pass: whether gradients are recorded, how many workers the
// parallel ops may use and the random source for dropout.
//
// A graph is cheap; build one per batch. Its random source is not safe for
// concurrent use, so dropout must run on the goroutine driving the pass.
type ComputationGraph struct {
	gradEnabled bool
	workers     int
	rng         *rand.Rand
}

// NewComputationGraph creates a graph that records gradients
func NewComputationGraph(workers int, rng *rand.Rand) *ComputationGraph {
	if workers < 1 {
		workers = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &ComputationGraph{gradEnabled: true, workers: workers, rng: rng}
}

// NoGrad derives a graph that records nothing and disables dropout
func (g *ComputationGraph) NoGrad() *ComputationGraph {
	return &ComputationGraph{gradEnabled: false, workers: g.Workers(), rng: g.Rand()}
}

// GradEnabled reports whether ops on this graph record backward functions.
// A nil graph records.
func (g *ComputationGraph) GradEnabled() bool {
	return g == nil || g.gradEnabled
}

// Training reports whether stochastic layers are active
func (g *ComputationGraph) Training() bool {
	return g != nil && g.gradEnabled
}

// Workers is the parallelism budget for ops that fan out
func (g *ComputationGraph) Workers() int {
	if g == nil {
		return 1
	}
	return g.workers
}

// Rand returns the graph's random source
func (g *ComputationGraph) Rand() *rand.Rand {
	if g == nil {
		return nil
	}
	return g.rng
}

// Input wraps data fed into the graph. Inputs never require gradients.
func (g *ComputationGraph) Input(data *mat.Dense, name string) *Tensor {
	return &Tensor{Data: data, Graph: g, Name: name}
}
