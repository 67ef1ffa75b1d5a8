package classifier

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/patentsim/transformer/pkg/autodiff"
	"golang.org/x/sync/errgroup"
)

// MultiHeadAttention is bidirectional self-attention with a key padding mask
type MultiHeadAttention struct {
	Query, Key, Value, Output *Linear
	NumHeads                  int
	HeadDim                   int
}

func NewMultiHeadAttention(dim, numHeads int, rng *rand.Rand, name string) (*MultiHeadAttention, error) {
	if numHeads <= 0 || dim%numHeads != 0 {
		return nil, fmt.Errorf("model width %d not divisible into %d heads", dim, numHeads)
	}
	mha := &MultiHeadAttention{NumHeads: numHeads, HeadDim: dim / numHeads}
	var err error
	for _, p := range []struct {
		dst  **Linear
		name string
	}{
		{&mha.Query, "query"}, {&mha.Key, "key"}, {&mha.Value, "value"}, {&mha.Output, "output"},
	} {
		if *p.dst, err = NewLinear(dim, dim, rng, name+"."+p.name); err != nil {
			return nil, err
		}
	}
	return mha, nil
}

// Forward attends within each example of x, which stacks len(mask)
// examples of seqLen positions. mask[b][j] true hides key j of example b.
// Examples run concurrently, bounded by the graph's worker budget.
func (mha *MultiHeadAttention) Forward(x *autodiff.Tensor, mask [][]bool, seqLen int) (*autodiff.Tensor, error) {
	q, err := mha.Query.Forward(x)
	if err != nil {
		return nil, err
	}
	k, err := mha.Key.Forward(x)
	if err != nil {
		return nil, err
	}
	v, err := mha.Value.Forward(x)
	if err != nil {
		return nil, err
	}

	outs := make([]*autodiff.Tensor, len(mask))
	var eg errgroup.Group
	eg.SetLimit(x.Graph.Workers())
	for b := range mask {
		b := b
		eg.Go(func() error {
			out, err := mha.attendExample(q, k, v, b*seqLen, seqLen, mask[b])
			if err != nil {
				return fmt.Errorf("example %d: %w", b, err)
			}
			outs[b] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	merged, err := autodiff.ConcatRows(outs...)
	if err != nil {
		return nil, err
	}
	return mha.Output.Forward(merged)
}

func (mha *MultiHeadAttention) attendExample(q, k, v *autodiff.Tensor, start, seqLen int, keyMask []bool) (*autodiff.Tensor, error) {
	qb, err := autodiff.SliceRows(q, start, start+seqLen)
	if err != nil {
		return nil, err
	}
	kb, err := autodiff.SliceRows(k, start, start+seqLen)
	if err != nil {
		return nil, err
	}
	vb, err := autodiff.SliceRows(v, start, start+seqLen)
	if err != nil {
		return nil, err
	}

	scale := 1.0 / math.Sqrt(float64(mha.HeadDim))
	heads := make([]*autodiff.Tensor, mha.NumHeads)
	for h := range heads {
		lo, hi := h*mha.HeadDim, (h+1)*mha.HeadDim
		qh, err := autodiff.SliceCols(qb, lo, hi)
		if err != nil {
			return nil, err
		}
		kh, err := autodiff.SliceCols(kb, lo, hi)
		if err != nil {
			return nil, err
		}
		vh, err := autodiff.SliceCols(vb, lo, hi)
		if err != nil {
			return nil, err
		}
		kt, err := autodiff.Transpose(kh)
		if err != nil {
			return nil, err
		}
		scores, err := autodiff.MatMul(qh, kt)
		if err != nil {
			return nil, err
		}
		if scores, err = autodiff.ScalarMultiply(scores, scale); err != nil {
			return nil, err
		}
		probs, err := autodiff.MaskedSoftmax(scores, keyMask)
		if err != nil {
			return nil, err
		}
		if heads[h], err = autodiff.MatMul(probs, vh); err != nil {
			return nil, err
		}
	}
	return autodiff.ConcatCols(heads...)
}

func (mha *MultiHeadAttention) Parameters() []autodiff.NamedParameter {
	var ps []autodiff.NamedParameter
	for _, l := range []*Linear{mha.Query, mha.Key, mha.Value, mha.Output} {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}
