package classifier

import (
	"fmt"
	"math/rand"

	"github.com/patentsim/transformer/pkg/autodiff"
	"github.com/patentsim/transformer/pkg/core"
)

// EncoderLayer is a pre-norm transformer block:
// x + Dropout(Attention(Norm1(x))), then h + Dropout(FFN(Norm2(h)))
type EncoderLayer struct {
	SelfAttention *MultiHeadAttention
	FeedForward   *FeedForward
	Norm1, Norm2  *LayerNorm
	DropoutRate   float64
}

func NewEncoderLayer(cfg *core.Config, rng *rand.Rand, name string) (*EncoderLayer, error) {
	attn, err := NewMultiHeadAttention(cfg.ModelSize, cfg.NumHeads, rng, name+".attention")
	if err != nil {
		return nil, err
	}
	ff, err := NewFeedForward(cfg.ModelSize, cfg.FFNHiddenDim, cfg.Activation, rng, name+".ffn")
	if err != nil {
		return nil, err
	}
	norm1, err := NewLayerNorm(cfg.ModelSize, cfg.LayerNormEps, name+".norm1")
	if err != nil {
		return nil, err
	}
	norm2, err := NewLayerNorm(cfg.ModelSize, cfg.LayerNormEps, name+".norm2")
	if err != nil {
		return nil, err
	}
	return &EncoderLayer{SelfAttention: attn, FeedForward: ff, Norm1: norm1, Norm2: norm2, DropoutRate: cfg.DropoutRate}, nil
}

func (el *EncoderLayer) Forward(x *autodiff.Tensor, mask [][]bool, seqLen int) (*autodiff.Tensor, error) {
	h, err := el.Norm1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("norm1: %w", err)
	}
	h, err = el.SelfAttention.Forward(h, mask, seqLen)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	if h, err = autodiff.Dropout(h, el.DropoutRate); err != nil {
		return nil, err
	}
	if x, err = autodiff.Add(x, h); err != nil {
		return nil, err
	}

	h, err = el.Norm2.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("norm2: %w", err)
	}
	h, err = el.FeedForward.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("feed forward: %w", err)
	}
	if h, err = autodiff.Dropout(h, el.DropoutRate); err != nil {
		return nil, err
	}
	return autodiff.Add(x, h)
}

func (el *EncoderLayer) Parameters() []autodiff.NamedParameter {
	ps := el.SelfAttention.Parameters()
	ps = append(ps, el.FeedForward.Parameters()...)
	ps = append(ps, el.Norm1.Parameters()...)
	return append(ps, el.Norm2.Parameters()...)
}
