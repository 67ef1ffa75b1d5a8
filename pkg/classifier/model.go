// Package classifier implements the transformer encoder that scores the
// similarity class of a formatted anchor/target/context phrase triple.
package classifier

import (
	"fmt"
	"math/rand"

	"github.com/patentsim/transformer/pkg/autodiff"
	"github.com/patentsim/transformer/pkg/core"
)

// Model is an encoder stack with a linear classification head applied at
// every position. Position 0 carries the classification token.
type Model struct {
	Config     *core.Config
	Embeddings *Embeddings
	Layers     []*EncoderLayer
	FinalNorm  *LayerNorm
	Head       *Linear
}

// NewModel builds a randomly initialised model
func NewModel(cfg *core.Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	emb, err := NewEmbeddings(cfg.VocabSize, cfg.MaxLen, cfg.ModelSize, rng)
	if err != nil {
		return nil, err
	}
	if cfg.PositionInit == "sinusoidal" {
		emb.InitSinusoidal()
	}
	m := &Model{Config: cfg, Embeddings: emb}
	for i := 0; i < cfg.NumLayers; i++ {
		layer, err := NewEncoderLayer(cfg, rng, fmt.Sprintf("encoder.layers.%d", i))
		if err != nil {
			return nil, err
		}
		m.Layers = append(m.Layers, layer)
	}
	if m.FinalNorm, err = NewLayerNorm(cfg.ModelSize, cfg.LayerNormEps, "encoder.norm"); err != nil {
		return nil, err
	}
	if m.Head, err = NewLinear(cfg.ModelSize, cfg.NumClasses, rng, "head"); err != nil {
		return nil, err
	}
	return m, nil
}

// Forward runs the encoder over embeddings of shape [batch*seq_len, model]
// where batch is len(mask) and seq_len is len(mask[0]). It returns logits
// of shape [batch*seq_len, classes], row b*seq_len+j holding position j of
// example b.
func (m *Model) Forward(embeddings *autodiff.Tensor, mask [][]bool) (*autodiff.Tensor, error) {
	if len(mask) == 0 {
		return nil, fmt.Errorf("forward: %w", core.ErrEmptyBatch)
	}
	seqLen := len(mask[0])
	for i, row := range mask {
		if len(row) != seqLen {
			return nil, core.NewShapeError("forward", []int{seqLen}, []int{len(row)}, "mask row %d length differs", i)
		}
	}
	rows, cols := embeddings.Data.Dims()
	if rows != len(mask)*seqLen || cols != m.Config.ModelSize {
		return nil, core.NewShapeError("forward", []int{len(mask) * seqLen, m.Config.ModelSize}, []int{rows, cols},
			"embeddings must be [batch*seq_len, model]")
	}

	x := embeddings
	var err error
	for i, layer := range m.Layers {
		if x, err = layer.Forward(x, mask, seqLen); err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}
	}
	if x, err = m.FinalNorm.Forward(x); err != nil {
		return nil, err
	}
	return m.Head.Forward(x)
}

// ClassificationLogits selects position 0 of each example, giving [batch, classes]
func (m *Model) ClassificationLogits(logits *autodiff.Tensor, batch, seqLen int) (*autodiff.Tensor, error) {
	rows, cols := logits.Data.Dims()
	if batch <= 0 || seqLen <= 0 || rows != batch*seqLen {
		return nil, core.NewShapeError("cls_logits", []int{batch * seqLen, m.Config.NumClasses}, []int{rows, cols},
			"logits do not cover %d examples of %d positions", batch, seqLen)
	}
	picks := make([]*autodiff.Tensor, batch)
	for b := range picks {
		row, err := autodiff.SliceRows(logits, b*seqLen, b*seqLen+1)
		if err != nil {
			return nil, err
		}
		picks[b] = row
	}
	return autodiff.ConcatRows(picks...)
}

// Loss is the mean cross entropy of the classification logits against labels
func (m *Model) Loss(clsLogits *autodiff.Tensor, labels []int) (*autodiff.Tensor, error) {
	return autodiff.CrossEntropyLoss(clsLogits, labels)
}

// Parameters lists every trainable tensor under a stable name
func (m *Model) Parameters() []autodiff.NamedParameter {
	ps := m.Embeddings.Parameters()
	for _, layer := range m.Layers {
		ps = append(ps, layer.Parameters()...)
	}
	ps = append(ps, m.FinalNorm.Parameters()...)
	return append(ps, m.Head.Parameters()...)
}

// NumParameters counts scalar weights
func (m *Model) NumParameters() int {
	n := 0
	for _, p := range m.Parameters() {
		r, c := p.Tensor.Data.Dims()
		n += r * c
	}
	return n
}
