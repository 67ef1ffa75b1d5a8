// Package batcher groups tokenized records into padded, masked and
// embedded batches for the classifier.
package batcher

import (
	"fmt"

	"github.com/patentsim/transformer/internal/dataset"
	"github.com/patentsim/transformer/pkg/autodiff"
	"github.com/patentsim/transformer/pkg/core"
)

// Options fixes the shapes a batch is built to
type Options struct {
	MaxSeqLen int
	VocabSize int
	ModelSize int
	PadID     int
}

// Embedder turns padded token ids into [batch*seq_len, model] embeddings.
// The classifier's embedding tables implement it.
type Embedder interface {
	Embed(g *autodiff.ComputationGraph, tokenIDs [][]int) (*autodiff.Tensor, error)
	Dim() int
	VocabSize() int
}

// Padded is the shape-only part of a batch: ids padded to a common length,
// the padding mask and the labels. It holds no model state, so it can be
// prepared ahead of the training step.
type Padded struct {
	TokenIDs    [][]int
	PaddingMask [][]bool // true where the position is padding
	Labels      []int
	Lengths     []int
	SeqLen      int
}

// Batch is a padded chunk with its embeddings
type Batch struct {
	TokenIDs    [][]int
	Embeddings  *autodiff.Tensor // [size*seq_len, model], example-major
	PaddingMask [][]bool
	Labels      []int
	Lengths     []int
	Size        int
	SeqLen      int
	ModelSize   int
}

// Shape is [batch_size, seq_len, model_size]
func (b *Batch) Shape() [3]int { return [3]int{b.Size, b.SeqLen, b.ModelSize} }

// EmbeddingAt returns the embedding vector of one position of one example
func (b *Batch) EmbeddingAt(example, pos int) []float64 {
	return b.Embeddings.Data.RawRowView(example*b.SeqLen + pos)
}

// Pad right-pads every record to opts.MaxSeqLen with opts.PadID and marks
// positions j >= len(record) as padding
func Pad(records []dataset.TokenizedRecord, opts Options) (*Padded, error) {
	if len(records) == 0 {
		return nil, core.ErrEmptyBatch
	}
	if opts.MaxSeqLen <= 0 {
		return nil, core.NewShapeError("pad", nil, []int{opts.MaxSeqLen}, "max_seq_len must be positive")
	}
	p := &Padded{
		TokenIDs:    make([][]int, len(records)),
		PaddingMask: make([][]bool, len(records)),
		Labels:      make([]int, len(records)),
		Lengths:     make([]int, len(records)),
		SeqLen:      opts.MaxSeqLen,
	}
	for i, rec := range records {
		n := len(rec.Tokens)
		if n > opts.MaxSeqLen {
			return nil, core.NewShapeError("pad", []int{opts.MaxSeqLen}, []int{n}, "record %d (%s) longer than max_seq_len", i, rec.ID)
		}
		ids := make([]int, opts.MaxSeqLen)
		mask := make([]bool, opts.MaxSeqLen)
		for j := range ids {
			if j < n {
				id := rec.Tokens[j]
				if opts.VocabSize > 0 && (id < 0 || id >= opts.VocabSize) {
					return nil, core.NewShapeError("pad", []int{opts.VocabSize}, []int{id}, "record %d token %d outside vocabulary", i, j)
				}
				ids[j] = id
			} else {
				ids[j] = opts.PadID
				mask[j] = true
			}
		}
		p.TokenIDs[i] = ids
		p.PaddingMask[i] = mask
		p.Labels[i] = rec.Label
		p.Lengths[i] = n
	}
	return p, nil
}

// Embed looks the padded ids up in emb. The embedder must match the
// configured model width and vocabulary.
func Embed(g *autodiff.ComputationGraph, p *Padded, opts Options, emb Embedder) (*Batch, error) {
	if emb.Dim() != opts.ModelSize {
		return nil, core.NewShapeError("embed", []int{opts.ModelSize}, []int{emb.Dim()}, "embedding width differs from model_size")
	}
	if opts.VocabSize > 0 && emb.VocabSize() != opts.VocabSize {
		return nil, core.NewShapeError("embed", []int{opts.VocabSize}, []int{emb.VocabSize()}, "embedding table differs from vocab_size")
	}
	embeddings, err := emb.Embed(g, p.TokenIDs)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	return &Batch{
		TokenIDs:    p.TokenIDs,
		Embeddings:  embeddings,
		PaddingMask: p.PaddingMask,
		Labels:      p.Labels,
		Lengths:     p.Lengths,
		Size:        len(p.TokenIDs),
		SeqLen:      p.SeqLen,
		ModelSize:   opts.ModelSize,
	}, nil
}

// Create pads records and embeds them in one step
func Create(g *autodiff.ComputationGraph, records []dataset.TokenizedRecord, opts Options, emb Embedder) (*Batch, error) {
	p, err := Pad(records, opts)
	if err != nil {
		return nil, err
	}
	return Embed(g, p, opts, emb)
}
