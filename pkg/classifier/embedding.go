package classifier

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/patentsim/transformer/pkg/autodiff"
	"github.com/patentsim/transformer/pkg/core"
	"gonum.org/v1/gonum/mat"
)

// Embeddings holds the learned token and position tables. The model owns
// them so every batch of a run looks tokens up in the same trained tables.
type Embeddings struct {
	Token    *autodiff.Tensor // [vocab, model]
	Position *autodiff.Tensor // [max_len, model]
}

// NewEmbeddings creates randomly initialised token and position tables
func NewEmbeddings(vocabSize, maxLen, modelSize int, rng *rand.Rand) (*Embeddings, error) {
	token, err := autodiff.NewRandomParameter(vocabSize, modelSize, rng, "embeddings.token")
	if err != nil {
		return nil, err
	}
	position, err := autodiff.NewRandomParameter(maxLen, modelSize, rng, "embeddings.position")
	if err != nil {
		return nil, err
	}
	return &Embeddings{Token: token, Position: position}, nil
}

// SinusoidalTable fills a [maxLen, dim] table with the fixed sine/cosine
// position code: sin on even columns, cos on odd ones
func SinusoidalTable(maxLen, dim int) *mat.Dense {
	table := mat.NewDense(maxLen, dim, nil)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(dim))
			table.Set(pos, i, math.Sin(angle))
			if i+1 < dim {
				table.Set(pos, i+1, math.Cos(angle))
			}
		}
	}
	return table
}

// InitSinusoidal overwrites the position table with SinusoidalTable
func (e *Embeddings) InitSinusoidal() {
	r, c := e.Position.Data.Dims()
	e.Position.Data.Copy(SinusoidalTable(r, c))
}

// Dim is the embedding width
func (e *Embeddings) Dim() int { _, c := e.Token.Data.Dims(); return c }

// VocabSize is the number of rows of the token table
func (e *Embeddings) VocabSize() int { r, _ := e.Token.Data.Dims(); return r }

// MaxLen is the number of positions the position table covers
func (e *Embeddings) MaxLen() int { r, _ := e.Position.Data.Dims(); return r }

// Embed returns token embedding plus position embedding for every position
// of every example, stacked as [batch*seq_len, model]. Every example must
// already be padded to the same length.
func (e *Embeddings) Embed(g *autodiff.ComputationGraph, tokenIDs [][]int) (*autodiff.Tensor, error) {
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("embed: %w", core.ErrEmptyBatch)
	}
	seqLen := len(tokenIDs[0])
	if seqLen == 0 {
		return nil, core.NewShapeError("embed", nil, []int{len(tokenIDs), 0}, "examples have no positions")
	}
	if seqLen > e.MaxLen() {
		return nil, core.NewShapeError("embed", []int{e.MaxLen()}, []int{seqLen}, "sequence longer than the position table")
	}
	ids := make([]int, 0, len(tokenIDs)*seqLen)
	positions := make([]int, 0, len(tokenIDs)*seqLen)
	for i, row := range tokenIDs {
		if len(row) != seqLen {
			return nil, core.NewShapeError("embed", []int{seqLen}, []int{len(row)}, "example %d is not padded to the batch length", i)
		}
		ids = append(ids, row...)
		for p := 0; p < seqLen; p++ {
			positions = append(positions, p)
		}
	}

	tok, err := g.Gather(e.Token, ids)
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", err)
	}
	pos, err := g.Gather(e.Position, positions)
	if err != nil {
		return nil, fmt.Errorf("position lookup: %w", err)
	}
	return autodiff.Add(tok, pos)
}

// Parameters returns the token and position tables
func (e *Embeddings) Parameters() []autodiff.NamedParameter {
	return []autodiff.NamedParameter{
		{Name: e.Token.Name, Tensor: e.Token},
		{Name: e.Position.Name, Tensor: e.Position},
	}
}
