package batcher

import (
	"context"
	"fmt"

	"github.com/patentsim/transformer/internal/dataset"
)

// Chunker walks a dataset in contiguous chunks of batchSize records
// following a fixed order. The last chunk may be shorter.
type Chunker struct {
	records   []dataset.TokenizedRecord
	order     []int
	batchSize int
	pos       int
	index     int
}

// NewChunker creates a chunker; a nil order keeps dataset order
func NewChunker(ds *dataset.Dataset, batchSize int, order []int) (*Chunker, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if order == nil {
		order = dataset.Order(ds.Len(), false, 0, 0)
	}
	if len(order) != ds.Len() {
		return nil, fmt.Errorf("order covers %d records, dataset has %d", len(order), ds.Len())
	}
	return &Chunker{records: ds.Records, order: order, batchSize: batchSize}, nil
}

// Next returns the next chunk and its index, or ok=false when done
func (c *Chunker) Next() (chunk []dataset.TokenizedRecord, index int, ok bool) {
	if c.pos >= len(c.order) {
		return nil, c.index, false
	}
	end := min(c.pos+c.batchSize, len(c.order))
	chunk = make([]dataset.TokenizedRecord, 0, end-c.pos)
	for _, i := range c.order[c.pos:end] {
		chunk = append(chunk, c.records[i])
	}
	index = c.index
	c.pos = end
	c.index++
	return chunk, index, true
}

// Reset rewinds to the first chunk
func (c *Chunker) Reset() { c.pos, c.index = 0, 0 }

// Len is the number of chunks in a full pass
func (c *Chunker) Len() int { return (len(c.order) + c.batchSize - 1) / c.batchSize }

// Prepared is a padded chunk produced ahead of use
type Prepared struct {
	Index  int
	Padded *Padded
	Err    error
}

// Prefetch pads the chunker's remaining chunks on a separate goroutine,
// keeping up to depth of them ready. Chunks arrive in order. The channel
// closes after the last chunk, after the first error, or when ctx ends;
// callers that stop early must cancel ctx.
func Prefetch(ctx context.Context, c *Chunker, opts Options, depth int) <-chan Prepared {
	out := make(chan Prepared, depth)
	go func() {
		defer close(out)
		for {
			chunk, index, ok := c.Next()
			if !ok {
				return
			}
			p, err := Pad(chunk, opts)
			select {
			case out <- Prepared{Index: index, Padded: p, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}
