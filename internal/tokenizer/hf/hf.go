// Package hf adapts a Hugging Face tokenizer.json (for example
// bert-base-cased) to the pipeline's tokenizer contract. It links the
// tokenizers native library through cgo.
package hf

import (
	"fmt"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

// Tokenizer wraps a loaded Hugging Face tokenizer. Special tokens are added
// on encode, so BERT-style vocabularies put [CLS] at position 0.
type Tokenizer struct {
	tk    *tokenizers.Tokenizer
	path  string
	padID int
}

// Open loads tokenizer.json from path. padID is the vocabulary's padding id
// (0 for the BERT vocabularies).
func Open(path string, padID int) (*Tokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	if padID < 0 || padID >= int(tk.VocabSize()) {
		tk.Close()
		return nil, fmt.Errorf("pad id %d outside vocabulary of %d", padID, tk.VocabSize())
	}
	return &Tokenizer{tk: tk, path: path, padID: padID}, nil
}

func (t *Tokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, true)
	if len(ids) == 0 {
		return nil, fmt.Errorf("tokenizer produced no ids")
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

func (t *Tokenizer) VocabSize() int { return int(t.tk.VocabSize()) }
func (t *Tokenizer) PadID() int     { return t.padID }
func (t *Tokenizer) Name() string   { return "hf:" + filepath.Base(t.path) }

func (t *Tokenizer) Close() error { return t.tk.Close() }
