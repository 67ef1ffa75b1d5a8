//go:build hf

package main

import (
	"github.com/patentsim/transformer/internal/tokenizer"
	"github.com/patentsim/transformer/internal/tokenizer/hf"
)

func openHF(path string) (tokenizer.Tokenizer, func() error, error) {
	t, err := hf.Open(path, tokenizer.PadID)
	if err != nil {
		return nil, nil, err
	}
	return t, t.Close, nil
}
