//go:build !hf

package main

import (
	"errors"

	"github.com/patentsim/transformer/internal/tokenizer"
)

func openHF(string) (tokenizer.Tokenizer, func() error, error) {
	return nil, nil, errors.New(`tokenizer "hf" needs a build with -tags hf and libtokenizers`)
}
