// Package tokenizer turns formatted phrase triples into token ids. Every
// tokenizer here reserves id 0 for padding and starts each sequence with a
// classification token, so position 0 is the one the classifier reads.
package tokenizer

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenizer is the contract the data pipeline relies on. Implementations
// are built once per run and shared.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	VocabSize() int
	PadID() int
	// Name identifies the tokenizer and its vocabulary; two tokenizers with
	// the same name produce the same ids.
	Name() string
}

// Special tokens shared by the word and BPE tokenizers
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	ClsToken = "[CLS]"
)

// Reserved ids of the special tokens
const (
	PadID = iota
	UnkID
	ClsID
	numSpecial
)

func checkText(text string) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("text is not valid UTF-8")
	}
	return nil
}

// Normalize collapses whitespace and optionally lowercases
func Normalize(text string, lowerCase bool) string {
	if lowerCase {
		text = strings.ToLower(text)
	}
	return strings.Join(strings.Fields(text), " ")
}

// splitWords splits on whitespace and isolates punctuation runes, so
// "PHR1: gear" becomes ["PHR1", ":", "gear"]
func splitWords(text string) []string {
	var words []string
	for _, field := range strings.Fields(text) {
		start := 0
		for i, r := range field {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				if start < i {
					words = append(words, field[start:i])
				}
				words = append(words, string(r))
				start = i + utf8.RuneLen(r)
			}
		}
		if start < len(field) {
			words = append(words, field[start:])
		}
	}
	return words
}

func fingerprint(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
