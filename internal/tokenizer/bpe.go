package tokenizer

import (
	"fmt"
	"strconv"

	"github.com/pkoukk/tiktoken-go"
)

// bpeEncoder is the part of a tiktoken encoding the tokenizer uses
type bpeEncoder interface {
	EncodeOrdinary(text string) []int
}

// BPETokenizer splits text with a tiktoken byte-pair encoding and remaps
// the BPE ids seen in the fitting corpus onto a dense local vocabulary
// after the special tokens. BPE ids never seen while fitting map to [UNK].
type BPETokenizer struct {
	enc      bpeEncoder
	encoding string
	toLocal  map[int]int
	name     string
}

// NewBPETokenizer loads a tiktoken encoding (for example "cl100k_base")
// and fits the local vocabulary on corpus
func NewBPETokenizer(encoding string, corpus []string) (*BPETokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load bpe encoding %s: %w", encoding, err)
	}
	return newBPETokenizer(enc, encoding, corpus)
}

func newBPETokenizer(enc bpeEncoder, encoding string, corpus []string) (*BPETokenizer, error) {
	t := &BPETokenizer{enc: enc, encoding: encoding, toLocal: make(map[int]int)}
	order := make([]string, 0, 1024)
	for i, text := range corpus {
		if err := checkText(text); err != nil {
			return nil, fmt.Errorf("fit text %d: %w", i, err)
		}
		for _, id := range enc.EncodeOrdinary(text) {
			if _, ok := t.toLocal[id]; !ok {
				t.toLocal[id] = numSpecial + len(t.toLocal)
				order = append(order, strconv.Itoa(id))
			}
		}
	}
	t.name = "bpe:" + encoding + ":" + fingerprint(order...)
	return t, nil
}

func (t *BPETokenizer) Encode(text string) ([]int, error) {
	if err := checkText(text); err != nil {
		return nil, err
	}
	bpe := t.enc.EncodeOrdinary(text)
	ids := make([]int, 0, len(bpe)+1)
	ids = append(ids, ClsID)
	for _, id := range bpe {
		local, ok := t.toLocal[id]
		if !ok {
			local = UnkID
		}
		ids = append(ids, local)
	}
	return ids, nil
}

func (t *BPETokenizer) VocabSize() int { return numSpecial + len(t.toLocal) }
func (t *BPETokenizer) PadID() int     { return PadID }
func (t *BPETokenizer) Name() string   { return t.name }
