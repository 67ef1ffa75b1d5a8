package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/patentsim/transformer/pkg/core"
)

// ErrNoRecords is returned when a dataset would be empty
var ErrNoRecords = errors.New("dataset has no records")

// Encoder is the tokenizer behaviour a dataset needs
type Encoder interface {
	Encode(text string) ([]int, error)
	VocabSize() int
	PadID() int
}

// TokenizedRecord is a record ready for batching
type TokenizedRecord struct {
	ID     string
	Tokens []int
	Label  int
	SeqLen int
}

// Dataset is an ordered, immutable collection of tokenized records
type Dataset struct {
	Records    []TokenizedRecord
	MaxSeqLen  int
	VocabSize  int
	PadID      int
	NumClasses int
}

// New tokenizes and labels every record once. Scores are bucketed into
// numClasses classes here and never again.
func New(records []PatentRecord, enc Encoder, numClasses int) (*Dataset, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	vocab := enc.VocabSize()
	out := make([]TokenizedRecord, len(records))
	for i, rec := range records {
		text := FormatText(rec)
		ids, err := enc.Encode(text)
		if err != nil {
			return nil, &core.TokenizerError{Record: i, Text: text, Err: err}
		}
		if len(ids) == 0 {
			return nil, &core.TokenizerError{Record: i, Text: text, Err: errors.New("no tokens")}
		}
		for _, id := range ids {
			if id < 0 || id >= vocab {
				return nil, &core.TokenizerError{Record: i, Text: text, Err: fmt.Errorf("id %d outside vocabulary of %d", id, vocab)}
			}
		}
		label, err := ScoreLabel(rec.Score).Resolve(numClasses)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, rec.ID, err)
		}
		out[i] = TokenizedRecord{ID: rec.ID, Tokens: ids, Label: label, SeqLen: len(ids)}
	}
	return FromTokenized(out, vocab, enc.PadID(), numClasses)
}

// FromTokenized builds a dataset from records that are already tokenized
// and labelled
func FromTokenized(records []TokenizedRecord, vocabSize, padID, numClasses int) (*Dataset, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	ds := &Dataset{Records: records, VocabSize: vocabSize, PadID: padID, NumClasses: numClasses}
	for i := range records {
		rec := &records[i]
		if rec.SeqLen != len(rec.Tokens) {
			rec.SeqLen = len(rec.Tokens)
		}
		if rec.Label < 0 || rec.Label >= numClasses {
			return nil, fmt.Errorf("record %d: %w", i, &core.LabelRangeError{Label: rec.Label, NumClasses: numClasses})
		}
		if rec.SeqLen > ds.MaxSeqLen {
			ds.MaxSeqLen = rec.SeqLen
		}
	}
	return ds, nil
}

// Load reads a CSV and builds a dataset from it
func Load(path string, enc Encoder, numClasses int) (*Dataset, error) {
	records, err := LoadCSV(path)
	if err != nil {
		return nil, err
	}
	ds, err := New(records, enc, numClasses)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// Len is the number of records
func (ds *Dataset) Len() int { return len(ds.Records) }

// ClassCounts tallies records per class
func (ds *Dataset) ClassCounts() []int {
	counts := make([]int, ds.NumClasses)
	for _, rec := range ds.Records {
		counts[rec.Label]++
	}
	return counts
}

// Order returns the record order for an epoch: identity unless shuffle is
// set, otherwise a permutation fixed by seed and epoch
func Order(n int, shuffle bool, seed int64, epoch int) []int {
	if !shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(seed + int64(epoch)*7919)).Perm(n)
}
