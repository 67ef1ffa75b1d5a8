package tokenizer

import (
	"sort"
	"strconv"
)

// WordOptions configures vocabulary fitting for the word tokenizer
type WordOptions struct {
	LowerCase    bool
	MinFrequency int // words seen fewer times map to [UNK]
	MaxVocab     int // 0 means unlimited; counts the special tokens
}

// WordTokenizer is a word-level tokenizer whose vocabulary is fitted on
// the training texts
type WordTokenizer struct {
	Vocabulary map[string]int
	IdToToken  []string
	LowerCase  bool
	name       string
}

// NewWordTokenizer fits a vocabulary on texts. Words are ordered by
// descending frequency, ties broken lexically, so the same corpus always
// yields the same ids.
func NewWordTokenizer(texts []string, opts WordOptions) *WordTokenizer {
	counts := make(map[string]int)
	for _, text := range texts {
		for _, w := range splitWords(Normalize(text, opts.LowerCase)) {
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w, n := range counts {
		if n >= opts.MinFrequency {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if opts.MaxVocab > numSpecial && len(words) > opts.MaxVocab-numSpecial {
		words = words[:opts.MaxVocab-numSpecial]
	}

	t := &WordTokenizer{
		Vocabulary: make(map[string]int, len(words)+numSpecial),
		IdToToken:  append([]string{PadToken, UnkToken, ClsToken}, words...),
		LowerCase:  opts.LowerCase,
	}
	for id, tok := range t.IdToToken {
		t.Vocabulary[tok] = id
	}
	t.name = "word:" + strconv.FormatBool(opts.LowerCase) + ":" + fingerprint(t.IdToToken...)
	return t
}

func (t *WordTokenizer) Encode(text string) ([]int, error) {
	if err := checkText(text); err != nil {
		return nil, err
	}
	words := splitWords(Normalize(text, t.LowerCase))
	ids := make([]int, 0, len(words)+1)
	ids = append(ids, ClsID)
	for _, w := range words {
		id, ok := t.Vocabulary[w]
		if !ok {
			id = UnkID
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *WordTokenizer) VocabSize() int { return len(t.IdToToken) }
func (t *WordTokenizer) PadID() int     { return PadID }
func (t *WordTokenizer) Name() string   { return t.name }
