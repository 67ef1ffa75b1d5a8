package dataset

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/patentsim/transformer/internal/tokenizer"
	"github.com/patentsim/transformer/pkg/core"
)

const sampleCSV = `id,anchor,target,context,score
37d61fd2272659b1,abatement,abatement of pollution,A47,0.5
7b9652b17b68b7a4,abatement,act of abating,A47,0.75
36d72442aefd8232,abatement,active catalyst,A47,0.25
5296b0c19e1ce60e,abatement,eliminating process,A47,0.5
54c1e3b9184cb5b6,abatement,forest region,A47,0
`

func TestReadCSV(t *testing.T) {
	records, err := ReadCSV(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 5 {
		t.Fatalf("got %d records, want 5", len(records))
	}
	want := PatentRecord{ID: "7b9652b17b68b7a4", Anchor: "abatement", Target: "act of abating", Context: "A47", Score: 0.75}
	if records[1] != want {
		t.Errorf("record 1 = %+v, want %+v", records[1], want)
	}
	if got := FormatText(records[1]); got != "PHR1: abatement PHR2: act of abating CON: A47" {
		t.Errorf("FormatText = %q", got)
	}
}

func TestReadCSVColumnOrderAndErrors(t *testing.T) {
	shuffled := "score,context,target,anchor,id,extra\n1,H01,gear,cog,x1,ignored\n"
	records, err := ReadCSV(strings.NewReader(shuffled))
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Anchor != "cog" || records[0].Score != 1 {
		t.Errorf("columns not located by header: %+v", records[0])
	}

	for name, input := range map[string]string{
		"missing score column": "id,anchor,target,context\nx,a,b,c\n",
		"bad score":            "id,anchor,target,context,score\nx,a,b,c,high\n",
		"empty":                "",
	} {
		if _, err := ReadCSV(strings.NewReader(input)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestBucket(t *testing.T) {
	cases := []struct {
		score float64
		want  int
	}{
		{0, 0}, {0.124, 0}, {0.125, 1}, {0.25, 1}, {0.374, 1}, {0.375, 2},
		{0.5, 2}, {0.625, 3}, {0.75, 3}, {0.874, 3}, {0.875, 4}, {1, 4},
	}
	for _, c := range cases {
		got, err := Bucket(c.score, 5)
		if err != nil {
			t.Errorf("Bucket(%g): %v", c.score, err)
			continue
		}
		if got != c.want {
			t.Errorf("Bucket(%g) = %d, want %d", c.score, got, c.want)
		}
	}
	for _, bad := range []float64{-0.01, 1.01, math.NaN()} {
		_, err := Bucket(bad, 5)
		var lre *core.LabelRangeError
		if !errors.As(err, &lre) || lre.Score == nil {
			t.Errorf("Bucket(%g): got %v, want LabelRangeError with score", bad, err)
		}
	}
}

func TestLabelResolve(t *testing.T) {
	if c, err := ClassLabel(4).Resolve(5); err != nil || c != 4 {
		t.Errorf("ClassLabel(4) = %d, %v", c, err)
	}
	var lre *core.LabelRangeError
	if _, err := ClassLabel(5).Resolve(5); !errors.As(err, &lre) || lre.Label != 5 {
		t.Errorf("ClassLabel(5): got %v, want LabelRangeError", err)
	}
	if c, _ := ScoreLabel(0.75).Resolve(5); c != 3 || ClassName(c) != "close synonym" {
		t.Errorf("0.75 resolved to %d (%s)", c, ClassName(c))
	}
}

func TestNewTokenizesOnce(t *testing.T) {
	records, _ := ReadCSV(strings.NewReader(sampleCSV))
	tok := tokenizer.NewWordTokenizer(Texts(records), tokenizer.WordOptions{})
	ds, err := New(records, tok, 5)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 5 || ds.VocabSize != tok.VocabSize() || ds.PadID != 0 {
		t.Errorf("unexpected dataset header: %+v", ds)
	}
	wantLabels := []int{2, 3, 1, 2, 0}
	longest := 0
	for i, rec := range ds.Records {
		if rec.Label != wantLabels[i] {
			t.Errorf("record %d label %d, want %d", i, rec.Label, wantLabels[i])
		}
		if rec.SeqLen != len(rec.Tokens) {
			t.Errorf("record %d SeqLen %d != %d tokens", i, rec.SeqLen, len(rec.Tokens))
		}
		if rec.SeqLen > longest {
			longest = rec.SeqLen
		}
	}
	if ds.MaxSeqLen != longest {
		t.Errorf("MaxSeqLen = %d, want %d", ds.MaxSeqLen, longest)
	}
	if !reflect.DeepEqual(ds.ClassCounts(), []int{1, 1, 2, 1, 0}) {
		t.Errorf("ClassCounts = %v", ds.ClassCounts())
	}
}

type failingEncoder struct{ failAt string }

func (f failingEncoder) Encode(text string) ([]int, error) {
	if strings.Contains(text, f.failAt) {
		return nil, errors.New("boom")
	}
	return []int{2, 3}, nil
}
func (failingEncoder) VocabSize() int { return 4 }
func (failingEncoder) PadID() int     { return 0 }

func TestNewReportsFailingRecord(t *testing.T) {
	records, _ := ReadCSV(strings.NewReader(sampleCSV))
	_, err := New(records, failingEncoder{failAt: "active catalyst"}, 5)
	var te *core.TokenizerError
	if !errors.As(err, &te) || te.Record != 2 {
		t.Fatalf("got %v, want TokenizerError for record 2", err)
	}

	records[3].Score = 2
	_, err = New(records, failingEncoder{failAt: "nothing"}, 5)
	var lre *core.LabelRangeError
	if !errors.As(err, &lre) {
		t.Errorf("score 2: got %v, want LabelRangeError", err)
	}

	if _, err := New(nil, failingEncoder{}, 5); !errors.Is(err, ErrNoRecords) {
		t.Errorf("no records: got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0644); err != nil {
		t.Fatal(err)
	}
	ds, err := Load(path, failingEncoder{failAt: "\x00"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 5 || ds.MaxSeqLen != 2 {
		t.Errorf("Load gave %d records, max len %d", ds.Len(), ds.MaxSeqLen)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.csv"), failingEncoder{}, 5); err == nil {
		t.Error("missing file should fail")
	}
}

func TestOrder(t *testing.T) {
	if got := Order(4, false, 1, 3); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Errorf("unshuffled order = %v", got)
	}
	a := Order(50, true, 7, 1)
	b := Order(50, true, 7, 1)
	c := Order(50, true, 7, 2)
	if !reflect.DeepEqual(a, b) {
		t.Error("same seed and epoch must give the same permutation")
	}
	if reflect.DeepEqual(a, c) {
		t.Error("different epochs should reshuffle")
	}
	seen := make(map[int]bool)
	for _, i := range a {
		seen[i] = true
	}
	if len(seen) != 50 {
		t.Error("shuffled order is not a permutation")
	}
}
