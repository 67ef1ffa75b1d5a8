// Package dataset loads patent phrase records, formats them for the
// tokenizer and turns them into labelled token sequences.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PatentRecord is one row of the phrase similarity CSV
type PatentRecord struct {
	ID      string
	Anchor  string
	Target  string
	Context string // CPC classification the similarity is judged within
	Score   float64
}

var requiredColumns = []string{"id", "anchor", "target", "context", "score"}

// FormatText renders a record as the tokenizer input
func FormatText(rec PatentRecord) string {
	return fmt.Sprintf("PHR1: %s PHR2: %s CON: %s", rec.Anchor, rec.Target, rec.Context)
}

// Texts formats every record, for fitting a tokenizer vocabulary
func Texts(records []PatentRecord) []string {
	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = FormatText(rec)
	}
	return texts
}

// ReadCSV parses records from r. Columns are located by header name and
// extra columns are ignored.
func ReadCSV(r io.Reader) ([]PatentRecord, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv has no header")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	cols := make([]int, len(requiredColumns))
	for i, name := range requiredColumns {
		col, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("csv header missing column %q", name)
		}
		cols[i] = col
	}

	var records []PatentRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(row[cols[4]]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: score: %w", line, err)
		}
		records = append(records, PatentRecord{
			ID:      row[cols[0]],
			Anchor:  row[cols[1]],
			Target:  row[cols[2]],
			Context: row[cols[3]],
			Score:   score,
		})
	}
	return records, nil
}

// LoadCSV reads records from the file at path
func LoadCSV(path string) ([]PatentRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}
