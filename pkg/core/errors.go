package core

import (
	"errors"
	"fmt"
)

// ErrEmptyBatch is returned when a batch is requested for zero records
var ErrEmptyBatch = errors.New("empty batch")

// ShapeError reports a dimension mismatch between operands
type ShapeError struct {
	Op     string
	Want   []int
	Got    []int
	Detail string
}

func (e *ShapeError) Error() string {
	msg := fmt.Sprintf("%s: shape mismatch", e.Op)
	if e.Want != nil || e.Got != nil {
		msg += fmt.Sprintf(": want %v, got %v", e.Want, e.Got)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// NewShapeError builds a ShapeError with a formatted detail message
func NewShapeError(op string, want, got []int, format string, args ...any) *ShapeError {
	return &ShapeError{Op: op, Want: want, Got: got, Detail: fmt.Sprintf(format, args...)}
}

// LabelRangeError reports a label that does not name one of the classes.
// Score is set when the label came from a raw similarity score.
type LabelRangeError struct {
	Label      int
	NumClasses int
	Score      *float64
}

func (e *LabelRangeError) Error() string {
	if e.Score != nil {
		return fmt.Sprintf("score %g cannot be bucketed into %d classes", *e.Score, e.NumClasses)
	}
	return fmt.Sprintf("label %d outside [0, %d)", e.Label, e.NumClasses)
}

// TokenizerError reports a record whose text the tokenizer rejected
type TokenizerError struct {
	Record int
	Text   string
	Err    error
}

func (e *TokenizerError) Error() string {
	return fmt.Sprintf("tokenize record %d (%q): %v", e.Record, e.Text, e.Err)
}

func (e *TokenizerError) Unwrap() error { return e.Err }
