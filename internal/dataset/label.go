package dataset

import (
	"math"

	"github.com/patentsim/transformer/pkg/core"
)

// LabelKind tells which field of a Label is set
type LabelKind int

const (
	// RawScore labels carry a similarity score in [0, 1]
	RawScore LabelKind = iota
	// ClassID labels carry an already bucketed class
	ClassID
)

// Label is either a raw similarity score or a class id
type Label struct {
	Kind  LabelKind
	Score float64
	Class int
}

func ScoreLabel(score float64) Label { return Label{Kind: RawScore, Score: score} }
func ClassLabel(class int) Label     { return Label{Kind: ClassID, Class: class} }

// Resolve returns the class id of the label, bucketing raw scores
func (l Label) Resolve(numClasses int) (int, error) {
	if l.Kind == RawScore {
		return Bucket(l.Score, numClasses)
	}
	if l.Class < 0 || l.Class >= numClasses {
		return 0, &core.LabelRangeError{Label: l.Class, NumClasses: numClasses}
	}
	return l.Class, nil
}

// Bucket maps a score in [0, 1] to the nearest of numClasses evenly spaced
// canonical scores. With five classes the canonical scores are 0, 0.25,
// 0.5, 0.75 and 1, and the bucket edges sit halfway between them; an
// edge value rounds up.
func Bucket(score float64, numClasses int) (int, error) {
	if math.IsNaN(score) || score < 0 || score > 1 || numClasses < 2 {
		return 0, &core.LabelRangeError{Label: -1, NumClasses: numClasses, Score: &score}
	}
	return int(math.Floor(score*float64(numClasses-1) + 0.5)), nil
}

// ClassNames describe the five similarity classes
var ClassNames = []string{
	"unrelated",
	"somewhat related",
	"synonym with different meaning",
	"close synonym",
	"very close match",
}

// ClassName returns the description of a five-way class id
func ClassName(class int) string {
	if class < 0 || class >= len(ClassNames) {
		return "unknown"
	}
	return ClassNames[class]
}
