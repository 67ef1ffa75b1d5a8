package classifier

import (
	"github.com/patentsim/transformer/pkg/autodiff"
	"github.com/patentsim/transformer/pkg/core"
	"gonum.org/v1/gonum/floats"
)

// Predictions returns the arg-max class of every row; ties go to the lowest index
func Predictions(logits *autodiff.Tensor) []int {
	rows, _ := logits.Data.Dims()
	preds := make([]int, rows)
	for i := range preds {
		preds[i] = floats.MaxIdx(logits.Data.RawRowView(i))
	}
	return preds
}

// Accuracy is the percentage of rows whose arg-max equals the label
func Accuracy(logits *autodiff.Tensor, labels []int) (float64, error) {
	rows, cols := logits.Data.Dims()
	if rows != len(labels) {
		return 0, core.NewShapeError("accuracy", []int{len(labels), cols}, []int{rows, cols}, "logit rows must equal label count")
	}
	correct := 0
	for i, p := range Predictions(logits) {
		if p == labels[i] {
			correct++
		}
	}
	return 100 * float64(correct) / float64(rows), nil
}
