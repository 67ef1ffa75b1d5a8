package autodiff

import (
	"math"

	"github.com/patentsim/transformer/pkg/core"
	"gonum.org/v1/gonum/mat"
)

// CrossEntropyLoss computes the mean negative log-likelihood of targets
// under a row-wise softmax of logits. It returns a 1x1 tensor.
func CrossEntropyLoss(logits *Tensor, targets []int) (*Tensor, error) {
	if err := checkNil("cross_entropy", logits); err != nil {
		return nil, err
	}
	n, classes := logits.Data.Dims()
	if n != len(targets) {
		return nil, core.NewShapeError("cross_entropy", []int{len(targets), classes}, []int{n, classes}, "logit rows must equal label count")
	}
	for _, target := range targets {
		if target < 0 || target >= classes {
			return nil, &core.LabelRangeError{Label: target, NumClasses: classes}
		}
	}

	probs := mat.NewDense(n, classes, nil)
	total := 0.0
	for i, target := range targets {
		row := logits.Data.RawRowView(i)
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		p := probs.RawRowView(i)
		for j, v := range row {
			p[j] = math.Exp(v - maxVal)
			sum += p[j]
		}
		for j := range p {
			p[j] /= sum
		}
		// log-sum-exp minus the target logit
		total += math.Log(sum) + maxVal - row[target]
	}
	data := mat.NewDense(1, 1, []float64{total / float64(n)})

	out := newResult(data, "cross_entropy", logits)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			scale := out.Grad.At(0, 0) / float64(n)
			dl := mat.NewDense(n, classes, nil)
			for i, target := range targets {
				p := probs.RawRowView(i)
				row := dl.RawRowView(i)
				for j := range row {
					row[j] = p[j] * scale
				}
				row[target] -= scale
			}
			logits.accumulate(dl)
		}
	}
	return out, nil
}
