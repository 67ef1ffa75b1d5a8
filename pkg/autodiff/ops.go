package autodiff

import (
	"fmt"
	"math"

	"github.com/patentsim/transformer/pkg/core"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Gather looks up one row of table per id. The backward pass scatter-adds
// into the rows of the table, so repeated ids accumulate.
func (g *ComputationGraph) Gather(table *Tensor, ids []int) (*Tensor, error) {
	if err := checkNil("gather", table); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("gather: no ids: %w", core.ErrEmptyBatch)
	}
	rows, cols := table.Data.Dims()
	for i, id := range ids {
		if id < 0 || id >= rows {
			return nil, core.NewShapeError("gather", []int{rows}, []int{id}, "id %d at position %d outside table of %d rows", id, i, rows)
		}
	}
	data := mat.NewDense(len(ids), cols, nil)
	for i, id := range ids {
		copy(data.RawRowView(i), table.Data.RawRowView(id))
	}

	out := &Tensor{Data: data, Graph: g, Name: "gather"}
	if table.RequiresGrad && g.GradEnabled() {
		out.RequiresGrad = true
		out.Children = []*Tensor{table}
		out.BackwardFn = func() {
			table.ensureGrad()
			for i, id := range ids {
				floats.Add(table.Grad.RawRowView(id), out.Grad.RawRowView(i))
			}
		}
	}
	return out, nil
}

// SliceRows returns rows [start, end) of a
func SliceRows(a *Tensor, start, end int) (*Tensor, error) {
	if err := checkNil("slice_rows", a); err != nil {
		return nil, err
	}
	r, c := a.Data.Dims()
	if start < 0 || end > r || start >= end {
		return nil, core.NewShapeError("slice_rows", []int{r, c}, []int{start, end}, "row range out of bounds")
	}
	data := mat.DenseCopyOf(a.Data.Slice(start, end, 0, c))

	out := newResult(data, "slice_rows", a)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			a.ensureGrad()
			view := a.Grad.Slice(start, end, 0, c).(*mat.Dense)
			view.Add(view, out.Grad)
		}
	}
	return out, nil
}

// SliceCols returns columns [start, end) of a
func SliceCols(a *Tensor, start, end int) (*Tensor, error) {
	if err := checkNil("slice_cols", a); err != nil {
		return nil, err
	}
	r, c := a.Data.Dims()
	if start < 0 || end > c || start >= end {
		return nil, core.NewShapeError("slice_cols", []int{r, c}, []int{start, end}, "column range out of bounds")
	}
	data := mat.DenseCopyOf(a.Data.Slice(0, r, start, end))

	out := newResult(data, "slice_cols", a)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			a.ensureGrad()
			view := a.Grad.Slice(0, r, start, end).(*mat.Dense)
			view.Add(view, out.Grad)
		}
	}
	return out, nil
}

// ConcatRows stacks tensors with equal column counts vertically
func ConcatRows(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat_rows: no operands")
	}
	if err := checkNil("concat_rows", ts...); err != nil {
		return nil, err
	}
	_, cols := ts[0].Data.Dims()
	total := 0
	for _, t := range ts {
		r, c := t.Data.Dims()
		if c != cols {
			return nil, core.NewShapeError("concat_rows", []int{r, cols}, []int{r, c}, "column counts differ")
		}
		total += r
	}
	data := mat.NewDense(total, cols, nil)
	offset := 0
	for _, t := range ts {
		r, _ := t.Data.Dims()
		data.Slice(offset, offset+r, 0, cols).(*mat.Dense).Copy(t.Data)
		offset += r
	}

	out := newResult(data, "concat_rows", ts...)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			offset := 0
			for _, t := range ts {
				r, _ := t.Data.Dims()
				t.accumulate(out.Grad.Slice(offset, offset+r, 0, cols))
				offset += r
			}
		}
	}
	return out, nil
}

// ConcatCols joins tensors with equal row counts horizontally
func ConcatCols(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat_cols: no operands")
	}
	if err := checkNil("concat_cols", ts...); err != nil {
		return nil, err
	}
	rows, _ := ts[0].Data.Dims()
	total := 0
	for _, t := range ts {
		r, c := t.Data.Dims()
		if r != rows {
			return nil, core.NewShapeError("concat_cols", []int{rows, c}, []int{r, c}, "row counts differ")
		}
		total += c
	}
	data := mat.NewDense(rows, total, nil)
	offset := 0
	for _, t := range ts {
		_, c := t.Data.Dims()
		data.Slice(0, rows, offset, offset+c).(*mat.Dense).Copy(t.Data)
		offset += c
	}

	out := newResult(data, "concat_cols", ts...)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			offset := 0
			for _, t := range ts {
				_, c := t.Data.Dims()
				t.accumulate(out.Grad.Slice(0, rows, offset, offset+c))
				offset += c
			}
		}
	}
	return out, nil
}

// MaskedSoftmax normalises each row of scores over the columns whose mask
// entry is false. Masked columns receive exactly zero probability. A row
// whose columns are all masked comes out as zeros.
func MaskedSoftmax(scores *Tensor, mask []bool) (*Tensor, error) {
	if err := checkNil("masked_softmax", scores); err != nil {
		return nil, err
	}
	r, c := scores.Data.Dims()
	if mask != nil && len(mask) != c {
		return nil, core.NewShapeError("masked_softmax", []int{c}, []int{len(mask)}, "mask length must match key count")
	}
	masked := func(j int) bool { return mask != nil && mask[j] }

	data := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := scores.Data.RawRowView(i)
		dst := data.RawRowView(i)
		maxVal := math.Inf(-1)
		for j, v := range src {
			if !masked(j) && v > maxVal {
				maxVal = v
			}
		}
		if math.IsInf(maxVal, -1) {
			continue
		}
		sum := 0.0
		for j, v := range src {
			if masked(j) {
				continue
			}
			dst[j] = math.Exp(v - maxVal)
			sum += dst[j]
		}
		floats.Scale(1/sum, dst)
	}

	out := newResult(data, "masked_softmax", scores)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			ds := mat.NewDense(r, c, nil)
			for i := 0; i < r; i++ {
				p := data.RawRowView(i)
				dp := out.Grad.RawRowView(i)
				dot := floats.Dot(p, dp)
				row := ds.RawRowView(i)
				for j := range row {
					row[j] = p[j] * (dp[j] - dot)
				}
			}
			scores.accumulate(ds)
		}
	}
	return out, nil
}

// LayerNorm normalises every row of x to zero mean and unit variance and
// applies the learned 1xC gamma and beta
func LayerNorm(x, gamma, beta *Tensor, eps float64) (*Tensor, error) {
	if err := checkNil("layer_norm", x, gamma, beta); err != nil {
		return nil, err
	}
	r, c := x.Data.Dims()
	if !sameShape(gamma.Data, beta.Data) {
		return nil, core.NewShapeError("layer_norm", gamma.Shape(), beta.Shape(), "gamma and beta shapes differ")
	}
	if gr, gc := gamma.Data.Dims(); gr != 1 || gc != c {
		return nil, core.NewShapeError("layer_norm", []int{1, c}, []int{gr, gc}, "gamma must be a single row of the input width")
	}

	xhat := mat.NewDense(r, c, nil)
	invStd := make([]float64, r)
	data := mat.NewDense(r, c, nil)
	g := gamma.Data.RawRowView(0)
	b := beta.Data.RawRowView(0)
	n := float64(c)
	for i := 0; i < r; i++ {
		src := x.Data.RawRowView(i)
		mean := floats.Sum(src) / n
		variance := 0.0
		for _, v := range src {
			d := v - mean
			variance += d * d
		}
		variance /= n
		invStd[i] = 1 / math.Sqrt(variance+eps)
		hat := xhat.RawRowView(i)
		dst := data.RawRowView(i)
		for j, v := range src {
			hat[j] = (v - mean) * invStd[i]
			dst[j] = hat[j]*g[j] + b[j]
		}
	}

	out := newResult(data, "layer_norm", x, gamma, beta)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			dgamma := mat.NewDense(1, c, nil)
			dbeta := mat.NewDense(1, c, nil)
			dx := mat.NewDense(r, c, nil)
			dgRow := dgamma.RawRowView(0)
			dbRow := dbeta.RawRowView(0)
			dxhat := make([]float64, c)
			for i := 0; i < r; i++ {
				dy := out.Grad.RawRowView(i)
				hat := xhat.RawRowView(i)
				meanDxhat, meanDxhatXhat := 0.0, 0.0
				for j := range dy {
					dgRow[j] += dy[j] * hat[j]
					dbRow[j] += dy[j]
					dxhat[j] = dy[j] * g[j]
					meanDxhat += dxhat[j]
					meanDxhatXhat += dxhat[j] * hat[j]
				}
				meanDxhat /= n
				meanDxhatXhat /= n
				row := dx.RawRowView(i)
				for j := range row {
					row[j] = invStd[i] * (dxhat[j] - meanDxhat - hat[j]*meanDxhatXhat)
				}
			}
			x.accumulate(dx)
			gamma.accumulate(dgamma)
			beta.accumulate(dbeta)
		}
	}
	return out, nil
}

// Dropout zeroes elements with probability rate and rescales the rest.
// It is the identity unless x's graph is training.
func Dropout(x *Tensor, rate float64) (*Tensor, error) {
	if err := checkNil("dropout", x); err != nil {
		return nil, err
	}
	if rate <= 0 || !x.Graph.Training() {
		return x, nil
	}
	if rate >= 1 {
		return nil, fmt.Errorf("dropout: rate must be below 1, got %g", rate)
	}
	rng := x.Graph.Rand()
	r, c := x.Data.Dims()
	keep := mat.NewDense(r, c, nil)
	scale := 1 / (1 - rate)
	raw := keep.RawMatrix().Data
	for i := range raw {
		if rng.Float64() >= rate {
			raw[i] = scale
		}
	}
	data := mat.NewDense(r, c, nil)
	data.MulElem(x.Data, keep)

	out := newResult(data, "dropout", x)
	if out.RequiresGrad {
		out.BackwardFn = func() {
			var dx mat.Dense
			dx.MulElem(out.Grad, keep)
			x.accumulate(&dx)
		}
	}
	return out, nil
}
