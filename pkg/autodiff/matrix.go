package autodiff

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// NewMatrix creates a zero-filled matrix
func NewMatrix(rows, cols int) (*mat.Dense, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("dimensions must be positive: rows=%d, cols=%d", rows, cols)
	}
	return mat.NewDense(rows, cols, nil), nil
}

// NewMatrixFromRows creates a matrix from a rectangular slice of rows
func NewMatrixFromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("matrix rows must be non-empty")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// NewRandomMatrix creates a matrix with values drawn uniformly from [-scale, scale]
func NewRandomMatrix(rows, cols int, scale float64, rng *rand.Rand) (*mat.Dense, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	raw := m.RawMatrix().Data
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * scale
	}
	return m, nil
}

// XavierScale is the uniform Glorot bound for a fanIn x fanOut weight
func XavierScale(fanIn, fanOut int) float64 {
	return math.Sqrt(6.0 / float64(fanIn+fanOut))
}

// Dims returns the shape of m as a slice, the form ShapeError reports
func Dims(m mat.Matrix) []int {
	r, c := m.Dims()
	return []int{r, c}
}

func sameShape(a, b mat.Matrix) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	return ar == br && ac == bc
}

// Equal reports whether a and b have the same shape and agree within epsilon
func Equal(a, b mat.Matrix, epsilon float64) bool {
	return sameShape(a, b) && mat.EqualApprox(a, b, epsilon)
}

// FormatMatrix renders a matrix for log output
func FormatMatrix(m mat.Matrix) string {
	return fmt.Sprintf("%v", mat.Formatted(m, mat.Squeeze()))
}
