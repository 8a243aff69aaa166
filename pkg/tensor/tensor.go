package tensor

import (
	"math/rand"

	"gonum.org/v1/gonum/blas/blas64"
)

// Tensor is a row-major float64 matrix, optionally carrying a gradient buffer.
// Long-lived tensors are either trainable parameters (created with Param) or
// constant inputs (created with Const); everything else is produced by Tape
// ops and lives only for the duration of one forward/backward pass.
type Tensor struct {
	rows, cols int
	data       []float64
	grad       []float64
	track      bool
	tape       *Tape
}

// New returns a zeroed tensor that does not track gradients.
func New(rows, cols int) *Tensor {
	return &Tensor{
		rows: rows,
		cols: cols,
		data: make([]float64, rows*cols),
	}
}

// Const wraps data as a non-trainable tensor. The slice is used directly, not
// copied; it must hold rows*cols values.
func Const(rows, cols int, data []float64) *Tensor {
	return &Tensor{rows: rows, cols: cols, data: data}
}

// Param returns a trainable tensor with values drawn uniformly from
// [-bound, bound].
func Param(rows, cols int, bound float64, rng *rand.Rand) *Tensor {
	t := New(rows, cols)
	t.track = true
	for i := range t.data {
		t.data[i] = (rng.Float64()*2 - 1) * bound
	}
	return t
}

// Rows returns the row count.
func (t *Tensor) Rows() int { return t.rows }

// Cols returns the column count.
func (t *Tensor) Cols() int { return t.cols }

// Data returns the backing slice, row-major.
func (t *Tensor) Data() []float64 { return t.data }

// At returns the value at (i, j).
func (t *Tensor) At(i, j int) float64 { return t.data[i*t.cols+j] }

// Scalar returns the single value of a 1x1 tensor.
func (t *Tensor) Scalar() float64 { return t.data[0] }

// Grad returns the gradient buffer, allocating it on first use.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// ZeroGrad clears the gradient buffer if one has been allocated.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Backward seeds this tensor's gradient with ones and replays its tape in
// reverse, accumulating gradients into every tracked tensor upstream. It is
// intended for the scalar loss at the end of a forward pass.
func (t *Tensor) Backward() {
	g := t.Grad()
	for i := range g {
		g[i] = 1
	}
	t.tape.backprop()
}

// general views the tensor as a blas64 matrix.
func (t *Tensor) general() blas64.General {
	return blas64.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}
}

// gradGeneral views the gradient buffer as a blas64 matrix.
func (t *Tensor) gradGeneral() blas64.General {
	return blas64.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.Grad()}
}
