package tensor

import (
	"math"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/cnclabs/grade/pkg/sparse"
)

// bceEps keeps log arguments away from zero in the cross-entropy kernels.
const bceEps = 1e-12

// Tape is the execution context for one forward pass. Every op computes its
// result immediately and records a backward rule; Tensor.Backward replays the
// rules in reverse. A tape is single-use: build one per forward call and drop
// it with the call's transient tensors.
type Tape struct {
	ops []func()
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

func (tp *Tape) backprop() {
	for i := len(tp.ops) - 1; i >= 0; i-- {
		tp.ops[i]()
	}
}

// newOut allocates an op result bound to this tape. The result tracks
// gradients iff any input does.
func (tp *Tape) newOut(rows, cols int, ins ...*Tensor) *Tensor {
	out := New(rows, cols)
	out.tape = tp
	for _, in := range ins {
		if in.track {
			out.track = true
			break
		}
	}
	return out
}

// record registers the backward rule for out. The rule receives out's
// accumulated gradient; it is skipped when no gradient reached out.
func (tp *Tape) record(out *Tensor, rule func(g []float64)) {
	if !out.track {
		return
	}
	tp.ops = append(tp.ops, func() {
		if out.grad == nil {
			return
		}
		rule(out.grad)
	})
}

// MatMul returns a·b.
func (tp *Tape) MatMul(a, b *Tensor) *Tensor {
	out := tp.newOut(a.rows, b.cols, a, b)
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, a.general(), b.general(), 0, out.general())
	tp.record(out, func(g []float64) {
		gout := out.gradGeneral()
		if a.track {
			blas64.Gemm(blas.NoTrans, blas.Trans, 1, gout, b.general(), 1, a.gradGeneral())
		}
		if b.track {
			blas64.Gemm(blas.Trans, blas.NoTrans, 1, a.general(), gout, 1, b.gradGeneral())
		}
	})
	return out
}

// SpMM returns adj·x for a constant sparse adjacency matrix.
func (tp *Tape) SpMM(adj *sparse.CSR, x *Tensor) *Tensor {
	rows, _ := adj.Dims()
	out := tp.newOut(rows, x.cols, x)
	adj.MulDense(out.data, x.data, x.cols)
	tp.record(out, func(g []float64) {
		if x.track {
			adj.MulTransposeDense(x.Grad(), g, x.cols)
		}
	})
	return out
}

// AddBias adds the 1-row tensor b to every row of x.
func (tp *Tape) AddBias(x, b *Tensor) *Tensor {
	out := tp.newOut(x.rows, x.cols, x, b)
	for i := 0; i < x.rows; i++ {
		row := out.data[i*x.cols : (i+1)*x.cols]
		copy(row, x.data[i*x.cols:(i+1)*x.cols])
		vek.Add_Inplace(row, b.data)
	}
	tp.record(out, func(g []float64) {
		if x.track {
			vek.Add_Inplace(x.Grad(), g)
		}
		if b.track {
			gb := b.Grad()
			for i := 0; i < x.rows; i++ {
				vek.Add_Inplace(gb, g[i*x.cols:(i+1)*x.cols])
			}
		}
	})
	return out
}

// ReLU zeroes negative entries.
func (tp *Tape) ReLU(x *Tensor) *Tensor {
	out := tp.newOut(x.rows, x.cols, x)
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		}
	}
	tp.record(out, func(g []float64) {
		if !x.track {
			return
		}
		gx := x.Grad()
		for i, v := range out.data {
			if v > 0 {
				gx[i] += g[i]
			}
		}
	})
	return out
}

// Sigmoid applies the logistic function element-wise.
func (tp *Tape) Sigmoid(x *Tensor) *Tensor {
	out := tp.newOut(x.rows, x.cols, x)
	for i, v := range x.data {
		out.data[i] = 1.0 / (1.0 + math.Exp(-v))
	}
	tp.record(out, func(g []float64) {
		if !x.track {
			return
		}
		gx := x.Grad()
		for i, s := range out.data {
			gx[i] += g[i] * s * (1 - s)
		}
	})
	return out
}

// Gather selects the given rows of x, in order.
func (tp *Tape) Gather(x *Tensor, rows []int) *Tensor {
	idx := make([]int, len(rows))
	copy(idx, rows)
	out := tp.newOut(len(idx), x.cols, x)
	for i, r := range idx {
		copy(out.data[i*x.cols:(i+1)*x.cols], x.data[r*x.cols:(r+1)*x.cols])
	}
	tp.record(out, func(g []float64) {
		if !x.track {
			return
		}
		gx := x.Grad()
		for i, r := range idx {
			vek.Add_Inplace(gx[r*x.cols:(r+1)*x.cols], g[i*x.cols:(i+1)*x.cols])
		}
	})
	return out
}

// ConcatCols joins tensors with equal row counts along the feature axis.
func (tp *Tape) ConcatCols(xs ...*Tensor) *Tensor {
	rows := xs[0].rows
	cols := 0
	for _, x := range xs {
		cols += x.cols
	}
	out := tp.newOut(rows, cols, xs...)
	off := 0
	for _, x := range xs {
		for i := 0; i < rows; i++ {
			copy(out.data[i*cols+off:i*cols+off+x.cols], x.data[i*x.cols:(i+1)*x.cols])
		}
		off += x.cols
	}
	tp.record(out, func(g []float64) {
		off := 0
		for _, x := range xs {
			if x.track {
				gx := x.Grad()
				for i := 0; i < rows; i++ {
					vek.Add_Inplace(gx[i*x.cols:(i+1)*x.cols], g[i*cols+off:i*cols+off+x.cols])
				}
			}
			off += x.cols
		}
	})
	return out
}

// ConcatRows stacks tensors with equal column counts, first argument on top.
func (tp *Tape) ConcatRows(xs ...*Tensor) *Tensor {
	cols := xs[0].cols
	rows := 0
	for _, x := range xs {
		rows += x.rows
	}
	out := tp.newOut(rows, cols, xs...)
	off := 0
	for _, x := range xs {
		copy(out.data[off:off+len(x.data)], x.data)
		off += len(x.data)
	}
	tp.record(out, func(g []float64) {
		off := 0
		for _, x := range xs {
			if x.track {
				vek.Add_Inplace(x.Grad(), g[off:off+len(x.data)])
			}
			off += len(x.data)
		}
	})
	return out
}

// GradReverse is the identity on the forward path; on the backward path it
// propagates -alpha times the incoming gradient and contributes no gradient
// for alpha itself.
func (tp *Tape) GradReverse(x *Tensor, alpha float64) *Tensor {
	out := tp.newOut(x.rows, x.cols, x)
	copy(out.data, x.data)
	tp.record(out, func(g []float64) {
		if !x.track {
			return
		}
		vek.Add_Inplace(x.Grad(), vek.MulNumber(g, -alpha))
	})
	return out
}

// Add returns a+b for tensors of identical shape.
func (tp *Tape) Add(a, b *Tensor) *Tensor {
	out := tp.newOut(a.rows, a.cols, a, b)
	copy(out.data, a.data)
	vek.Add_Inplace(out.data, b.data)
	tp.record(out, func(g []float64) {
		if a.track {
			vek.Add_Inplace(a.Grad(), g)
		}
		if b.track {
			vek.Add_Inplace(b.Grad(), g)
		}
	})
	return out
}

// Scale returns s·a.
func (tp *Tape) Scale(a *Tensor, s float64) *Tensor {
	out := tp.newOut(a.rows, a.cols, a)
	copy(out.data, vek.MulNumber(a.data, s))
	tp.record(out, func(g []float64) {
		if a.track {
			vek.Add_Inplace(a.Grad(), vek.MulNumber(g, s))
		}
	})
	return out
}

// BCE returns the mean binary cross-entropy between predictions (any shape,
// read element-wise) and labels as a 1x1 tensor.
func (tp *Tape) BCE(pred *Tensor, labels []float64) *Tensor {
	n := len(pred.data)
	clamped := make([]float64, n)
	sum := 0.0
	for i, p := range pred.data {
		if p < bceEps {
			p = bceEps
		} else if p > 1-bceEps {
			p = 1 - bceEps
		}
		clamped[i] = p
		y := labels[i]
		sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	out := tp.newOut(1, 1, pred)
	out.data[0] = sum / float64(n)
	tp.record(out, func(g []float64) {
		if !pred.track {
			return
		}
		gp := pred.Grad()
		scale := g[0] / float64(n)
		for i, p := range clamped {
			gp[i] += scale * (p - labels[i]) / (p * (1 - p))
		}
	})
	return out
}
