package sparse

import (
	"sort"
)

// Entry is one nonzero of a matrix under construction, in coordinate form.
type Entry struct {
	Row, Col int
	Val      float64
}

// CSR is an immutable sparse matrix in compressed sparse row form.
// It is built once (typically from an interaction graph) and shared
// read-only across forward passes.
type CSR struct {
	rows, cols int
	rowPtr     []int
	colIdx     []int
	val        []float64
}

// New builds a CSR matrix from coordinate entries. Entries may arrive in any
// order; duplicates of the same (row, col) are summed.
func New(rows, cols int, entries []Entry) *CSR {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Row != sorted[j].Row {
			return sorted[i].Row < sorted[j].Row
		}
		return sorted[i].Col < sorted[j].Col
	})

	m := &CSR{
		rows:   rows,
		cols:   cols,
		rowPtr: make([]int, rows+1),
		colIdx: make([]int, 0, len(sorted)),
		val:    make([]float64, 0, len(sorted)),
	}

	row := 0
	for _, e := range sorted {
		if n := len(m.colIdx); n > 0 && row == e.Row && m.colIdx[n-1] == e.Col {
			m.val[n-1] += e.Val
			continue
		}
		for row < e.Row {
			row++
			m.rowPtr[row] = len(m.colIdx)
		}
		m.colIdx = append(m.colIdx, e.Col)
		m.val = append(m.val, e.Val)
	}
	for row < rows {
		row++
		m.rowPtr[row] = len(m.colIdx)
	}
	return m
}

// Dims returns the matrix dimensions.
func (m *CSR) Dims() (rows, cols int) {
	return m.rows, m.cols
}

// NNZ returns the number of stored nonzeros.
func (m *CSR) NNZ() int {
	return len(m.val)
}

// At returns the value at (i, j), zero if not stored.
func (m *CSR) At(i, j int) float64 {
	for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
		if m.colIdx[k] == j {
			return m.val[k]
		}
	}
	return 0
}

// MulDense accumulates M·src into dst. src is row-major with the given column
// count and m.cols rows; dst must hold m.rows*cols values. dst is not zeroed.
func (m *CSR) MulDense(dst, src []float64, cols int) {
	for i := 0; i < m.rows; i++ {
		out := dst[i*cols : (i+1)*cols]
		for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
			v := m.val[k]
			in := src[m.colIdx[k]*cols : (m.colIdx[k]+1)*cols]
			for c := range out {
				out[c] += v * in[c]
			}
		}
	}
}

// MulTransposeDense accumulates Mᵀ·src into dst. src has m.rows rows; dst must
// hold m.cols*cols values. dst is not zeroed.
func (m *CSR) MulTransposeDense(dst, src []float64, cols int) {
	for i := 0; i < m.rows; i++ {
		in := src[i*cols : (i+1)*cols]
		for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
			v := m.val[k]
			out := dst[m.colIdx[k]*cols : (m.colIdx[k]+1)*cols]
			for c := range in {
				out[c] += v * in[c]
			}
		}
	}
}
