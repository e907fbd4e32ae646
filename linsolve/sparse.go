// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"sort"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// CSRMatrix is a scalar matrix in compressed sparse row form.
// Column indices are sorted inside each row.
type CSRMatrix struct {
	rows, cols int
	rowPtr     []int
	colIdx     []int
	values     []float64
}

// NewCSRMatrix wraps the given compressed row storage without copying.
func NewCSRMatrix(rows, cols int, rowPtr, colIdx []int, values []float64) *CSRMatrix {
	if len(rowPtr) != rows+1 || len(colIdx) != len(values) || rowPtr[rows] != len(values) {
		panic("compressed row storage not consistent")
	}
	return &CSRMatrix{rows: rows, cols: cols, rowPtr: rowPtr, colIdx: colIdx, values: values}
}

func (m *CSRMatrix) NumRows() int { return m.rows }
func (m *CSRMatrix) NumCols() int { return m.cols }

// RightMultiply computes 𝐲 += 𝐀·𝐱.
func (m *CSRMatrix) RightMultiply(x, y []float64) {
	if len(x) != m.cols || len(y) != m.rows {
		panic("vector dimension not match matrix")
	}
	for i := 0; i < m.rows; i++ {
		s := 0.0
		for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
			s += m.values[k] * x[m.colIdx[k]]
		}
		y[i] += s
	}
}

// LeftMultiply computes 𝐱 += 𝐀ᵗ·𝐲.
func (m *CSRMatrix) LeftMultiply(y, x []float64) {
	if len(y) != m.rows || len(x) != m.cols {
		panic("vector dimension not match matrix")
	}
	for i := 0; i < m.rows; i++ {
		yi := y[i]
		for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
			x[m.colIdx[k]] += m.values[k] * yi
		}
	}
}

// NormalMatrix assembles the scalar normal equations
//
//	𝐍 = 𝐀ᵗ𝐀 + 𝐃ᵗ𝐃
//
// of a block sparse Jacobian as a fully stored symmetric CSRMatrix.
//
// rowBlocks restricts the product to the given residual row blocks; nil
// means all of them. d may be nil for an undamped product. Diagonal
// entries are always present so damping keeps untouched columns regular.
func NormalMatrix(a *BlockSparseMatrix, d []float64, rowBlocks []int) *CSRMatrix {

	bs := a.Structure()
	vals := a.Values()
	nc := len(bs.Cols)

	if rowBlocks == nil {
		rowBlocks = make([]int, len(bs.Rows))
		for i := range rowBlocks {
			rowBlocks[i] = i
		}
	}

	// Gram block per column block pair, upper blocks only.
	grams := make(map[[2]int][]float64, 2*nc)
	gram := func(bi, bj, size int) []float64 {
		key := [2]int{bi, bj}
		g := grams[key]
		if g == nil {
			g = make([]float64, size)
			grams[key] = g
		}
		return g
	}

	for _, ri := range rowBlocks {
		r := &bs.Rows[ri]
		rs := r.Block.Size
		for x := 0; x < len(r.Cells); x++ {
			cx := r.Cells[x]
			csx := bs.Cols[cx.Block].Size
			mx := blas64.General{
				Rows: rs, Cols: csx, Stride: csx,
				Data: vals[cx.Position : cx.Position+rs*csx],
			}
			for y := x; y < len(r.Cells); y++ {
				cy := r.Cells[y]
				csy := bs.Cols[cy.Block].Size
				my := blas64.General{
					Rows: rs, Cols: csy, Stride: csy,
					Data: vals[cy.Position : cy.Position+rs*csy],
				}
				g := blas64.General{
					Rows: csx, Cols: csy, Stride: csy,
					Data: gram(cx.Block, cy.Block, csx*csy),
				}
				blas64.Gemm(blas.Trans, blas.NoTrans, 1, mx, my, 1, g)
			}
		}
	}

	for i := 0; i < nc; i++ {
		cs := bs.Cols[i].Size
		g := gram(i, i, cs*cs)
		if d != nil {
			for k := 0; k < cs; k++ {
				dk := d[bs.Cols[i].Position+k]
				g[k*cs+k] += dk * dk
			}
		}
	}

	// Block neighbor lists covering both triangles.
	nbr := make([][]int, nc)
	for key := range grams {
		bi, bj := key[0], key[1]
		nbr[bi] = append(nbr[bi], bj)
		if bi != bj {
			nbr[bj] = append(nbr[bj], bi)
		}
	}
	for i := range nbr {
		sort.Ints(nbr[i])
	}

	// Scalar expansion: every row of block row strip bi holds the columns
	// of all neighbor blocks, in block order, hence sorted.
	n := a.NumCols()
	rowPtr := make([]int, n+1)
	for bi := 0; bi < nc; bi++ {
		width := 0
		for _, bj := range nbr[bi] {
			width += bs.Cols[bj].Size
		}
		for k := 0; k < bs.Cols[bi].Size; k++ {
			rowPtr[bs.Cols[bi].Position+k+1] = width
		}
	}
	for i := 0; i < n; i++ {
		rowPtr[i+1] += rowPtr[i]
	}

	nnz := rowPtr[n]
	colIdx := make([]int, nnz)
	values := make([]float64, nnz)
	cursor := make([]int, n)
	copy(cursor, rowPtr[:n])

	for bi := 0; bi < nc; bi++ {
		csi := bs.Cols[bi].Size
		for _, bj := range nbr[bi] {
			csj := bs.Cols[bj].Size
			g := grams[[2]int{bi, bj}]
			trans := bj < bi
			if trans {
				g = grams[[2]int{bj, bi}]
			}
			for a := 0; a < csi; a++ {
				row := bs.Cols[bi].Position + a
				k := cursor[row]
				for b := 0; b < csj; b++ {
					v := g[a*csj+b]
					if trans {
						v = g[b*csi+a]
					}
					colIdx[k] = bs.Cols[bj].Position + b
					values[k] = v
					k++
				}
				cursor[row] = k
			}
		}
	}

	return &CSRMatrix{rows: n, cols: n, rowPtr: rowPtr, colIdx: colIdx, values: values}
}
