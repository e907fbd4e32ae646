// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// Block is a contiguous range of scalar rows or columns.
type Block struct {
	Size     int
	Position int
}

// Cell is one dense sub-matrix of a row block.
type Cell struct {
	// Index of the column block the cell lands in.
	Block int
	// Offset of the cell values inside the value array.
	Position int
}

// CompressedRow is one row block together with its non-zero cells.
// Cells are ordered by column block.
type CompressedRow struct {
	Block Block
	Cells []Cell
}

// BlockStructure describes the block sparsity pattern of a Jacobian:
// one row block per residual block, one column block per varying
// parameter block.
type BlockStructure struct {
	Cols []Block
	Rows []CompressedRow
}

// BlockSparseMatrix stores a Jacobian in block compressed row form.
// Cell values are dense row-major sub-matrices packed into one contiguous
// array, so evaluation can write residual-block Jacobians in place.
type BlockSparseMatrix struct {
	bs     *BlockStructure
	values []float64
	rows   int
	cols   int
}

// NewBlockSparseMatrix allocates a zero matrix with the given structure.
// The structure is borrowed, not copied, and must stay immutable for the
// lifetime of the matrix.
func NewBlockSparseMatrix(bs *BlockStructure) *BlockSparseMatrix {
	var rows, cols, nnz int
	for _, c := range bs.Cols {
		if end := c.Position + c.Size; end > cols {
			cols = end
		}
	}
	for i := range bs.Rows {
		r := &bs.Rows[i]
		if end := r.Block.Position + r.Block.Size; end > rows {
			rows = end
		}
		for _, c := range r.Cells {
			if end := c.Position + r.Block.Size*bs.Cols[c.Block].Size; end > nnz {
				nnz = end
			}
		}
	}
	return &BlockSparseMatrix{bs: bs, values: make([]float64, nnz), rows: rows, cols: cols}
}

func (m *BlockSparseMatrix) NumRows() int { return m.rows }
func (m *BlockSparseMatrix) NumCols() int { return m.cols }

// Structure returns the block sparsity pattern backing the matrix.
func (m *BlockSparseMatrix) Structure() *BlockStructure { return m.bs }

// Values exposes the cell storage backing the matrix.
func (m *BlockSparseMatrix) Values() []float64 { return m.values }

// CellValues returns the writable row-major view of one cell.
func (m *BlockSparseMatrix) CellValues(row, cell int) []float64 {
	r := &m.bs.Rows[row]
	c := r.Cells[cell]
	n := r.Block.Size * m.bs.Cols[c.Block].Size
	return m.values[c.Position : c.Position+n]
}

// SetZero clears every cell value.
func (m *BlockSparseMatrix) SetZero() {
	clear(m.values)
}

// RightMultiply computes 𝐲 += 𝐀·𝐱.
func (m *BlockSparseMatrix) RightMultiply(x, y []float64) {
	if len(x) != m.cols || len(y) != m.rows {
		panic("vector dimension not match matrix")
	}
	for i := range m.bs.Rows {
		r := &m.bs.Rows[i]
		rs, rp := r.Block.Size, r.Block.Position
		ys := blas64.Vector{N: rs, Inc: 1, Data: y[rp : rp+rs]}
		for _, c := range r.Cells {
			col := m.bs.Cols[c.Block]
			cell := blas64.General{
				Rows: rs, Cols: col.Size, Stride: col.Size,
				Data: m.values[c.Position : c.Position+rs*col.Size],
			}
			xs := blas64.Vector{N: col.Size, Inc: 1, Data: x[col.Position : col.Position+col.Size]}
			blas64.Gemv(blas.NoTrans, 1, cell, xs, 1, ys)
		}
	}
}

// LeftMultiply computes 𝐱 += 𝐀ᵗ·𝐲.
func (m *BlockSparseMatrix) LeftMultiply(y, x []float64) {
	if len(y) != m.rows || len(x) != m.cols {
		panic("vector dimension not match matrix")
	}
	for i := range m.bs.Rows {
		r := &m.bs.Rows[i]
		rs, rp := r.Block.Size, r.Block.Position
		ys := blas64.Vector{N: rs, Inc: 1, Data: y[rp : rp+rs]}
		for _, c := range r.Cells {
			col := m.bs.Cols[c.Block]
			cell := blas64.General{
				Rows: rs, Cols: col.Size, Stride: col.Size,
				Data: m.values[c.Position : c.Position+rs*col.Size],
			}
			xs := blas64.Vector{N: col.Size, Inc: 1, Data: x[col.Position : col.Position+col.Size]}
			blas64.Gemv(blas.Trans, 1, cell, ys, 1, xs)
		}
	}
}

// SquaredColumnNorm writes the squared Euclidean norm of each column into out.
func (m *BlockSparseMatrix) SquaredColumnNorm(out []float64) {
	if len(out) != m.cols {
		panic("vector dimension not match matrix")
	}
	clear(out)
	for i := range m.bs.Rows {
		r := &m.bs.Rows[i]
		for _, c := range r.Cells {
			col := m.bs.Cols[c.Block]
			v := m.values[c.Position : c.Position+r.Block.Size*col.Size]
			for ri := 0; ri < r.Block.Size; ri++ {
				for ci, e := range v[ri*col.Size : (ri+1)*col.Size] {
					out[col.Position+ci] += e * e
				}
			}
		}
	}
}

// ScaleColumns multiplies each column by the matching scale entry.
func (m *BlockSparseMatrix) ScaleColumns(scale []float64) {
	if len(scale) != m.cols {
		panic("vector dimension not match matrix")
	}
	for i := range m.bs.Rows {
		r := &m.bs.Rows[i]
		for _, c := range r.Cells {
			col := m.bs.Cols[c.Block]
			v := m.values[c.Position : c.Position+r.Block.Size*col.Size]
			for ri := 0; ri < r.Block.Size; ri++ {
				row := v[ri*col.Size : (ri+1)*col.Size]
				for ci := range row {
					row[ci] *= scale[col.Position+ci]
				}
			}
		}
	}
}

// ToDense materializes the matrix into dst, resizing it as needed.
func (m *BlockSparseMatrix) ToDense(dst *mat.Dense) {
	dst.Reset()
	dst.ReuseAs(m.rows, m.cols)
	dst.Zero()
	for i := range m.bs.Rows {
		r := &m.bs.Rows[i]
		for _, c := range r.Cells {
			col := m.bs.Cols[c.Block]
			v := m.values[c.Position : c.Position+r.Block.Size*col.Size]
			for ri := 0; ri < r.Block.Size; ri++ {
				for ci, e := range v[ri*col.Size : (ri+1)*col.Size] {
					dst.Set(r.Block.Position+ri, col.Position+ci, e)
				}
			}
		}
	}
}
