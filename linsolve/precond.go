// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Preconditioner approximates the inverse of the normal equations operator.
// RightMultiply applies the approximation: 𝐲 += 𝐌⁻¹·𝐱.
type Preconditioner interface {
	Operator
	// Update rebuilds the approximation from the current Jacobian and
	// damping diagonal. Called once before every solve.
	Update(a *BlockSparseMatrix, d []float64) error
}

// IdentityPreconditioner applies 𝐌⁻¹ = 𝐈.
type IdentityPreconditioner struct {
	n int
}

func (p *IdentityPreconditioner) Update(a *BlockSparseMatrix, d []float64) error {
	p.n = a.NumCols()
	return nil
}

func (p *IdentityPreconditioner) RightMultiply(x, y []float64) {
	for i, v := range x {
		y[i] += v
	}
}

func (p *IdentityPreconditioner) LeftMultiply(y, x []float64) { p.RightMultiply(y, x) }
func (p *IdentityPreconditioner) NumRows() int                { return p.n }
func (p *IdentityPreconditioner) NumCols() int                { return p.n }

// BlockJacobi preconditions with the inverse of the block diagonal of
// 𝐀ᵗ𝐀 + 𝐃ᵗ𝐃, one dense Cholesky factor per parameter column block.
type BlockJacobi struct {
	cols    []Block
	chol    []mat.Cholesky
	scratch []float64
	n       int
}

func NewBlockJacobi() *BlockJacobi { return &BlockJacobi{} }

func (p *BlockJacobi) Update(a *BlockSparseMatrix, d []float64) error {

	bs := a.Structure()
	vals := a.Values()
	p.cols = bs.Cols
	p.n = a.NumCols()
	if len(p.chol) != len(bs.Cols) {
		p.chol = make([]mat.Cholesky, len(bs.Cols))
	}

	maxSize := 0
	grams := make([][]float64, len(bs.Cols))
	for i, col := range bs.Cols {
		grams[i] = make([]float64, col.Size*col.Size)
		if col.Size > maxSize {
			maxSize = col.Size
		}
	}
	if len(p.scratch) < maxSize {
		p.scratch = make([]float64, maxSize)
	}

	for i := range bs.Rows {
		r := &bs.Rows[i]
		rs := r.Block.Size
		for _, c := range r.Cells {
			cs := bs.Cols[c.Block].Size
			cell := blas64.General{
				Rows: rs, Cols: cs, Stride: cs,
				Data: vals[c.Position : c.Position+rs*cs],
			}
			g := blas64.General{Rows: cs, Cols: cs, Stride: cs, Data: grams[c.Block]}
			blas64.Gemm(blas.Trans, blas.NoTrans, 1, cell, cell, 1, g)
		}
	}

	for i, col := range bs.Cols {
		cs := col.Size
		g := grams[i]
		if d != nil {
			for k := 0; k < cs; k++ {
				dk := d[col.Position+k]
				g[k*cs+k] += dk * dk
			}
		}
		if ok := p.chol[i].Factorize(mat.NewSymDense(cs, g)); !ok {
			return fmt.Errorf("column block %d is not positive definite", i)
		}
	}
	return nil
}

func (p *BlockJacobi) RightMultiply(x, y []float64) {
	if len(x) != p.n || len(y) != p.n {
		panic("vector dimension not match matrix")
	}
	for i := range p.cols {
		cs, pos := p.cols[i].Size, p.cols[i].Position
		dst := mat.NewVecDense(cs, p.scratch[:cs])
		_ = p.chol[i].SolveVecTo(dst, mat.NewVecDense(cs, x[pos:pos+cs]))
		floats.Add(y[pos:pos+cs], p.scratch[:cs])
	}
}

func (p *BlockJacobi) LeftMultiply(y, x []float64) { p.RightMultiply(y, x) }
func (p *BlockJacobi) NumRows() int                { return p.n }
func (p *BlockJacobi) NumCols() int                { return p.n }

// Subset preconditions with the inverse normal matrix of a subset of the
// residual row blocks, factored sparsely. Effective when a small set of
// residuals dominates the conditioning of the full system.
type Subset struct {
	rowBlocks []int
	chol      SparseCholesky
	tmp       []float64
	n         int
}

func NewSubset(rowBlocks []int) *Subset { return &Subset{rowBlocks: rowBlocks} }

func (p *Subset) Update(a *BlockSparseMatrix, d []float64) error {
	p.n = a.NumCols()
	if s := p.chol.Factorize(NormalMatrix(a, d, p.rowBlocks)); s.Termination != Success {
		return errors.New(s.Message)
	}
	if len(p.tmp) != p.n {
		p.tmp = make([]float64, p.n)
	}
	return nil
}

func (p *Subset) RightMultiply(x, y []float64) {
	p.chol.Solve(x, p.tmp)
	floats.Add(y, p.tmp)
}

func (p *Subset) LeftMultiply(y, x []float64) { p.RightMultiply(y, x) }
func (p *Subset) NumRows() int                { return p.n }
func (p *Subset) NumCols() int                { return p.n }

// IncompleteCholesky preconditions with an IC(0) factorization of the
// normal matrix: the factor keeps exactly the sparsity pattern of
// 𝐀ᵗ𝐀 + 𝐃ᵗ𝐃, trading accuracy for predictable memory. Building it forms
// the normal matrix once per update.
type IncompleteCholesky struct {
	factor *icFactor
	tmp    []float64
	n      int
}

func NewIncompleteCholesky() *IncompleteCholesky { return &IncompleteCholesky{} }

func (p *IncompleteCholesky) Update(a *BlockSparseMatrix, d []float64) error {
	f, err := icFactorize(NormalMatrix(a, d, nil))
	if err != nil {
		return err
	}
	p.factor = f
	p.n = a.NumCols()
	if len(p.tmp) != p.n {
		p.tmp = make([]float64, p.n)
	}
	return nil
}

func (p *IncompleteCholesky) RightMultiply(x, y []float64) {
	p.factor.solve(x, p.tmp)
	floats.Add(y, p.tmp)
}

func (p *IncompleteCholesky) LeftMultiply(y, x []float64) { p.RightMultiply(y, x) }
func (p *IncompleteCholesky) NumRows() int                { return p.n }
func (p *IncompleteCholesky) NumCols() int                { return p.n }

// icFactor is a no-fill Cholesky factor: strict lower triangle in
// compressed rows plus a dense diagonal.
type icFactor struct {
	n      int
	rowPtr []int
	colIdx []int
	vals   []float64
	diag   []float64
}

func icFactorize(a *CSRMatrix) (*icFactor, error) {

	n := a.NumRows()
	f := &icFactor{n: n, rowPtr: make([]int, n+1), diag: make([]float64, n)}
	for i := 0; i < n; i++ {
		cnt := 0
		for k := a.rowPtr[i]; k < a.rowPtr[i+1]; k++ {
			if a.colIdx[k] < i {
				cnt++
			}
		}
		f.rowPtr[i+1] = f.rowPtr[i] + cnt
	}
	f.colIdx = make([]int, f.rowPtr[n])
	f.vals = make([]float64, f.rowPtr[n])

	adiag := make([]float64, n)
	pos := 0
	for i := 0; i < n; i++ {
		for k := a.rowPtr[i]; k < a.rowPtr[i+1]; k++ {
			switch j := a.colIdx[k]; {
			case j < i:
				f.colIdx[pos] = j
				f.vals[pos] = a.values[k]
				pos++
			case j == i:
				adiag[i] = a.values[k]
			}
		}
	}

	for i := 0; i < n; i++ {
		for ki := f.rowPtr[i]; ki < f.rowPtr[i+1]; ki++ {
			k := f.colIdx[ki]
			// Dot product over the shared pattern of rows i and k,
			// both sorted, both left of column k.
			s := f.vals[ki]
			pi, pk := f.rowPtr[i], f.rowPtr[k]
			for pi < ki && pk < f.rowPtr[k+1] {
				switch ci, ck := f.colIdx[pi], f.colIdx[pk]; {
				case ci == ck:
					s -= f.vals[pi] * f.vals[pk]
					pi++
					pk++
				case ci < ck:
					pi++
				default:
					pk++
				}
			}
			f.vals[ki] = s / f.diag[k]
		}
		s := adiag[i]
		for ki := f.rowPtr[i]; ki < f.rowPtr[i+1]; ki++ {
			s -= f.vals[ki] * f.vals[ki]
		}
		if !(s > 0) {
			return nil, fmt.Errorf("incomplete factor breakdown: pivot %d = %e", i, s)
		}
		f.diag[i] = math.Sqrt(s)
	}
	return f, nil
}

// solve computes 𝐱 = (𝐋𝐋ᵗ)⁻¹·𝐛 with two sweeps over the stored rows.
func (f *icFactor) solve(b, x []float64) {
	for i := 0; i < f.n; i++ {
		s := b[i]
		for k := f.rowPtr[i]; k < f.rowPtr[i+1]; k++ {
			s -= f.vals[k] * x[f.colIdx[k]]
		}
		x[i] = s / f.diag[i]
	}
	for i := f.n - 1; i >= 0; i-- {
		x[i] /= f.diag[i]
		xi := x[i]
		for k := f.rowPtr[i]; k < f.rowPtr[i+1]; k++ {
			x[f.colIdx[k]] -= f.vals[k] * xi
		}
	}
}
