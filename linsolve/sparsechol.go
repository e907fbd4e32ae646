// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"fmt"
	"math"
)

type sparseCol struct {
	rows []int
	vals []float64
}

// SparseCholesky is a two-phase 𝐋𝐋ᵗ factorization of a sparse symmetric
// positive definite matrix in natural order. The factor is stored by
// columns with the diagonal first, so both triangular sweeps walk the
// stored pattern directly.
//
// A factorization stays valid across repeated Solve calls until the next
// Factorize.
type SparseCholesky struct {
	n          int
	cols       []sparseCol
	w          []float64 // dense work row
	factorized bool
}

// Factorize computes the lower triangular factor of a row by row.
// Failing on a non-positive pivot leaves the previous factor invalid.
func (c *SparseCholesky) Factorize(a *CSRMatrix) Summary {

	n := a.NumRows()
	if a.NumCols() != n {
		panic("matrix not square")
	}

	c.n = n
	c.factorized = false
	if len(c.w) < n {
		c.w = make([]float64, n)
	}
	w := c.w[:n]
	clear(w)

	cols := make([]sparseCol, n)
	for i := 0; i < n; i++ {
		// Scatter the strict lower part of row i and pick the diagonal.
		var aii float64
		for k := a.rowPtr[i]; k < a.rowPtr[i+1]; k++ {
			switch j := a.colIdx[k]; {
			case j < i:
				w[j] = a.values[k]
			case j == i:
				aii = a.values[k]
			}
		}

		// Sparse triangular solve 𝐋₍₀..ᵢ₎·𝐥ᵢ = 𝐚ᵢ by column sweeps.
		// Every column j holds only rows below j seen so far, all < i.
		for j := 0; j < i; j++ {
			if w[j] == 0 {
				continue
			}
			w[j] /= cols[j].vals[0]
			lij := w[j]
			rs, vs := cols[j].rows, cols[j].vals
			for k := 1; k < len(rs); k++ {
				w[rs[k]] -= vs[k] * lij
			}
		}

		sum := 0.0
		for j := 0; j < i; j++ {
			if w[j] != 0 {
				sum += w[j] * w[j]
			}
		}
		pivot := aii - sum
		if !(pivot > 0) {
			clear(w[:i])
			return Summary{
				Termination: Failure,
				Message:     fmt.Sprintf("matrix is not positive definite: pivot %d = %e", i, pivot),
			}
		}

		// Commit row i: the diagonal opens column i, the off-diagonal
		// entries append to their columns in increasing row order.
		cols[i].rows = append(cols[i].rows, i)
		cols[i].vals = append(cols[i].vals, math.Sqrt(pivot))
		for j := 0; j < i; j++ {
			if w[j] != 0 {
				cols[j].rows = append(cols[j].rows, i)
				cols[j].vals = append(cols[j].vals, w[j])
				w[j] = 0
			}
		}
	}

	c.cols = cols
	c.factorized = true
	return Summary{Termination: Success}
}

// Solve computes 𝐱 = (𝐋𝐋ᵗ)⁻¹·𝚛𝚑𝚜 using the current factor.
func (c *SparseCholesky) Solve(rhs, x []float64) Summary {
	if !c.factorized {
		panic("solve called before factorize")
	}
	if len(rhs) != c.n || len(x) != c.n {
		panic("vector dimension not match matrix")
	}

	copy(x, rhs)
	// Forward sweep 𝐋·𝐲 = 𝚛𝚑𝚜.
	for j := 0; j < c.n; j++ {
		col := &c.cols[j]
		x[j] /= col.vals[0]
		xj := x[j]
		for k := 1; k < len(col.rows); k++ {
			x[col.rows[k]] -= col.vals[k] * xj
		}
	}
	// Backward sweep 𝐋ᵗ·𝐱 = 𝐲. Row j of 𝐋ᵗ is column j of 𝐋.
	for j := c.n - 1; j >= 0; j-- {
		col := &c.cols[j]
		s := x[j]
		for k := 1; k < len(col.rows); k++ {
			s -= col.vals[k] * x[col.rows[k]]
		}
		x[j] = s / col.vals[0]
	}
	return Summary{Termination: Success}
}

// FactorAndSolve factors the matrix and solves one right-hand side,
// solving only when the factorization succeeded.
func (c *SparseCholesky) FactorAndSolve(a *CSRMatrix, rhs, x []float64) Summary {
	if s := c.Factorize(a); s.Termination != Success {
		return s
	}
	return c.Solve(rhs, x)
}

// sparseNormalCholeskySolver forms the sparse normal equations
// 𝐀ᵗ𝐀 + 𝐃ᵗ𝐃 and solves them with one sparse Cholesky factorization.
type sparseNormalCholeskySolver struct {
	chol SparseCholesky
}

func (s *sparseNormalCholeskySolver) Solve(a *BlockSparseMatrix, b []float64, per PerSolve, x []float64) Summary {
	n := a.NumCols()
	if len(b) != a.NumRows() || len(x) != n {
		panic("vector dimension not match matrix")
	}
	rhs := make([]float64, n)
	a.LeftMultiply(b, rhs)
	return s.chol.FactorAndSolve(NormalMatrix(a, per.D, nil), rhs, x)
}
