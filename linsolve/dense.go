// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// DenseQR is a two-phase householder QR factorization for dense
// least-squares systems with at least as many rows as columns.
// A factorization stays valid across repeated Solve calls.
type DenseQR struct {
	qr         mat.QR
	rows, cols int
	factorized bool
}

// Factorize computes the QR decomposition of a.
func (d *DenseQR) Factorize(a *mat.Dense) Summary {
	r, c := a.Dims()
	if r < c {
		return Summary{
			Termination: FatalError,
			Message:     fmt.Sprintf("matrix has fewer rows than columns: %d < %d", r, c),
		}
	}
	d.qr.Factorize(a)
	d.rows, d.cols = r, c
	d.factorized = true
	return Summary{Termination: Success}
}

// Solve computes the minimum residual solution for one right-hand side.
// A rank-deficient factor passes through silently and surfaces as
// non-finite step entries the caller rejects.
func (d *DenseQR) Solve(rhs, x []float64) Summary {
	if !d.factorized {
		panic("solve called before factorize")
	}
	if len(rhs) != d.rows || len(x) != d.cols {
		panic("vector dimension not match matrix")
	}
	var sol mat.Dense
	err := d.qr.SolveTo(&sol, false, mat.NewDense(d.rows, 1, rhs))
	if err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return Summary{
				Termination: Failure,
				Message:     fmt.Sprintf("dense QR solve failed: %v", err),
			}
		}
	}
	mat.Col(x, 0, &sol)
	return Summary{Termination: Success}
}

// FactorAndSolve factors the matrix and solves one right-hand side,
// solving only when the factorization succeeded.
func (d *DenseQR) FactorAndSolve(a *mat.Dense, rhs, x []float64) Summary {
	if s := d.Factorize(a); s.Termination != Success {
		return s
	}
	return d.Solve(rhs, x)
}

// DenseCholesky is a two-phase factorization of a dense symmetric
// positive definite matrix. A factorization stays valid across repeated
// Solve calls.
type DenseCholesky struct {
	chol       mat.Cholesky
	n          int
	factorized bool
}

// Factorize computes the Cholesky decomposition of a.
func (d *DenseCholesky) Factorize(a *mat.SymDense) Summary {
	d.factorized = false
	d.n = a.SymmetricDim()
	if ok := d.chol.Factorize(a); !ok {
		return Summary{Termination: Failure, Message: "matrix is not positive definite"}
	}
	d.factorized = true
	return Summary{Termination: Success}
}

// Solve computes 𝐱 = 𝐀⁻¹·𝚛𝚑𝚜 using the current factor.
func (d *DenseCholesky) Solve(rhs, x []float64) Summary {
	if !d.factorized {
		panic("solve called before factorize")
	}
	if len(rhs) != d.n || len(x) != d.n {
		panic("vector dimension not match matrix")
	}
	err := d.chol.SolveVecTo(mat.NewVecDense(d.n, x), mat.NewVecDense(d.n, rhs))
	if err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return Summary{
				Termination: Failure,
				Message:     fmt.Sprintf("dense Cholesky solve failed: %v", err),
			}
		}
	}
	return Summary{Termination: Success}
}

// FactorAndSolve factors the matrix and solves one right-hand side,
// solving only when the factorization succeeded.
func (d *DenseCholesky) FactorAndSolve(a *mat.SymDense, rhs, x []float64) Summary {
	if s := d.Factorize(a); s.Termination != Success {
		return s
	}
	return d.Solve(rhs, x)
}

// denseQRSolver solves the damped step with a dense QR of the stacked
// system [𝐀; 𝚍𝚒𝚊𝚐(𝐃)]·𝐱 = [𝐛; 𝟎].
type denseQRSolver struct {
	qr    DenseQR
	dense mat.Dense
	lhs   mat.Dense
	rhs   []float64
}

func (s *denseQRSolver) Solve(a *BlockSparseMatrix, b []float64, per PerSolve, x []float64) Summary {

	m, n := a.NumRows(), a.NumCols()
	if len(b) != m || len(x) != n {
		panic("vector dimension not match matrix")
	}
	if per.D != nil && len(per.D) != n {
		panic("diagonal dimension not match matrix")
	}

	rows := m
	if per.D != nil {
		rows += n
	}

	a.ToDense(&s.dense)
	s.lhs.Reset()
	s.lhs.ReuseAs(rows, n)
	s.lhs.Zero()
	s.lhs.Slice(0, m, 0, n).(*mat.Dense).Copy(&s.dense)
	if per.D != nil {
		for i, d := range per.D {
			s.lhs.Set(m+i, i, d)
		}
	}

	if cap(s.rhs) < rows {
		s.rhs = make([]float64, rows)
	}
	rhs := s.rhs[:rows]
	copy(rhs, b)
	clear(rhs[m:])

	return s.qr.FactorAndSolve(&s.lhs, rhs, x)
}

// denseNormalCholeskySolver forms the dense normal equations 𝐀ᵗ𝐀 + 𝐃ᵗ𝐃
// and solves them with one Cholesky factorization.
type denseNormalCholeskySolver struct {
	chol  DenseCholesky
	dense mat.Dense
	gram  mat.SymDense
	rhs   []float64
}

func (s *denseNormalCholeskySolver) Solve(a *BlockSparseMatrix, b []float64, per PerSolve, x []float64) Summary {

	m, n := a.NumRows(), a.NumCols()
	if len(b) != m || len(x) != n {
		panic("vector dimension not match matrix")
	}
	if per.D != nil && len(per.D) != n {
		panic("diagonal dimension not match matrix")
	}

	a.ToDense(&s.dense)
	s.gram.Reset()
	s.gram.ReuseAsSym(n)
	s.gram.SymOuterK(1, s.dense.T())
	if per.D != nil {
		for i, d := range per.D {
			s.gram.SetSym(i, i, s.gram.At(i, i)+d*d)
		}
	}

	if cap(s.rhs) < n {
		s.rhs = make([]float64, n)
	}
	rhs := s.rhs[:n]
	clear(rhs)
	a.LeftMultiply(b, rhs)

	return s.chol.FactorAndSolve(&s.gram, rhs, x)
}
