// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"fmt"
)

// cgnrOperator applies 𝐀ᵗ𝐀 + 𝐃ᵗ𝐃 without ever forming the product.
type cgnrOperator struct {
	a   *BlockSparseMatrix
	d   []float64
	tmp []float64 // row-space scratch
}

func (op *cgnrOperator) RightMultiply(x, y []float64) {
	// 𝐲 += 𝐀ᵗ(𝐀·𝐱)
	clear(op.tmp)
	op.a.RightMultiply(x, op.tmp)
	op.a.LeftMultiply(op.tmp, y)
	// 𝐲 += 𝐃ᵗ𝐃·𝐱
	if op.d != nil {
		for i, d := range op.d {
			y[i] += d * d * x[i]
		}
	}
}

func (op *cgnrOperator) LeftMultiply(y, x []float64) { op.RightMultiply(y, x) }
func (op *cgnrOperator) NumRows() int                { return op.a.NumCols() }
func (op *cgnrOperator) NumCols() int                { return op.a.NumCols() }

// cgnrSolver runs conjugate gradients on the implicit normal equations
//
//	(𝐀ᵗ𝐀 + 𝐃ᵗ𝐃)·𝐱 = 𝐀ᵗ𝐛
//
// touching the Jacobian only through matrix-vector products.
type cgnrSolver struct {
	opt     Options
	precond Preconditioner
}

func newCgnrSolver(opt Options) *cgnrSolver {
	s := &cgnrSolver{opt: opt}
	switch opt.Preconditioner {
	case PrecondIdentity:
		s.precond = &IdentityPreconditioner{}
	case PrecondBlockJacobi:
		s.precond = NewBlockJacobi()
	case PrecondSubset:
		s.precond = NewSubset(opt.SubsetRowBlocks)
	case PrecondIncompleteCholesky:
		s.precond = NewIncompleteCholesky()
	default:
		panic("unknown preconditioner type")
	}
	return s
}

func (s *cgnrSolver) Solve(a *BlockSparseMatrix, b []float64, per PerSolve, x []float64) Summary {

	n := a.NumCols()
	if len(b) != a.NumRows() || len(x) != n {
		panic("vector dimension not match matrix")
	}

	if err := s.precond.Update(a, per.D); err != nil {
		return Summary{
			Termination: FatalError,
			Message:     fmt.Sprintf("preconditioner update failed: %v", err),
		}
	}

	// 𝐳 = 𝐀ᵗ𝐛
	z := make([]float64, n)
	a.LeftMultiply(b, z)

	clear(x)
	lhs := &cgnrOperator{a: a, d: per.D, tmp: make([]float64, a.NumRows())}
	opt := CGOptions{
		MinIterations:       s.opt.MinIterations,
		MaxIterations:       s.opt.MaxIterations,
		ResidualResetPeriod: s.opt.ResidualResetPeriod,
		RTolerance:          per.RTolerance,
		QTolerance:          per.QTolerance,
	}
	return ConjugateGradients(lhs, s.precond, z, x, opt, NewCGScratch(n))
}
