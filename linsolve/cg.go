// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CGOptions controls the conjugate gradients iteration.
type CGOptions struct {
	// The loop never returns before MinIterations even if a convergence
	// test already passes.
	MinIterations int
	// The loop gives up after MaxIterations with NO_CONVERGENCE.
	// Zero defaults to 500.
	MaxIterations int
	// Every ResidualResetPeriod iterations the residual is recomputed as
	// 𝐫 = 𝐛 − 𝐀·𝐱 instead of updated incrementally, bounding the rounding
	// drift on long solves. Zero defaults to 10.
	ResidualResetPeriod int
	// Residual test: stop once ‖𝐫‖ ≤ RTolerance·‖𝐛‖.
	RTolerance float64
	// Quadratic model test of Nash & Sofer: with 𝑄(𝐱) = 𝐱ᵗ𝐀𝐱 − 2𝐛ᵗ𝐱,
	// stop once 𝑖·(𝑄ᵢ − 𝑄ᵢ₋₁)/𝑄ᵢ < QTolerance. An inexact Newton step only
	// needs the solve to stop once it no longer improves the model.
	QTolerance float64
}

// CGScratch holds the four solve-local vectors of conjugate gradients.
// A scratch must not be shared by concurrent solves.
type CGScratch struct {
	p, r, z, tmp []float64
}

// NewCGScratch allocates scratch for systems of n unknowns.
func NewCGScratch(n int) *CGScratch {
	return &CGScratch{
		p:   make([]float64, n),
		r:   make([]float64, n),
		z:   make([]float64, n),
		tmp: make([]float64, n),
	}
}

func isZeroOrInf(x float64) bool {
	return x == 0 || math.IsInf(x, 0)
}

// ConjugateGradients solves 𝐀·𝐱 = 𝐛 for a symmetric positive definite
// operator with the method of Hestenes and Stiefel, starting from the
// caller's 𝐱 (warm start allowed).
//
// precond applies an approximate inverse of 𝐀. Use an
// IdentityPreconditioner for an unpreconditioned solve.
func ConjugateGradients(lhs Operator, precond Operator, b, x []float64, opt CGOptions, s *CGScratch) Summary {

	n := lhs.NumCols()
	if lhs.NumRows() != n {
		panic("operator not square")
	}
	if len(b) != n || len(x) != n {
		panic("vector dimension not match operator")
	}
	if len(s.p) != n || len(s.r) != n || len(s.z) != n || len(s.tmp) != n {
		panic("scratch dimension not match operator")
	}
	if opt.MaxIterations <= 0 {
		opt.MaxIterations = 500
	}
	if opt.ResidualResetPeriod <= 0 {
		opt.ResidualResetPeriod = 10
	}

	summary := Summary{
		Termination: NoConvergence,
		Message:     "maximum number of iterations reached",
	}

	normB := floats.Norm(b, 2)
	if normB == 0 {
		clear(x)
		summary.Termination = Success
		summary.Message = "convergence: |b| = 0"
		return summary
	}

	p, r, z, tmp := s.p, s.r, s.z, s.tmp
	tolR := opt.RTolerance * normB

	// 𝐫 = 𝐛 − 𝐀·𝐱
	clear(tmp)
	lhs.RightMultiply(x, tmp)
	floats.SubTo(r, b, tmp)
	normR := floats.Norm(r, 2)
	if opt.MinIterations == 0 && normR <= tolR {
		summary.Termination = Success
		summary.Message = fmt.Sprintf("convergence: |r| = %e <= %e", normR, tolR)
		return summary
	}

	rho := 1.0
	// 𝑄(𝐱) tracked through 𝐀𝐱 = 𝐛 − 𝐫, so no extra product is needed.
	q0 := -(floats.Dot(x, b) + floats.Dot(x, r))

	for summary.Iterations < opt.MaxIterations {
		summary.Iterations++

		// 𝐳 = 𝐌⁻¹·𝐫
		clear(z)
		precond.RightMultiply(r, z)

		lastRho := rho
		rho = floats.Dot(r, z)
		if isZeroOrInf(rho) {
			summary.Termination = Failure
			summary.Message = fmt.Sprintf("numerical failure: rho = r'z = %e", rho)
			break
		}

		if summary.Iterations == 1 {
			copy(p, z)
		} else {
			beta := rho / lastRho
			if isZeroOrInf(beta) {
				summary.Termination = Failure
				summary.Message = fmt.Sprintf(
					"numerical failure: beta = rho_n / rho_{n-1} = %e, rho_n = %e, rho_{n-1} = %e",
					beta, rho, lastRho)
				break
			}
			// 𝐩 = 𝐳 + β·𝐩
			for i, v := range p {
				p[i] = z[i] + beta*v
			}
		}

		// q reuses the storage of z, which stays dead until the next
		// iteration re-clears it.
		q := z
		clear(q)
		lhs.RightMultiply(p, q)
		pq := floats.Dot(p, q)
		if pq <= 0 || math.IsInf(pq, 0) {
			summary.Termination = NoConvergence
			summary.Message = fmt.Sprintf(
				"matrix is indefinite, no more progress can be made: p'q = %e, |p| = %e, |q| = %e",
				pq, floats.Norm(p, 2), floats.Norm(q, 2))
			break
		}

		alpha := rho / pq
		if math.IsInf(alpha, 0) {
			summary.Termination = Failure
			summary.Message = fmt.Sprintf(
				"numerical failure: alpha = rho / pq = %e, rho = %e, pq = %e", alpha, rho, pq)
			break
		}

		floats.AddScaled(x, alpha, p)

		if summary.Iterations%opt.ResidualResetPeriod == 0 {
			clear(tmp)
			lhs.RightMultiply(x, tmp)
			floats.SubTo(r, b, tmp)
		} else {
			floats.AddScaled(r, -alpha, q)
		}

		// A zero or non-finite 𝑄ᵢ leaves zeta NaN; the comparison is then
		// false and control falls through to the residual test.
		q1 := -(floats.Dot(x, b) + floats.Dot(x, r))
		zeta := float64(summary.Iterations) * (q1 - q0) / q1
		if zeta < opt.QTolerance && summary.Iterations >= opt.MinIterations {
			summary.Termination = Success
			summary.Message = fmt.Sprintf(
				"iteration %d: convergence: zeta = %e < %e, |r| = %e",
				summary.Iterations, zeta, opt.QTolerance, floats.Norm(r, 2))
			break
		}
		q0 = q1

		normR = floats.Norm(r, 2)
		if normR <= tolR && summary.Iterations >= opt.MinIterations {
			summary.Termination = Success
			summary.Message = fmt.Sprintf(
				"iteration %d: convergence: |r| = %e <= %e",
				summary.Iterations, normR, tolR)
			break
		}
	}

	return summary
}
