// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package linsolve provides the linear solvers behind each trust-region step:
// preconditioned conjugate gradients on the implicit normal equations (CGNR)
// and direct dense/sparse factorizations sharing one two-phase contract.
package linsolve

import (
	"errors"
)

// TerminationType classifies the outcome of one linear solve.
type TerminationType int

const (
	// Success the solver found a solution satisfying its tolerances.
	Success TerminationType = iota
	// NoConvergence the solver ran out of iterations or detected an
	// indefinite system; the best iterate so far is returned.
	NoConvergence
	// Failure a numerical failure occurred (division producing Inf/NaN,
	// zero pivot); the solve can be retried with different damping.
	Failure
	// FatalError the solver hit a configuration or backend problem that
	// retrying cannot fix.
	FatalError
)

func (t TerminationType) String() string {
	switch t {
	case Success:
		return "SUCCESS"
	case NoConvergence:
		return "NO_CONVERGENCE"
	case Failure:
		return "FAILURE"
	case FatalError:
		return "FATAL_ERROR"
	}
	return "UNKNOWN"
}

// Summary reports the outcome of one solve call.
// The message of a failed solve carries the offending values.
type Summary struct {
	Termination TerminationType
	Message     string
	Iterations  int
}

// SolverType selects the step solver family.
type SolverType int

const (
	// SolverCGNR solves (𝐀ᵗ𝐀 + 𝐃ᵗ𝐃)𝐱 = 𝐀ᵗ𝐛 with preconditioned conjugate
	// gradients, never forming 𝐀ᵗ𝐀.
	SolverCGNR SolverType = iota
	// SolverDenseQR factors the stacked matrix [𝐀; 𝚍𝚒𝚊𝚐(𝐃)] with a dense QR.
	SolverDenseQR
	// SolverDenseNormalCholesky forms the dense normal equations and
	// factors them with a dense Cholesky.
	SolverDenseNormalCholesky
	// SolverSparseNormalCholesky forms the sparse normal equations and
	// factors them with a sparse Cholesky.
	SolverSparseNormalCholesky
)

// PrecondType selects the preconditioner used by the CGNR solver.
type PrecondType int

const (
	// PrecondIdentity applies no preconditioning.
	PrecondIdentity PrecondType = iota
	// PrecondBlockJacobi inverts the block diagonal of the normal equations.
	PrecondBlockJacobi
	// PrecondSubset inverts the normal matrix of a subset of the residual
	// row blocks.
	PrecondSubset
	// PrecondIncompleteCholesky applies an IC(0) factorization of the
	// normal matrix.
	PrecondIncompleteCholesky
)

// Options configures a step solver.
type Options struct {
	Type           SolverType
	Preconditioner PrecondType // consumed by SolverCGNR only

	// Iteration controls for the inner conjugate gradients loop.
	// Zero values default to 1, 500 and 10 respectively.
	MinIterations       int
	MaxIterations       int
	ResidualResetPeriod int

	// Row blocks whose normal matrix backs the subset preconditioner.
	SubsetRowBlocks []int
}

// Solver computes a step x from the current Jacobian A and right-hand side b,
// solving 𝐀·𝐱 ≈ 𝐛 in the damped least-squares sense.
//
// The Jacobian is borrowed for the duration of one call and never retained.
type Solver interface {
	Solve(a *BlockSparseMatrix, b []float64, per PerSolve, x []float64) Summary
}

// PerSolve carries the inputs that change from one solve to the next.
type PerSolve struct {
	// Damping diagonal 𝐃. May be nil for an undamped solve.
	D []float64
	// Convergence tolerances for the inner conjugate gradients loop.
	// Non-positive values disable the corresponding test.
	RTolerance float64
	QTolerance float64
}

// New validates the options and creates the configured solver.
func (o *Options) New() (Solver, error) {

	opt := *o
	if opt.MinIterations == 0 {
		opt.MinIterations = 1
	}
	if opt.MaxIterations == 0 {
		opt.MaxIterations = 500
	}
	if opt.ResidualResetPeriod == 0 {
		opt.ResidualResetPeriod = 10
	}

	var err error
	switch {
	case opt.Type < SolverCGNR || opt.Type > SolverSparseNormalCholesky:
		err = errors.New("unknown solver type")
	case opt.Preconditioner < PrecondIdentity || opt.Preconditioner > PrecondIncompleteCholesky:
		err = errors.New("unknown preconditioner type")
	case opt.MinIterations < 0:
		err = errors.New("min iteration must not less than 0")
	case opt.MaxIterations < opt.MinIterations:
		err = errors.New("max iteration must not less than min iteration")
	case opt.ResidualResetPeriod < 0:
		err = errors.New("residual reset period must greater than 0")
	case opt.Preconditioner == PrecondSubset && len(opt.SubsetRowBlocks) == 0:
		err = errors.New("subset preconditioner requires row blocks")
	}
	if err != nil {
		return nil, err
	}

	switch opt.Type {
	case SolverCGNR:
		return newCgnrSolver(opt), nil
	case SolverDenseQR:
		return &denseQRSolver{}, nil
	case SolverDenseNormalCholesky:
		return &denseNormalCholeskySolver{}, nil
	case SolverSparseNormalCholesky:
		return &sparseNormalCholeskySolver{}, nil
	}
	panic("unknown solver type")
}
