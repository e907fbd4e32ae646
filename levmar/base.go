// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/leastsq/linsolve"
)

const (
	zero = 0.0
	half = 0.5
	one  = 1.0
	two  = 2.0
	eps  = float64(7)/3 - float64(4)/3 - 1.
)

// maxInvalidSteps bounds the consecutive steps the loop may discard
// before giving up on the problem.
const maxInvalidSteps = 5

// impossibleValue poisons scratch memory before a user callback runs.
// Any entry still holding it afterwards was never written.
const impossibleValue = 1e302

type fitTask int

const (
	fitLoop fitTask = 0
	fitConv fitTask = 1 << (4 + iota)
	fitStop
	fitHalt
)

const (
	// ConvGradNorm the gradient max-norm dropped below GradientTolerance.
	ConvGradNorm = fitConv | (1 + iota)
	// ConvFuncDiff the relative cost change dropped below FunctionTolerance.
	ConvFuncDiff
	// ConvParamDiff the relative step size dropped below ParameterTolerance.
	ConvParamDiff
	// ConvRegionRadius the trust region shrank below MinTrustRegionRadius.
	ConvRegionRadius
	// ConvUserRequest the iteration callback requested termination.
	ConvUserRequest
	// OverIterLimit more than max iterations performed.
	OverIterLimit = fitStop | (1 + iota)
	// OverTimeLimit the evaluation time quota is exhausted.
	OverTimeLimit
	// HaltEvalFail the residual blocks could not be evaluated at the current point.
	HaltEvalFail = fitHalt | (1 + iota)
	// HaltEvalPanic a residual callback panicked.
	HaltEvalPanic
	// HaltStepFail no usable step found within maxInvalidSteps attempts.
	HaltStepFail
	// HaltSolverFail the linear solver reported an unrecoverable error.
	HaltSolverFail
	// HaltUserRequest the iteration callback requested an abort.
	HaltUserRequest
)

type lmSpec struct {
	// the ambient dimension (total parameter size)
	n int
	// the tangent dimension (total step size)
	t int
	// the residual dimension
	m int
	// ambient offset of each parameter block
	xOff []int
	// tangent offset of each parameter block (-1 when constant)
	tOff []int
	// tangent size of each parameter block (0 when constant)
	tLen []int
	// residual offset of each residual block
	rOff []int
	// jacobian cell of each (residual, referenced parameter) pair (-1 when constant)
	cells [][]int
	// block sparsity pattern shared by every workspace jacobian
	bs *linsolve.BlockStructure
	// step solver built from the problem options
	solver linsolve.Solver
	logger Logger
	Problem
}

type lmLoc struct {
	f float64
	x []float64 // n
	r []float64 // m
	g []float64 // t
}

type lmCtx struct {
	// trust region radius.
	radius float64
	// radius decrease factor for rejected steps.
	factor float64
	// candidate cost.
	fNew float64
	// gradient max-norm at the current iterate.
	gNorm float64
	// norm of the current ambient step.
	stepNorm float64
	// actual cost drop achieved by the candidate.
	costChange float64
	// cost drop predicted by the linearized model.
	modelChange float64
	// actual over predicted cost drop.
	rho float64
	// iterations spent by the last linear solve.
	linIters int
	// consecutive discarded steps.
	invalid int
	// iteration counter.
	iter int
	// evaluation and solve counters.
	numEval, numJac, numSolve int
	// whether diag still matches the current jacobian.
	reuseDiag bool
	// whether the column scale has been computed.
	scaled bool
	// panic message recovered from a residual callback.
	panicked string
	// timers.
	global, shared timer
	// elapsed nanoseconds per concern.
	evalTime, solveTime int64

	// clamped diagonal of 𝐉ᵀ𝐉.
	diag []float64 // t
	// levenberg-marquardt damping 𝐃 = √(diag/radius).
	damp []float64 // t
	// jacobi column scale.
	scale []float64 // t
	// step in scaled tangent coordinates.
	step []float64 // t
	// step in tangent coordinates.
	delta []float64 // t
	// model residuals 𝐉·step.
	model []float64 // m
	// candidate residuals.
	rNew []float64 // m
	// candidate point.
	xNew []float64 // n

	// jacobian in block compressed row form.
	jac *linsolve.BlockSparseMatrix
	// tangent jacobians of the manifold parameter blocks.
	plusJac []mat.Dense
	// per-worker evaluation scratch.
	eval []evalScratch
}

func (c *lmCtx) clear() {
	c.radius, c.factor = zero, two
	c.fNew, c.gNorm, c.stepNorm = zero, zero, zero
	c.costChange, c.modelChange, c.rho = zero, zero, zero
	c.linIters, c.invalid, c.iter = 0, 0, 0
	c.numEval, c.numJac, c.numSolve = 0, 0, 0
	c.reuseDiag, c.scaled = false, false
	c.panicked = ""
	c.evalTime, c.solveTime = 0, 0
}

type timer struct {
	from int64
}

func (t *timer) reset() {
	t.from = time.Now().UnixNano()
}

func (t *timer) elapsed() int64 {
	return time.Now().UnixNano() - t.from
}
