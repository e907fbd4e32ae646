// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gradient

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

const (
	zero = 0.0
	half = 0.5
	one  = 1.0
	two  = 2.0
	eps  = float64(7)/3 - float64(4)/3 - 1.
)

type descTask int

const (
	descLoop descTask = 0
	descConv descTask = 1 << (4 + iota)
	descStop
	descHalt
)

const (
	// ConvGradNorm the gradient max-norm dropped below GradientTolerance.
	ConvGradNorm = descConv | (1 + iota)
	// ConvFuncDiff the relative objective change dropped below FunctionTolerance.
	ConvFuncDiff
	// ConvParamDiff the relative step size dropped below ParameterTolerance.
	ConvParamDiff
	// ConvUserRequest the iteration callback requested termination.
	ConvUserRequest
	// OverIterLimit more than max iterations performed.
	OverIterLimit = descStop | (1 + iota)
	// OverTimeLimit the evaluation time quota is exhausted.
	OverTimeLimit
	// HaltEvalFail the objective could not be evaluated at the start point.
	HaltEvalFail = descHalt | (1 + iota)
	// HaltEvalPanic the objective callback panicked.
	HaltEvalPanic
	// HaltSearchFail the line search ran out of usable step sizes.
	HaltSearchFail
	// HaltUserRequest the iteration callback requested an abort.
	HaltUserRequest
)

type descSpec struct {
	// the ambient dimension of x
	n int
	// the tangent dimension of the search directions
	t int
	logger Logger
	Problem
}

type descLoc struct {
	f float64
	x []float64 // n
	g []float64 // t
}

type descCtx struct {
	// objective value at the line search candidate.
	fNew float64
	// gradient max-norm at the current iterate.
	gNorm float64
	// norm of the last ambient step.
	stepNorm float64
	// objective drop achieved by the last step.
	costChange float64
	// accepted line search step size.
	alpha float64
	// directional derivative at the accepted iterate.
	slope float64
	// iteration counter.
	iter int
	// evaluation counter.
	numEval int
	// line search trials of the last iteration.
	trials int
	// panic message recovered from the objective callback.
	panicked string
	// timers.
	global, shared timer
	// elapsed evaluation nanoseconds.
	evalTime int64

	// search direction.
	dir []float64 // t
	// previous gradient.
	gPrev []float64 // t
	// previous direction.
	dPrev []float64 // t
	// two-loop recursion and tangent step scratch.
	q []float64 // t
	// candidate point.
	xNew []float64 // n
	// ambient gradient before the tangent pull-back.
	gAmb []float64 // n

	// l-bfgs correction pairs stored as a ring.
	s, y [][]float64 // mem × t
	rho  []float64   // mem
	tau  []float64   // mem
	head int
	size int

	// tangent jacobian of the manifold.
	plusJac mat.Dense
}

func (c *descCtx) clear() {
	c.fNew, c.gNorm, c.stepNorm, c.costChange = zero, zero, zero, zero
	c.alpha, c.slope = zero, zero
	c.iter, c.numEval, c.trials = 0, 0, 0
	c.panicked = ""
	c.evalTime = 0
	c.head, c.size = 0, 0
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
