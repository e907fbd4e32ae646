// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/leastsq/linsolve"
)

// lmSolver minimizes a sparse nonlinear sum of squares
//
//	𝒇(𝐱) = ½ ∑ ‖𝒓ᵢ(𝐱)‖² = ½ ‖𝒓(𝐱)‖²
//
// with a Levenberg-Marquardt trust region loop:
//
//   - Linearize the residuals at the iterate: 𝒓(𝐱 ⊞ δ) ≈ 𝒓 + 𝐉δ
//
//   - Solve the damped least-squares subproblem
//
//     min ‖𝐉δ + 𝒓‖² + ‖𝐃δ‖²  with  𝐃 = √(diag(𝐉ᵀ𝐉)/μ)
//
//     where μ is the trust region radius, so large radii approach the
//     Gauss-Newton step and small radii the steepest descent direction.
//
//   - Compare the achieved cost drop against the model prediction
//
//     ρ = (𝒇(𝐱) − 𝒇(𝐱 ⊞ δ)) / (𝒎(0) − 𝒎(δ))
//
//     and apply the step when ρ exceeds MinRelativeDecrease.
//
//   - Grow the region after well predicted steps and shrink it with
//     doubling aggressiveness while steps keep failing.
//
// The jacobian columns are scaled by 1/(1+‖𝐉ₑᵢ‖) once per evaluation,
// which makes the subproblem much better conditioned on problems whose
// parameters live on very different scales. The step is mapped back to
// tangent coordinates before it is applied to the iterate.
//
// References:
//   - K. Levenberg (1944) A method for the solution of certain
//     non-linear problems in least squares.
//   - D.W. Marquardt (1963) An algorithm for least-squares estimation
//     of nonlinear parameters.
//   - K. Madsen, H.B. Nielsen, O. Tingleff (2004) Methods for
//     non-linear least squares problems.
//   - J. Nocedal, S.J. Wright (2006) Numerical optimization, chapter 4.
type lmSolver struct {
	optimizer *Optimizer
	workspace *Workspace
	location  *lmLoc
}

func (ls *lmSolver) mainLoop() (task fitTask) {

	loc := ls.location
	spec := &ls.optimizer.lmSpec
	ctx := &ls.workspace.lmCtx

	log := spec.logger

	ctx.clear()
	ctx.global.reset()
	ctx.radius = spec.Region.InitialRadius

	ls.printInit()

	// Calculate 𝒇₀, 𝒓₀, 𝐠₀ and 𝐉₀.
	if task = ls.nextLocation(fitLoop, true); task == fitLoop {
		if log.enable(LogEval) {
			log.log("At iterate %5d    f= %12.5e    |grad|= %12.5e\n", ctx.iter, loc.f, ctx.gNorm)
		}
		switch {
		case ctx.gNorm <= spec.Stop.GradientTolerance:
			task = ConvGradNorm
		default:
			task = ls.checkCallback(task, IterationSummary{
				Valid: true, Accepted: true,
				Cost: loc.f, GradNorm: ctx.gNorm, TrustRadius: ctx.radius,
			})
		}
	}

	for task == fitLoop {

		if ctx.iter++; ctx.iter > spec.Stop.MaxIterations {
			ctx.iter--
			task = OverIterLimit
			break
		}
		if ctx.radius <= spec.Stop.MinTrustRegionRadius {
			task = ConvRegionRadius
			break
		}
		if log.enable(LogTrace) {
			log.log("\n\nITERATION %5d\n", ctx.iter)
		}

		var valid bool
		if task, valid = ls.computeStep(task); task != fitLoop {
			break
		}

		// Candidate 𝐱′ = 𝐱 ⊞ δ and its cost.
		if valid {
			valid = spec.plus(loc.x, ctx.delta, ctx.xNew)
		}
		if valid {
			if task, valid = ls.evalCandidate(task); task != fitLoop {
				break
			}
			valid = valid && !math.IsNaN(ctx.fNew)
		}

		if !valid {
			if ctx.invalid++; ctx.invalid > maxInvalidSteps {
				task = HaltStepFail
				break
			}
			ctx.costChange, ctx.stepNorm, ctx.rho = zero, zero, zero
			ctx.stepRejected()
			ls.printIter(false, false)
			task = ls.checkCallback(task, ls.summarize(false, false))
			continue
		}
		ctx.invalid = 0

		ctx.costChange = loc.f - ctx.fNew
		ctx.stepNorm = floats.Distance(ctx.xNew, loc.x, 2)
		ctx.rho = ctx.costChange / ctx.modelChange

		// Vanishing steps and cost changes end the loop no matter
		// whether the last step is applied.
		if xNorm := floats.Norm(loc.x, 2); ctx.stepNorm <= spec.Stop.ParameterTolerance*(xNorm+spec.Stop.ParameterTolerance) {
			task = ConvParamDiff
			break
		}
		if math.Abs(ctx.costChange) <= spec.Stop.FunctionTolerance*loc.f {
			task = ConvFuncDiff
			break
		}

		if accepted := ctx.rho > spec.Region.MinRelativeDecrease; accepted {
			ctx.stepAccepted(spec.Region.MaxRadius)
			copy(loc.x, ctx.xNew)
			loc.f = ctx.fNew
			// Refresh 𝒓, 𝐠 and 𝐉 at the accepted point.
			if task = ls.nextLocation(task, false); task != fitLoop {
				break
			}
			ls.printIter(true, true)
			if ctx.gNorm <= spec.Stop.GradientTolerance {
				task = ConvGradNorm
				break
			}
			task = ls.checkCallback(task, ls.summarize(true, true))
		} else {
			ctx.stepRejected()
			ls.printIter(true, false)
			task = ls.checkCallback(task, ls.summarize(true, false))
		}
	}

	ls.printExit(task)
	return
}

// nextLocation evaluates cost, residuals, gradient and jacobian at the
// current iterate and applies the column scaling to the fresh jacobian.
func (ls *lmSolver) nextLocation(task fitTask, newPoint bool) fitTask {

	loc := ls.location
	spec := &ls.optimizer.lmSpec
	ctx := &ls.workspace.lmCtx

	if ctx.global.elapsed() >= spec.Stop.MaxComputations {
		return OverTimeLimit
	}

	eval := lmEval{spec: spec, ws: ls.workspace}
	ctx.shared.reset()
	ok := eval.evaluate(loc.x, &loc.f, loc.r, loc.g, ctx.jac, newPoint)
	ctx.evalTime += ctx.shared.elapsed()
	ctx.numEval++
	ctx.numJac++

	if !ok {
		if ctx.panicked != "" {
			return HaltEvalPanic
		}
		return HaltEvalFail
	}

	if !spec.Region.NoScaling {
		// The scale is frozen at the first jacobian so that the damped
		// subproblems stay comparable across the whole run.
		if !ctx.scaled {
			ctx.jac.SquaredColumnNorm(ctx.scale)
			for i, v := range ctx.scale {
				ctx.scale[i] = one / (one + math.Sqrt(v))
			}
			ctx.scaled = true
		}
		ctx.jac.ScaleColumns(ctx.scale)
	}
	ctx.reuseDiag = false
	ctx.gNorm = floats.Norm(loc.g, math.Inf(1))
	return task
}

// evalCandidate computes the cost of the candidate point.
// A failed evaluation reports an invalid step unless it panicked.
func (ls *lmSolver) evalCandidate(task fitTask) (fitTask, bool) {

	spec := &ls.optimizer.lmSpec
	ctx := &ls.workspace.lmCtx

	if ctx.global.elapsed() >= spec.Stop.MaxComputations {
		return OverTimeLimit, false
	}

	eval := lmEval{spec: spec, ws: ls.workspace}
	ctx.shared.reset()
	ok := eval.evaluate(ctx.xNew, &ctx.fNew, ctx.rNew, nil, nil, true)
	ctx.evalTime += ctx.shared.elapsed()
	ctx.numEval++

	if !ok && ctx.panicked != "" {
		return HaltEvalPanic, false
	}
	return task, ok
}

// computeStep solves the damped least-squares subproblem for a descent
// step and predicts its cost drop with the linearized model.
func (ls *lmSolver) computeStep(task fitTask) (fitTask, bool) {

	loc := ls.location
	spec := &ls.optimizer.lmSpec
	ctx := &ls.workspace.lmCtx

	log := spec.logger

	// diag holds the clamped column norms of 𝐉ᵀ𝐉 and is reused until
	// the jacobian changes.
	if !ctx.reuseDiag {
		ctx.jac.SquaredColumnNorm(ctx.diag)
		for i, v := range ctx.diag {
			ctx.diag[i] = math.Min(math.Max(v, spec.Region.MinDiagonal), spec.Region.MaxDiagonal)
		}
		ctx.reuseDiag = true
	}
	for i, v := range ctx.diag {
		ctx.damp[i] = math.Sqrt(v / ctx.radius)
	}

	per := linsolve.PerSolve{D: ctx.damp, RTolerance: -one, QTolerance: spec.Region.Eta}
	ctx.shared.reset()
	sum := spec.solver.Solve(ctx.jac, loc.r, per, ctx.step)
	ctx.solveTime += ctx.shared.elapsed()
	ctx.numSolve++
	ctx.linIters = sum.Iterations

	switch sum.Termination {
	case linsolve.FatalError:
		if log.enable(LogLast) {
			log.log("Linear solver fatal error: %s\n", sum.Message)
		}
		return HaltSolverFail, false
	case linsolve.Failure:
		if log.enable(LogTrace) {
			log.log("Linear solver failure: %s\n", sum.Message)
		}
		return task, false
	}

	// The solver produced 𝐉δ ≈ 𝒓, the descent step is its negation.
	floats.Scale(-one, ctx.step)
	if !isValid(ctx.step) {
		if log.enable(LogTrace) {
			log.log("Linear solver produced a non-finite step.\n")
		}
		return task, false
	}

	// Predicted drop −𝒎ᵀ𝒓 − ½𝒎ᵀ𝒎 of the model ½‖𝒓 + 𝐉δ‖².
	clear(ctx.model)
	ctx.jac.RightMultiply(ctx.step, ctx.model)
	ctx.modelChange = -(floats.Dot(ctx.model, loc.r) + half*floats.Dot(ctx.model, ctx.model))
	if ctx.modelChange <= zero {
		if log.enable(LogTrace) {
			log.log("Invalid step: model cost change %.6e is not positive.\n", ctx.modelChange)
		}
		return task, false
	}

	// Undo the column scaling to get the tangent step.
	if !spec.Region.NoScaling {
		floats.MulTo(ctx.delta, ctx.step, ctx.scale)
	} else {
		copy(ctx.delta, ctx.step)
	}
	return task, true
}

// plus applies the tangent step block-wise: 𝐱′ = 𝐱 ⊞ δ.
func (s *lmSpec) plus(x, delta, xPlusDelta []float64) bool {
	for k := range s.Params {
		pb := &s.Params[k]
		xo := s.xOff[k]
		xv, ov := x[xo:xo+pb.Size], xPlusDelta[xo:xo+pb.Size]
		if pb.Constant {
			copy(ov, xv)
			continue
		}
		to := s.tOff[k]
		dv := delta[to : to+s.tLen[k]]
		if pb.Manifold != nil {
			if !pb.Manifold.Plus(xv, dv, ov) {
				return false
			}
		} else {
			floats.AddTo(ov, xv, dv)
		}
	}
	return true
}

// stepAccepted grows the trust region according to the step quality.
func (c *lmCtx) stepAccepted(maxRadius float64) {
	c.radius /= math.Max(one/3, one-math.Pow(two*c.rho-one, 3))
	c.radius = math.Min(c.radius, maxRadius)
	c.factor = two
}

// stepRejected shrinks the trust region.
func (c *lmCtx) stepRejected() {
	c.radius /= c.factor
	c.factor *= two
}

func (ls *lmSolver) summarize(valid, accepted bool) IterationSummary {
	loc, ctx := ls.location, &ls.workspace.lmCtx
	return IterationSummary{
		Iter:        ctx.iter,
		Valid:       valid,
		Accepted:    accepted,
		Cost:        loc.f,
		CostChange:  ctx.costChange,
		GradNorm:    ctx.gNorm,
		StepNorm:    ctx.stepNorm,
		TrustRatio:  ctx.rho,
		TrustRadius: ctx.radius,
		LinIters:    ctx.linIters,
	}
}

func (ls *lmSolver) checkCallback(task fitTask, sum IterationSummary) fitTask {
	cb := ls.optimizer.lmSpec.Callback
	if cb == nil || task != fitLoop {
		return task
	}
	switch cb(sum) {
	case IterTerminate:
		return ConvUserRequest
	case IterAbort:
		return HaltUserRequest
	}
	return task
}

func (ls *lmSolver) printInit() {

	spec := &ls.optimizer.lmSpec
	log := spec.logger

	if log.enable(LogLast) {
		log.log("RUNNING THE LEVENBERG-MARQUARDT CODE\n")
		log.log("           * * *\n")
		log.log("Machine precision = %10.3e\n", eps)
		log.log(" N = %10d    T = %10d    M = %10d\n", spec.n, spec.t, spec.m)
		if log.enable(LogEval) {
			log.out("RUNNING THE LEVENBERG-MARQUARDT CODE\n")
			log.out("\n")
			log.out(" N = %10d    T = %10d    M = %10d\n", spec.n, spec.t, spec.m)
			log.out("\n   it   nf  step          f          df      |grad|     |step|     ratio    radius   ls\n")
		}
	}
}

func (ls *lmSolver) printIter(valid, accepted bool) {

	loc := ls.location
	spec := &ls.optimizer.lmSpec
	ctx := &ls.workspace.lmCtx

	log := spec.logger

	if log.enable(LogTrace) {
		log.log("At iterate %5d    f= %12.5e    |grad|= %12.5e\n", ctx.iter, loc.f, ctx.gNorm)
	} else if log.enable(LogEval) && ctx.iter%int(log.Level) == 0 {
		log.log("At iterate %5d    f= %12.5e    |grad|= %12.5e\n", ctx.iter, loc.f, ctx.gNorm)
	}

	if log.enable(LogEval) {
		log.out("%5d %4d  %s %12.5e %11.4e %10.3e %10.3e %9.2e %9.2e %4d\n",
			ctx.iter, ctx.numEval, formatStep(valid, accepted), loc.f, ctx.costChange,
			ctx.gNorm, ctx.stepNorm, ctx.rho, ctx.radius, ctx.linIters)
	}
}

func (ls *lmSolver) printExit(task fitTask) {

	loc := ls.location
	spec := &ls.optimizer.lmSpec
	ctx := &ls.workspace.lmCtx

	log := spec.logger
	if !log.enable(LogLast) {
		return
	}

	total := ctx.global.elapsed()

	log.log("\n           * * *\n")
	log.log("Tit   = total number of iterations\n")
	log.log("Tnf   = total number of residual evaluations\n")
	log.log("Tnj   = total number of jacobian evaluations\n")
	log.log("Tnls  = total number of linear solves\n")
	log.log("Grad  = max-norm of the final gradient\n")
	log.log("F     = final cost value\n")
	log.log("\n           * * *\n")
	log.log("\n    N     Tit    Tnf    Tnj   Tnls      Grad          F\n")
	log.log("%5d %7d %6d %6d %6d %9.3e %14.7e\n",
		spec.n, ctx.iter, ctx.numEval, ctx.numJac, ctx.numSolve, ctx.gNorm, loc.f)

	var msg string
	switch task {
	case ConvGradNorm:
		msg = "CONVERGENCE: MAX_NORM_OF_GRADIENT_<=_GTOL"
	case ConvFuncDiff:
		msg = "CONVERGENCE: REL_REDUCTION_OF_COST_<=_FTOL"
	case ConvParamDiff:
		msg = "CONVERGENCE: REL_CHANGE_OF_X_<=_XTOL"
	case ConvRegionRadius:
		msg = "CONVERGENCE: TRUST_REGION_RADIUS_<=_MIN_RADIUS"
	case ConvUserRequest:
		msg = "STOP: TERMINATION REQUESTED BY CALLBACK"
	case OverIterLimit:
		msg = "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT"
	case OverTimeLimit:
		msg = "STOP: CPU EXCEEDING THE TIME LIMIT"
	case HaltEvalFail:
		msg = "ABNORMAL: RESIDUAL EVALUATION FAILED"
	case HaltEvalPanic:
		msg = "ABNORMAL: RESIDUAL EVALUATION PANICKED"
	case HaltStepFail:
		msg = "ABNORMAL: NO USABLE STEP COULD BE FOUND"
	case HaltSolverFail:
		msg = "ABNORMAL: LINEAR SOLVER FAILED"
	case HaltUserRequest:
		msg = "ABNORMAL: ABORT REQUESTED BY CALLBACK"
	default:
		msg = "UNKNOWN TASK"
	}
	log.log("\n%s\n", msg)

	if ctx.panicked != "" {
		log.log("\n Evaluation panic: %s\n", ctx.panicked)
	}

	if log.enable(LogEval) {
		log.log("\n Residual evaluation time: %s\n", formatNs(ctx.evalTime))
		log.log(" Linear solver time: %s\n", formatNs(ctx.solveTime))
	}
	log.log("\n Total User time: %s\n", formatNs(total))
}

func formatStep(valid, accepted bool) string {
	switch {
	case !valid:
		return "inv"
	case accepted:
		return "acc"
	default:
		return "rej"
	}
}

func formatNs(nanoseconds int64) string {
	switch {
	case nanoseconds >= 1e9:
		return fmt.Sprintf("%.2f s", float64(nanoseconds)/1e9)
	case nanoseconds >= 1e6:
		return fmt.Sprintf("%.2f ms", float64(nanoseconds)/1e6)
	case nanoseconds >= 1e3:
		return fmt.Sprintf("%.2f µs", float64(nanoseconds)/1e3)
	default:
		return fmt.Sprintf("%.2f ns", float64(nanoseconds))
	}
}
