// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gradient

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// descSolver minimizes a smooth objective 𝒇(𝐱) with an iterated line
// search:
//
//   - Build a descent direction 𝐝 from the gradient history, either the
//     negative gradient, a nonlinear conjugate gradient update or the
//     limited-memory BFGS two-loop recursion.
//
//   - Backtrack along 𝐝 until the Armijo condition
//
//     𝒇(𝐱 ⊞ α𝐝) ≤ 𝒇(𝐱) + c₁·α·𝐠ᵀ𝐝
//
//     holds, shrinking α with safeguarded quadratic and cubic
//     interpolation of the rejected trial values.
//
//   - Apply the step, refresh the gradient and fold the displacement
//     into the correction history.
//
// On a manifold the gradient is pulled back to tangent coordinates with
// the ⊞ jacobian and the trial points are produced by the manifold ⊞,
// so the iterates stay on the constraint surface throughout.
//
// References:
//   - J. Nocedal, S.J. Wright (2006) Numerical optimization, chapter 3
//     and 5.2.
//   - D.C. Liu, J. Nocedal (1989) On the limited memory BFGS method
//     for large scale optimization.
type descSolver struct {
	optimizer *Optimizer
	workspace *Workspace
	location  *descLoc
}

func (ds *descSolver) mainLoop() (task descTask) {

	loc := ds.location
	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	log := spec.logger

	ctx.clear()
	ctx.global.reset()

	ds.printInit()

	// Calculate 𝒇₀ and 𝐠₀.
	if task = ds.nextLocation(descLoop); task == descLoop {
		if log.enable(LogEval) {
			log.log("At iterate %5d    f= %12.5e    |grad|= %12.5e\n", ctx.iter, loc.f, ctx.gNorm)
		}
		switch {
		case ctx.gNorm <= spec.Stop.GradientTolerance:
			task = ConvGradNorm
		default:
			task = ds.checkCallback(task, IterationSummary{Cost: loc.f, GradNorm: ctx.gNorm})
		}
	}

	for task == descLoop {

		if ctx.iter++; ctx.iter > spec.Stop.MaxIterations {
			ctx.iter--
			task = OverIterLimit
			break
		}
		if log.enable(LogTrace) {
			log.log("\n\nITERATION %5d\n", ctx.iter)
		}

		ds.nextDirection()

		if task = ds.lineSearch(task); task != descLoop {
			break
		}

		ctx.costChange = loc.f - ctx.fNew
		ctx.stepNorm = floats.Distance(ctx.xNew, loc.x, 2)

		// Keep the previous gradient and direction for the updates.
		copy(ctx.gPrev, loc.g)
		copy(ctx.dPrev, ctx.dir)
		copy(loc.x, ctx.xNew)
		loc.f = ctx.fNew

		// Refresh the gradient at the accepted point.
		if task = ds.nextLocation(task); task != descLoop {
			break
		}
		ds.updateMemory()
		ds.printIter()

		if ctx.gNorm <= spec.Stop.GradientTolerance {
			task = ConvGradNorm
			break
		}
		if xNorm := floats.Norm(loc.x, 2); ctx.stepNorm <= spec.Stop.ParameterTolerance*(xNorm+spec.Stop.ParameterTolerance) {
			task = ConvParamDiff
			break
		}
		if math.Abs(ctx.costChange) <= spec.Stop.FunctionTolerance*math.Abs(loc.f) {
			task = ConvFuncDiff
			break
		}
		task = ds.checkCallback(task, ds.summarize())
	}

	ds.printExit(task)
	return
}

// nextLocation evaluates the objective and its gradient at the current
// iterate and pulls the gradient back to tangent coordinates.
func (ds *descSolver) nextLocation(task descTask) descTask {

	loc := ds.location
	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	if ctx.global.elapsed() >= spec.Stop.MaxComputations {
		return OverTimeLimit
	}

	g := loc.g
	if spec.Manifold != nil {
		g = ctx.gAmb
	}
	f, ok := ds.evalObject(loc.x, g)
	if ok && spec.Manifold != nil {
		// 𝐠ₜ = 𝐉⊞ᵀ·𝐠ₐ maps the ambient gradient to the tangent space.
		ok = spec.Manifold.PlusJacobian(loc.x, &ctx.plusJac)
		if ok {
			av := blas64.Vector{N: spec.n, Inc: 1, Data: ctx.gAmb}
			gv := blas64.Vector{N: spec.t, Inc: 1, Data: loc.g}
			blas64.Gemv(blas.Trans, one, ctx.plusJac.RawMatrix(), av, zero, gv)
		}
	}
	if !ok || !isFinite(loc.g) {
		if ctx.panicked != "" {
			return HaltEvalPanic
		}
		return HaltEvalFail
	}
	loc.f = f
	ctx.gNorm = floats.Norm(loc.g, math.Inf(1))
	return task
}

// evalObject runs the user callback with panic recovery and timing.
func (ds *descSolver) evalObject(x, g []float64) (f float64, ok bool) {

	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	ctx.numEval++
	ctx.shared.reset()
	defer func() {
		ctx.evalTime += ctx.shared.elapsed()
		if r := recover(); r != nil {
			ctx.panicked = fmt.Sprint(r)
			f, ok = zero, false
		}
	}()
	f, ok = spec.Object(x, g)
	ok = ok && !math.IsNaN(f) && !math.IsInf(f, 0)
	return
}

// nextDirection builds the search direction for the current gradient.
// Directions that fail to point downhill restart from steepest descent.
func (ds *descSolver) nextDirection() {

	loc := ds.location
	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	g, d := loc.g, ctx.dir
	switch {
	case spec.Method == SteepestDescent || ctx.iter == 1:
		negate(d, g)
	case spec.Method == NonlinearCG:
		beta := ds.conjugation()
		for i := range d {
			d[i] = beta*ctx.dPrev[i] - g[i]
		}
	default:
		if ctx.size == 0 {
			negate(d, g)
			break
		}
		ds.twoLoop()
	}

	if ctx.slope = floats.Dot(g, d); ctx.slope >= zero {
		if log := spec.logger; log.enable(LogTrace) {
			log.log("Search direction lost descent, restarting with the gradient.\n")
		}
		negate(d, g)
		ctx.head, ctx.size = 0, 0
		ctx.slope = floats.Dot(g, d)
	}
}

// conjugation computes the β of the configured nonlinear CG variant.
func (ds *descSolver) conjugation() float64 {

	loc := ds.location
	ctx := &ds.workspace.descCtx

	g, gp := loc.g, ctx.gPrev
	switch ds.optimizer.Variant {
	case PolakRibiere:
		// β⁺ = max(0, 𝐠ᵀ(𝐠−𝐠₋) / 𝐠₋ᵀ𝐠₋) keeps the update a descent
		// restart whenever consecutive gradients stop correlating.
		num := floats.Dot(g, g) - floats.Dot(g, gp)
		return math.Max(zero, num/floats.Dot(gp, gp))
	case HestenesStiefel:
		num := floats.Dot(g, g) - floats.Dot(g, gp)
		den := floats.Dot(ctx.dPrev, g) - floats.Dot(ctx.dPrev, gp)
		if den == zero {
			return zero
		}
		return num / den
	default:
		return floats.Dot(g, g) / floats.Dot(gp, gp)
	}
}

// twoLoop applies the l-bfgs recursion to the current gradient, walking
// the correction ring from the newest pair to the oldest and back.
func (ds *descSolver) twoLoop() {

	loc := ds.location
	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	mem := spec.Corrections
	q := ctx.q
	copy(q, loc.g)

	for k := 0; k < ctx.size; k++ {
		i := (ctx.head - 1 - k + mem) % mem
		ctx.tau[i] = ctx.rho[i] * floats.Dot(ctx.s[i], q)
		floats.AddScaled(q, -ctx.tau[i], ctx.y[i])
	}

	// Scale by the newest curvature: 𝐇₀ = (𝐬ᵀ𝐲 / 𝐲ᵀ𝐲)·𝐈.
	last := (ctx.head - 1 + mem) % mem
	gamma := one / (ctx.rho[last] * floats.Dot(ctx.y[last], ctx.y[last]))
	floats.Scale(gamma, q)

	for k := ctx.size - 1; k >= 0; k-- {
		i := (ctx.head - 1 - k + mem) % mem
		beta := ctx.rho[i] * floats.Dot(ctx.y[i], q)
		floats.AddScaled(q, ctx.tau[i]-beta, ctx.s[i])
	}

	negate(ctx.dir, q)
}

// updateMemory folds the accepted step into the correction ring.
// Pairs with non-positive curvature are dropped to keep the implied
// hessian approximation positive definite.
func (ds *descSolver) updateMemory() {

	loc := ds.location
	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	if spec.Method != LBFGS {
		return
	}

	sv, yv := ctx.s[ctx.head], ctx.y[ctx.head]
	for i := range sv {
		sv[i] = ctx.alpha * ctx.dPrev[i]
		yv[i] = loc.g[i] - ctx.gPrev[i]
	}

	sy := floats.Dot(sv, yv)
	if sy <= 1e-14 {
		if log := spec.logger; log.enable(LogTrace) {
			log.log("Skipping correction with non-positive curvature %.6e.\n", sy)
		}
		return
	}
	ctx.rho[ctx.head] = one / sy
	ctx.head = (ctx.head + 1) % spec.Corrections
	if ctx.size < spec.Corrections {
		ctx.size++
	}
}

// lineSearch backtracks along the search direction until the Armijo
// condition holds. Rejected steps contract by minimizing a quadratic or
// cubic interpolant of the collected values, clamped to the configured
// shrink window.
func (ds *descSolver) lineSearch(task descTask) descTask {

	loc := ds.location
	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	log := spec.logger
	search := &spec.Search

	f0, slope := loc.f, ctx.slope
	armijo := search.SufficientDecrease * slope

	alpha := ds.seedStep()
	var aPrev, fPrev float64
	var hasPrev bool

	for ctx.trials = 0; ctx.trials < search.MaxSteps; {
		if ctx.global.elapsed() >= spec.Stop.MaxComputations {
			return OverTimeLimit
		}
		ctx.trials++

		ok := ds.tryStep(alpha)
		if !ok && ctx.panicked != "" {
			return HaltEvalPanic
		}
		if ok && ctx.fNew <= f0+alpha*armijo {
			ctx.alpha = alpha
			return task
		}
		if log.enable(LogChange) {
			if ok {
				log.log("Line search trial %2d: step= %10.3e  f= %12.5e\n", ctx.trials, alpha, ctx.fNew)
			} else {
				log.log("Line search trial %2d: step= %10.3e  evaluation failed\n", ctx.trials, alpha)
			}
		}

		next := half * alpha
		if ok {
			if !hasPrev {
				next = quadStep(f0, slope, alpha, ctx.fNew)
			} else {
				next = cubicStep(f0, slope, alpha, ctx.fNew, aPrev, fPrev)
			}
			if math.IsNaN(next) {
				next = half * alpha
			}
			aPrev, fPrev, hasPrev = alpha, ctx.fNew, true
		}
		next = math.Max(next, search.MaxShrink*alpha)
		next = math.Min(next, search.MinShrink*alpha)
		if alpha = next; alpha < search.MinStepSize {
			break
		}
	}
	return HaltSearchFail
}

// seedStep picks the first trial step of the line search.
func (ds *descSolver) seedStep() float64 {

	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	if spec.Method == LBFGS && ctx.size > 0 {
		// The two-loop direction carries its own scaling.
		return one
	}
	if ctx.iter > 1 && ctx.costChange > zero {
		// Assume the step decreases the objective as much as the last
		// one did: α₀ = 2·Δ𝒇 / −𝐠ᵀ𝐝.
		if a := two * ctx.costChange / -ctx.slope; a > zero && !math.IsInf(a, 0) {
			return a
		}
	}
	return math.Min(one, one/ctx.gNorm)
}

// tryStep evaluates the objective at 𝐱 ⊞ α𝐝 without gradients.
func (ds *descSolver) tryStep(alpha float64) bool {

	loc := ds.location
	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	if m := spec.Manifold; m != nil {
		floats.ScaleTo(ctx.q, alpha, ctx.dir)
		if !m.Plus(loc.x, ctx.q, ctx.xNew) {
			return false
		}
	} else {
		floats.AddScaledTo(ctx.xNew, loc.x, alpha, ctx.dir)
	}

	f, ok := ds.evalObject(ctx.xNew, nil)
	ctx.fNew = f
	return ok
}

// quadStep minimizes the quadratic interpolating 𝒇(0), 𝒇′(0) and 𝒇(α).
// The minimizer exists whenever the Armijo test failed at α.
func quadStep(f0, slope, a, fa float64) float64 {
	return -slope * a * a / (two * (fa - f0 - slope*a))
}

// cubicStep minimizes the cubic interpolating 𝒇(0), 𝒇′(0) and the two
// most recent trial values, falling back to bisection when the cubic
// has no interior minimizer.
func cubicStep(f0, slope, a1, fa1, a0, fa0 float64) float64 {
	r1 := fa1 - f0 - slope*a1
	r0 := fa0 - f0 - slope*a0
	div := a0 * a0 * a1 * a1 * (a1 - a0)
	ca := (a0*a0*r1 - a1*a1*r0) / div
	cb := (a1*a1*a1*r0 - a0*a0*a0*r1) / div
	if d := cb*cb - 3*ca*slope; ca != zero && d >= zero {
		return (math.Sqrt(d) - cb) / (3 * ca)
	}
	return half * a1
}

func negate(dst, src []float64) {
	for i, v := range src {
		dst[i] = -v
	}
}

// isFinite reports whether every entry of v is a usable number.
func isFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func (ds *descSolver) summarize() IterationSummary {
	loc, ctx := ds.location, &ds.workspace.descCtx
	return IterationSummary{
		Iter:       ctx.iter,
		Cost:       loc.f,
		CostChange: ctx.costChange,
		GradNorm:   ctx.gNorm,
		StepNorm:   ctx.stepNorm,
		StepSize:   ctx.alpha,
		Trials:     ctx.trials,
	}
}

func (ds *descSolver) checkCallback(task descTask, sum IterationSummary) descTask {
	cb := ds.optimizer.descSpec.Callback
	if cb == nil || task != descLoop {
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

func (ds *descSolver) printInit() {

	spec := &ds.optimizer.descSpec
	log := spec.logger

	if log.enable(LogLast) {
		name := spec.methodName()
		log.log("RUNNING THE %s CODE\n", name)
		log.log("           * * *\n")
		log.log("Machine precision = %10.3e\n", eps)
		log.log(" N = %10d    T = %10d\n", spec.n, spec.t)
		if log.enable(LogEval) {
			log.out("RUNNING THE %s CODE\n", name)
			log.out("\n")
			log.out(" N = %10d    T = %10d\n", spec.n, spec.t)
			log.out("\n   it   nf          f          df      |grad|     |step|      alpha   ls\n")
		}
	}
}

func (ds *descSolver) printIter() {

	loc := ds.location
	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	log := spec.logger

	if log.enable(LogTrace) {
		log.log("At iterate %5d    f= %12.5e    |grad|= %12.5e\n", ctx.iter, loc.f, ctx.gNorm)
	} else if log.enable(LogEval) && ctx.iter%int(log.Level) == 0 {
		log.log("At iterate %5d    f= %12.5e    |grad|= %12.5e\n", ctx.iter, loc.f, ctx.gNorm)
	}

	if log.enable(LogEval) {
		log.out("%5d %4d %12.5e %11.4e %10.3e %10.3e %10.3e %4d\n",
			ctx.iter, ctx.numEval, loc.f, ctx.costChange,
			ctx.gNorm, ctx.stepNorm, ctx.alpha, ctx.trials)
	}
}

func (ds *descSolver) printExit(task descTask) {

	loc := ds.location
	spec := &ds.optimizer.descSpec
	ctx := &ds.workspace.descCtx

	log := spec.logger
	if !log.enable(LogLast) {
		return
	}

	total := ctx.global.elapsed()

	log.log("\n           * * *\n")
	log.log("Tit   = total number of iterations\n")
	log.log("Tnf   = total number of objective evaluations\n")
	log.log("Grad  = max-norm of the final gradient\n")
	log.log("F     = final objective value\n")
	log.log("\n           * * *\n")
	log.log("\n    N     Tit    Tnf      Grad          F\n")
	log.log("%5d %7d %6d %9.3e %14.7e\n", spec.n, ctx.iter, ctx.numEval, ctx.gNorm, loc.f)

	var msg string
	switch task {
	case ConvGradNorm:
		msg = "CONVERGENCE: MAX_NORM_OF_GRADIENT_<=_GTOL"
	case ConvFuncDiff:
		msg = "CONVERGENCE: REL_REDUCTION_OF_F_<=_FTOL"
	case ConvParamDiff:
		msg = "CONVERGENCE: REL_CHANGE_OF_X_<=_XTOL"
	case ConvUserRequest:
		msg = "STOP: TERMINATION REQUESTED BY CALLBACK"
	case OverIterLimit:
		msg = "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT"
	case OverTimeLimit:
		msg = "STOP: CPU EXCEEDING THE TIME LIMIT"
	case HaltEvalFail:
		msg = "ABNORMAL: OBJECTIVE EVALUATION FAILED"
	case HaltEvalPanic:
		msg = "ABNORMAL: OBJECTIVE EVALUATION PANICKED"
	case HaltSearchFail:
		msg = "ABNORMAL: LINE SEARCH FAILED"
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
		log.log("\n Objective evaluation time: %s\n", formatNs(ctx.evalTime))
	}
	log.log("\n Total User time: %s\n", formatNs(total))
}

func (s *descSpec) methodName() string {
	switch s.Method {
	case NonlinearCG:
		switch s.Variant {
		case PolakRibiere:
			return "POLAK-RIBIERE CG"
		case HestenesStiefel:
			return "HESTENES-STIEFEL CG"
		default:
			return "FLETCHER-REEVES CG"
		}
	case SteepestDescent:
		return "STEEPEST DESCENT"
	default:
		return "L-BFGS"
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
