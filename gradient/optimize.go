// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gradient provides first-order minimization of a smooth scalar
// objective, optionally constrained to a manifold.
//
// The minimizer iterates a line search along descent directions built
// from gradients only: steepest descent, nonlinear conjugate gradients
// or the limited-memory BFGS recursion. When a manifold is attached the
// gradient is pulled back to tangent coordinates and the steps are
// applied with the manifold ⊞ operation, so iterates never leave the
// constraint surface.
package gradient

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"time"

	"github.com/curioloop/leastsq/manifold"
)

type LogLevel int

const (
	// LogNoop no output is generated.
	LogNoop LogLevel = -1
	// LogLast print the final summary.
	LogLast LogLevel = 0
	// LogEval print summary after every n-th evaluation.
	LogEval LogLevel = 1
	// LogTrace print details of every iteration.
	LogTrace LogLevel = 99
	// LogChange print details of every point change.
	LogChange LogLevel = 100
	// LogVerbose print all details.
	LogVerbose LogLevel = 101
)

// Logger controls the verbosity and destination of solver output.
// Note the writers must be thread-safe.
type Logger struct {
	Level LogLevel
	Msg   io.Writer
	Out   io.Writer
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	if len(a) == 0 {
		_, _ = fmt.Fprint(l.Msg, format)
	} else {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	}
}

func (l *Logger) out(format string, a ...any) {
	if len(a) == 0 {
		_, _ = fmt.Fprint(l.Out, format)
	} else {
		_, _ = fmt.Fprintf(l.Out, format, a...)
	}
}

// Evaluation computes the objective value at x and, when g is non-nil,
// its gradient with respect to the ambient coordinates.
//
// Returning false marks the point as not evaluable. During the line
// search this discards the trial step, at the start point it aborts the
// run. The slices are scratch owned by the solver and must not be
// retained after the call returns.
type Evaluation func(x, g []float64) (f float64, ok bool)

// Method selects how the search direction is built.
type Method int

const (
	// LBFGS applies the limited-memory BFGS two-loop recursion.
	LBFGS Method = iota
	// NonlinearCG applies conjugate gradient updates with automatic
	// restart on loss of descent.
	NonlinearCG
	// SteepestDescent follows the negative gradient.
	SteepestDescent
)

// Variant selects the nonlinear conjugate gradient update formula.
type Variant int

const (
	// FletcherReeves β = 𝐠ᵀ𝐠 / 𝐠₋ᵀ𝐠₋
	FletcherReeves Variant = iota
	// PolakRibiere β = max(0, 𝐠ᵀ(𝐠−𝐠₋) / 𝐠₋ᵀ𝐠₋)
	PolakRibiere
	// HestenesStiefel β = 𝐠ᵀ(𝐠−𝐠₋) / 𝐝₋ᵀ(𝐠−𝐠₋)
	HestenesStiefel
)

// Termination bundles the stopping criteria.
type Termination struct {
	// MaxIterations is the iteration limit (default 50).
	MaxIterations int
	// MaxComputations is the time limit in seconds (default no limit).
	MaxComputations int64
	// FunctionTolerance stops when |Δf| ≤ FunctionTolerance·|f| (default 1e-6).
	FunctionTolerance float64
	// GradientTolerance stops when ‖𝐠‖∞ ≤ GradientTolerance (default 1e-10).
	GradientTolerance float64
	// ParameterTolerance stops when ‖δ‖ ≤ ParameterTolerance·(‖𝐱‖ + ParameterTolerance) (default 1e-8).
	ParameterTolerance float64
}

// LineSearch bundles the Armijo backtracking options.
type LineSearch struct {
	// SufficientDecrease is the Armijo slope fraction (default 1e-4).
	SufficientDecrease float64
	// MaxShrink bounds how aggressively one backtracking round may
	// contract the step (default 1e-3).
	MaxShrink float64
	// MinShrink forces every backtracking round to contract the step
	// at least this much (default 0.9).
	MinShrink float64
	// MinStepSize fails the search once the step falls below it (default 1e-9).
	MinStepSize float64
	// MaxSteps bounds the trials of one line search (default 20).
	MaxSteps int
}

// IterAction tells the solver how to proceed after an iteration callback.
type IterAction int

const (
	// IterContinue keep iterating.
	IterContinue IterAction = iota
	// IterTerminate stop and report the current iterate as the solution.
	IterTerminate
	// IterAbort stop and discard the run.
	IterAbort
)

// IterationSummary describes one finished line search iteration.
type IterationSummary struct {
	// Iter is the iteration number, 0 for the initial evaluation.
	Iter int
	// Cost at the end of the iteration.
	Cost float64
	// CostChange achieved by the step.
	CostChange float64
	// GradNorm is the max-norm of the gradient.
	GradNorm float64
	// StepNorm is the norm of the ambient step.
	StepNorm float64
	// StepSize accepted by the line search.
	StepSize float64
	// Trials spent by the line search.
	Trials int
}

// IterCallback observes finished iterations and may stop the run early.
type IterCallback func(summary IterationSummary) IterAction

// Problem defines a smooth unconstrained minimization
//
//	min 𝒇(𝐱)
//
// optionally restricted to a manifold.
type Problem struct {
	// N is the ambient dimension of x.
	N int
	// Object evaluates the objective and its gradient.
	Object Evaluation
	// Manifold constrains the iterates (nil means euclidean).
	Manifold manifold.Manifold
	// Method selects the search direction (default LBFGS).
	Method Method
	// Variant selects the nonlinear CG update (default FletcherReeves).
	Variant Variant
	// Corrections is the L-BFGS memory length (default 10).
	Corrections int
	// Stop bundles the termination options.
	Stop Termination
	// Search bundles the line search options.
	Search LineSearch
	// Callback observes each iteration when non-nil.
	Callback IterCallback
}

// Optimizer holds the static description of a minimization problem.
// One instance could be shared by multiple goroutines.
type Optimizer struct {
	descSpec
}

// Workspace holds the mutable state of a minimization process.
// Each instance is exclusive to one Fit call at a time.
//
// Given ambient dimension n, tangent dimension t and m corrections, the
// scratch is approximately float64[4×t + 2×n + 2×m×t + 2×m].
type Workspace struct {
	n, t int
	descCtx
}

// Result reports the outcome of a minimization process.
type Result struct {
	OK bool      // Whether a solution point was reached.
	X  []float64 // Solution point.
	F  float64   // Objective at the solution point.
	G  []float64 // Tangent gradient at the solution point.
	Summary
}

// Summary contains a summary of the minimization process.
type Summary struct {
	Status    descTask      // Final task status.
	NumIter   int           // Number of iterations performed.
	NumEval   int           // Number of objective evaluations.
	EvalTime  time.Duration // Time spent in objective evaluation.
	TotalTime time.Duration // Wall time of the whole run.
}

// New validates the problem and creates an optimizer for it.
//
// Zero valued options are replaced by their documented defaults.
// The problem definition is copied, so later changes to p do not
// affect the returned optimizer.
func (p *Problem) New(logger *Logger) (optimizer *Optimizer, err error) {

	if logger == nil {
		logger = new(Logger)
		logger.Level = LogNoop
	}
	if logger.Msg == nil {
		logger.Msg = os.Stdout
	}
	if logger.Out == nil {
		logger.Out = os.Stderr
	}

	stop, search := p.Stop, p.Search
	if stop.MaxIterations == 0 {
		stop.MaxIterations = 50
	}
	if stop.FunctionTolerance == 0 {
		stop.FunctionTolerance = 1e-6
	}
	if stop.GradientTolerance == 0 {
		stop.GradientTolerance = 1e-10
	}
	if stop.ParameterTolerance == 0 {
		stop.ParameterTolerance = 1e-8
	}
	if stop.MaxComputations <= 0 {
		stop.MaxComputations = math.MaxInt64
	} else {
		stop.MaxComputations *= time.Second.Nanoseconds()
	}
	if search.SufficientDecrease == 0 {
		search.SufficientDecrease = 1e-4
	}
	if search.MaxShrink == 0 {
		search.MaxShrink = 1e-3
	}
	if search.MinShrink == 0 {
		search.MinShrink = 0.9
	}
	if search.MinStepSize == 0 {
		search.MinStepSize = 1e-9
	}
	if search.MaxSteps == 0 {
		search.MaxSteps = 20
	}
	corrections := p.Corrections
	if corrections == 0 {
		corrections = 10
	}

	switch {
	case p.N <= 0:
		err = errors.New("problem dimension must greater than 0")
	case p.Object == nil:
		err = errors.New("object function is required")
	case p.Manifold != nil && p.Manifold.AmbientSize() != p.N:
		err = errors.New("manifold ambient size not match problem")
	case p.Manifold != nil && (p.Manifold.TangentSize() <= 0 || p.Manifold.TangentSize() > p.N):
		err = errors.New("manifold tangent size is invalid")
	case p.Method < LBFGS || p.Method > SteepestDescent:
		err = errors.New("unknown direction method")
	case p.Variant < FletcherReeves || p.Variant > HestenesStiefel:
		err = errors.New("unknown conjugation variant")
	case corrections < 0:
		err = errors.New("corrections number must not less than 0")
	case stop.MaxIterations < 0:
		err = errors.New("max iteration must not less than 0")
	case stop.FunctionTolerance < zero:
		err = errors.New("function tolerance must not less than 0")
	case stop.GradientTolerance < zero:
		err = errors.New("gradient tolerance must not less than 0")
	case stop.ParameterTolerance < zero:
		err = errors.New("parameter tolerance must not less than 0")
	case search.SufficientDecrease <= zero || search.SufficientDecrease >= one:
		err = errors.New("sufficient decrease must in range (0,1)")
	case search.MaxShrink <= zero || search.MinShrink <= search.MaxShrink || search.MinShrink >= one:
		err = errors.New("step shrink range is invalid")
	case search.MinStepSize <= zero:
		err = errors.New("min step size must greater than 0")
	case search.MaxSteps <= 0:
		err = errors.New("max search steps must greater than 0")
	}
	if err != nil {
		return
	}

	t := p.N
	if p.Manifold != nil {
		t = p.Manifold.TangentSize()
	}

	optimizer = &Optimizer{descSpec{
		n: p.N, t: t,
		logger: *logger,
		Problem: Problem{
			N:           p.N,
			Object:      p.Object,
			Manifold:    p.Manifold,
			Method:      p.Method,
			Variant:     p.Variant,
			Corrections: corrections,
			Stop:        stop,
			Search:      search,
			Callback:    p.Callback,
		},
	}}
	return
}

// Init allocates a reusable workspace for the minimization process.
func (o *Optimizer) Init() *Workspace {

	s := &o.descSpec
	n, t, mem := s.n, s.t, s.Corrections

	w := new(Workspace)
	w.n, w.t = n, t

	totwk := 4*t + 2*n + 2*mem*t + 2*mem
	wrk := make([]float64, totwk)

	c := &w.descCtx
	c.dir, wrk = wrk[:t], wrk[t:]
	c.gPrev, wrk = wrk[:t], wrk[t:]
	c.dPrev, wrk = wrk[:t], wrk[t:]
	c.q, wrk = wrk[:t], wrk[t:]
	c.xNew, wrk = wrk[:n], wrk[n:]
	c.gAmb, wrk = wrk[:n], wrk[n:]

	c.s = make([][]float64, mem)
	c.y = make([][]float64, mem)
	for i := 0; i < mem; i++ {
		c.s[i], wrk = wrk[:t], wrk[t:]
		c.y[i], wrk = wrk[:t], wrk[t:]
	}
	c.rho, wrk = wrk[:mem], wrk[mem:]
	c.tau, wrk = wrk[:mem], wrk[mem:]
	return w
}

// Fit runs the line search loop from the initial point x.
//
// The given x is left untouched and the solution point is returned in
// the result. Panic when the dimension of x or w not match the spec.
func (o *Optimizer) Fit(x []float64, w *Workspace) *Result {

	if len(x) != o.n {
		panic("initial x dimension not match spec")
	}
	if w.n != o.n || w.t != o.t {
		panic("workspace dimension not match spec")
	}

	loc := descLoc{
		x: slices.Clone(x),
		g: make([]float64, o.t),
	}

	solver := descSolver{
		optimizer: o,
		workspace: w,
		location:  &loc,
	}

	res := solver.mainLoop()
	return &Result{
		OK: res&descConv > 0,
		X:  loc.x,
		F:  loc.f,
		G:  loc.g,
		Summary: Summary{
			Status:    res,
			NumIter:   w.iter,
			NumEval:   w.numEval,
			EvalTime:  time.Duration(w.evalTime),
			TotalTime: time.Duration(w.global.elapsed()),
		},
	}
}
