// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package levmar provides a Levenberg-Marquardt trust region solver
// for sparse nonlinear least-squares problems.
//
// A problem is a sum of residual blocks over parameter blocks:
//
//	𝒇(𝐱) = ½ ∑ ‖𝒓ᵢ(𝐱ᵦ₁, …, 𝐱ᵦₖ)‖²
//
// Each residual block references a few parameter blocks, which keeps the
// jacobian block sparse. Parameter blocks may be held constant or attached
// to a manifold, in which case the solver steps in tangent coordinates.
package levmar

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/leastsq/linsolve"
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

// CostFunction evaluates one residual block.
//
// params holds one ambient view per referenced parameter block and
// residuals receives the block residuals. When jacobians is non-nil,
// jacobians[k] receives ∂𝒓/∂params[k] in row-major order
// (Size × len(params[k])), except that entries of constant parameter
// blocks are nil and must be skipped.
//
// Returning false marks the current point as not evaluable, which the
// solver treats as a discarded step. All slices are scratch owned by the
// solver and must not be retained after the call returns.
type CostFunction func(params [][]float64, residuals []float64, jacobians [][]float64) bool

// Param describes one parameter block.
type Param struct {
	// Size is the ambient dimension of the block.
	Size int
	// Constant blocks keep their initial value and receive no jacobian.
	Constant bool
	// Manifold makes the solver step in tangent coordinates.
	// Nil means plain euclidean addition.
	Manifold manifold.Manifold
}

// Residual describes one residual block.
type Residual struct {
	// Size is the residual dimension of the block.
	Size int
	// Params lists the referenced parameter blocks by index.
	Params []int
	// Func evaluates the block.
	Func CostFunction
}

// Termination bundles the stopping criteria.
type Termination struct {
	// MaxIterations is the iteration limit (default 50).
	MaxIterations int
	// MaxComputations is the time limit in seconds (default no limit).
	MaxComputations int64
	// FunctionTolerance stops when |Δcost| ≤ FunctionTolerance·cost (default 1e-6).
	FunctionTolerance float64
	// GradientTolerance stops when ‖𝐠‖∞ ≤ GradientTolerance (default 1e-10).
	GradientTolerance float64
	// ParameterTolerance stops when ‖δ‖ ≤ ParameterTolerance·(‖𝐱‖ + ParameterTolerance) (default 1e-8).
	ParameterTolerance float64
	// MinTrustRegionRadius stops when the region shrinks below it (default 1e-32).
	MinTrustRegionRadius float64
}

// TrustRegion bundles the region management options.
type TrustRegion struct {
	// InitialRadius of the trust region (default 1e4).
	InitialRadius float64
	// MaxRadius limits region growth (default 1e16).
	MaxRadius float64
	// Eta is the forcing tolerance of the inexact step solver (default 1e-1).
	Eta float64
	// MinDiagonal clamps the regularization diagonal from below (default 1e-6).
	MinDiagonal float64
	// MaxDiagonal clamps the regularization diagonal from above (default 1e32).
	MaxDiagonal float64
	// MinRelativeDecrease is the step quality threshold for acceptance (default 1e-3).
	MinRelativeDecrease float64
	// NoScaling disables jacobi column scaling of the jacobian.
	NoScaling bool
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

// IterationSummary describes one finished trust region iteration.
type IterationSummary struct {
	// Iter is the iteration number, 0 for the initial evaluation.
	Iter int
	// Valid reports whether a usable step was produced.
	Valid bool
	// Accepted reports whether the step was applied to the iterate.
	Accepted bool
	// Cost at the end of the iteration.
	Cost float64
	// CostChange achieved by the step.
	CostChange float64
	// GradNorm is the max-norm of the gradient.
	GradNorm float64
	// StepNorm is the norm of the ambient step.
	StepNorm float64
	// TrustRatio is the actual over predicted cost drop.
	TrustRatio float64
	// TrustRadius at the end of the iteration.
	TrustRadius float64
	// LinIters spent by the linear solver.
	LinIters int
}

// IterCallback observes finished iterations and may stop the run early.
type IterCallback func(summary IterationSummary) IterAction

// EvalPrepare runs right before the residual blocks are evaluated.
// newPoint is false when the evaluation revisits the previous point,
// so shared state computed for it may be reused.
type EvalPrepare func(newPoint bool)

// Problem defines a nonlinear least-squares problem
//
//	min ½ ∑ ‖𝒓ᵢ(𝐱)‖²
//
// as a list of parameter blocks and residual blocks over them.
type Problem struct {
	// Params lists the parameter blocks.
	Params []Param
	// Residuals lists the residual blocks.
	Residuals []Residual
	// Stop bundles the termination options.
	Stop Termination
	// Region bundles the trust region options.
	Region TrustRegion
	// Solver configures the linear step solver.
	Solver linsolve.Options
	// Threads is the number of evaluation workers (default 1).
	Threads int
	// Validate checks residuals and jacobians for NaN and unwritten
	// entries after every callback.
	Validate bool
	// Callback observes each iteration when non-nil.
	Callback IterCallback
	// EvalCallback runs before each evaluation when non-nil.
	EvalCallback EvalPrepare
}

// Optimizer holds the static description of a fitting problem.
// One instance could be shared by multiple goroutines.
type Optimizer struct {
	lmSpec
}

// Workspace holds the mutable state of a fitting process.
// Each instance is exclusive to one Fit call at a time.
//
// Given ambient dimension n, tangent dimension t, residual dimension m
// and w workers, the vector scratch is approximately
// float64[5×t + 2×m + n + w×t] plus one jacobian of the problem sparsity.
type Workspace struct {
	n, t, m int
	lmCtx
}

// Result reports the outcome of a fitting process.
type Result struct {
	OK bool      // Whether a solution point was reached.
	X  []float64 // Solution point.
	F  float64   // Cost at the solution point.
	G  []float64 // Tangent gradient at the solution point.
	Summary
}

// Summary contains a summary of the fitting process.
type Summary struct {
	Status    fitTask       // Final task status.
	NumIter   int           // Number of iterations performed.
	NumEval   int           // Number of residual evaluations.
	NumJac    int           // Number of jacobian evaluations.
	NumSolve  int           // Number of linear systems solved.
	EvalTime  time.Duration // Time spent in residual evaluation.
	SolveTime time.Duration // Time spent in the linear solver.
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

	stop, region := p.Stop, p.Region
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
	if stop.MinTrustRegionRadius == 0 {
		stop.MinTrustRegionRadius = 1e-32
	}
	if stop.MaxComputations <= 0 {
		stop.MaxComputations = math.MaxInt64
	} else {
		stop.MaxComputations *= time.Second.Nanoseconds()
	}
	if region.InitialRadius == 0 {
		region.InitialRadius = 1e4
	}
	if region.MaxRadius == 0 {
		region.MaxRadius = 1e16
	}
	if region.Eta == 0 {
		region.Eta = 1e-1
	}
	if region.MinDiagonal == 0 {
		region.MinDiagonal = 1e-6
	}
	if region.MaxDiagonal == 0 {
		region.MaxDiagonal = 1e32
	}
	if region.MinRelativeDecrease == 0 {
		region.MinRelativeDecrease = 1e-3
	}
	threads := p.Threads
	if threads == 0 {
		threads = 1
	}

	switch {
	case len(p.Params) == 0:
		err = errors.New("parameter blocks are required")
	case len(p.Residuals) == 0:
		err = errors.New("residual blocks are required")
	case threads < 0:
		err = errors.New("threads number must not less than 0")
	case stop.MaxIterations < 0:
		err = errors.New("max iteration must not less than 0")
	case stop.FunctionTolerance < zero:
		err = errors.New("function tolerance must not less than 0")
	case stop.GradientTolerance < zero:
		err = errors.New("gradient tolerance must not less than 0")
	case stop.ParameterTolerance < zero:
		err = errors.New("parameter tolerance must not less than 0")
	case stop.MinTrustRegionRadius < zero:
		err = errors.New("min region radius must not less than 0")
	case region.InitialRadius <= zero:
		err = errors.New("initial region radius must greater than 0")
	case region.MaxRadius < region.InitialRadius:
		err = errors.New("max region radius must not less than initial radius")
	case region.Eta <= zero || region.Eta >= one:
		err = errors.New("step quality eta must in range (0,1)")
	case region.MinDiagonal <= zero || region.MaxDiagonal < region.MinDiagonal:
		err = errors.New("diagonal clamp range is invalid")
	case region.MinRelativeDecrease <= zero || region.MinRelativeDecrease >= one:
		err = errors.New("min relative decrease must in range (0,1)")
	}
	if err != nil {
		return
	}

	params := slices.Clone(p.Params)

	n, t := 0, 0
	xOff := make([]int, len(params))
	tOff := make([]int, len(params))
	tLen := make([]int, len(params))
	for k := range params {
		pb := &params[k]
		switch {
		case pb.Size <= 0:
			err = errors.New(fmt.Sprintf("parameter size is invalid at %d", k))
		case pb.Manifold != nil && pb.Manifold.AmbientSize() != pb.Size:
			err = errors.New(fmt.Sprintf("manifold ambient size not match parameter at %d", k))
		case pb.Manifold != nil && (pb.Manifold.TangentSize() < 0 || pb.Manifold.TangentSize() > pb.Size):
			err = errors.New(fmt.Sprintf("manifold tangent size is invalid at %d", k))
		}
		if err != nil {
			return
		}
		// A manifold with an empty tangent space pins the block.
		if m := pb.Manifold; m != nil && m.TangentSize() == 0 {
			pb.Constant = true
		}
		xOff[k] = n
		n += pb.Size
		if pb.Constant {
			tOff[k], tLen[k] = -1, 0
			continue
		}
		tOff[k] = t
		if pb.Manifold != nil {
			tLen[k] = pb.Manifold.TangentSize()
		} else {
			tLen[k] = pb.Size
		}
		t += tLen[k]
	}
	if t == 0 {
		err = errors.New("at least one varying parameter block is required")
		return
	}

	residuals := slices.Clone(p.Residuals)

	m := 0
	rOff := make([]int, len(residuals))
	for i := range residuals {
		rb := &residuals[i]
		rb.Params = slices.Clone(rb.Params)
		switch {
		case rb.Size <= 0:
			err = errors.New(fmt.Sprintf("residual size is invalid at %d", i))
		case rb.Func == nil:
			err = errors.New(fmt.Sprintf("residual function is required at %d", i))
		case len(rb.Params) == 0:
			err = errors.New(fmt.Sprintf("residual references no parameter at %d", i))
		}
		if err != nil {
			return
		}
		for k, pk := range rb.Params {
			if pk < 0 || pk >= len(params) {
				err = errors.New(fmt.Sprintf("residual references unknown parameter %d at %d", pk, i))
				return
			}
			if slices.Index(rb.Params[:k], pk) >= 0 {
				err = errors.New(fmt.Sprintf("residual references parameter %d twice at %d", pk, i))
				return
			}
		}
		rOff[i] = m
		m += rb.Size
	}

	solver, err := p.Solver.New()
	if err != nil {
		return
	}

	bs, cells := blockStructure(params, residuals, tOff, tLen)

	optimizer = &Optimizer{lmSpec{
		n: n, t: t, m: m,
		xOff: xOff, tOff: tOff, tLen: tLen,
		rOff: rOff, cells: cells, bs: bs,
		solver: solver,
		logger: *logger,
		Problem: Problem{
			Params:       params,
			Residuals:    residuals,
			Stop:         stop,
			Region:       region,
			Solver:       p.Solver,
			Threads:      threads,
			Validate:     p.Validate,
			Callback:     p.Callback,
			EvalCallback: p.EvalCallback,
		},
	}}
	return
}

// blockStructure lays out the jacobian sparsity pattern.
// Column blocks follow the declaration order of the varying parameter
// blocks and the cells of each row are sorted by column block.
func blockStructure(params []Param, residuals []Residual, tOff, tLen []int) (*linsolve.BlockStructure, [][]int) {

	bs := new(linsolve.BlockStructure)

	colOf := make([]int, len(params))
	for k := range params {
		if tLen[k] == 0 {
			colOf[k] = -1
			continue
		}
		colOf[k] = len(bs.Cols)
		bs.Cols = append(bs.Cols, linsolve.Block{Size: tLen[k], Position: tOff[k]})
	}

	pos, off := 0, 0
	cells := make([][]int, len(residuals))
	for i := range residuals {
		rb := &residuals[i]
		row := linsolve.CompressedRow{Block: linsolve.Block{Size: rb.Size, Position: off}}
		off += rb.Size

		order := make([]int, 0, len(rb.Params))
		for k, pk := range rb.Params {
			if colOf[pk] >= 0 {
				order = append(order, k)
			}
		}
		slices.SortFunc(order, func(a, b int) int { return colOf[rb.Params[a]] - colOf[rb.Params[b]] })

		cells[i] = make([]int, len(rb.Params))
		for k := range cells[i] {
			cells[i][k] = -1
		}
		for _, k := range order {
			pk := rb.Params[k]
			cells[i][k] = len(row.Cells)
			row.Cells = append(row.Cells, linsolve.Cell{Block: colOf[pk], Position: pos})
			pos += rb.Size * tLen[pk]
		}
		bs.Rows = append(bs.Rows, row)
	}
	return bs, cells
}

// Init allocates a reusable workspace for the fitting process.
func (o *Optimizer) Init() *Workspace {

	s := &o.lmSpec
	n, t, m := s.n, s.t, s.m
	nw := s.Threads

	w := new(Workspace)
	w.n, w.t, w.m = n, t, m

	totwk := 5*t + 2*m + n + nw*t
	wrk := make([]float64, totwk)

	c := &w.lmCtx
	c.diag, wrk = wrk[:t], wrk[t:]
	c.damp, wrk = wrk[:t], wrk[t:]
	c.scale, wrk = wrk[:t], wrk[t:]
	c.step, wrk = wrk[:t], wrk[t:]
	c.delta, wrk = wrk[:t], wrk[t:]
	c.model, wrk = wrk[:m], wrk[m:]
	c.rNew, wrk = wrk[:m], wrk[m:]
	c.xNew, wrk = wrk[:n], wrk[n:]

	c.jac = linsolve.NewBlockSparseMatrix(s.bs)
	c.plusJac = make([]mat.Dense, len(s.Params))

	maxPrm, maxRes, maxAmb := 0, 0, 0
	for i := range s.Residuals {
		rb := &s.Residuals[i]
		maxPrm = max(maxPrm, len(rb.Params))
		maxRes = max(maxRes, rb.Size)
	}
	for k := range s.Params {
		maxAmb = max(maxAmb, s.Params[k].Size)
	}

	c.eval = make([]evalScratch, nw)
	for i := range c.eval {
		e := &c.eval[i]
		e.grad, wrk = wrk[:t], wrk[t:]
		e.prm = make([][]float64, maxPrm)
		e.jacs = make([][]float64, maxPrm)
		e.buf = make([][]float64, maxPrm)
		for j := range e.buf {
			e.buf[j] = make([]float64, maxRes*maxAmb)
		}
	}
	return w
}

// Fit runs the trust region loop from the initial point x.
//
// The given x is left untouched and the solution point is returned in
// the result. Panic when the dimension of x or w not match the spec.
func (o *Optimizer) Fit(x []float64, w *Workspace) *Result {

	if len(x) != o.n {
		panic("initial x dimension not match spec")
	}
	if w.n != o.n || w.t != o.t || w.m != o.m {
		panic("workspace dimension not match spec")
	}

	loc := lmLoc{
		x: slices.Clone(x),
		r: make([]float64, o.m),
		g: make([]float64, o.t),
	}

	solver := lmSolver{
		optimizer: o,
		workspace: w,
		location:  &loc,
	}

	res := solver.mainLoop()
	return &Result{
		OK: res&fitConv > 0,
		X:  loc.x,
		F:  loc.f,
		G:  loc.g,
		Summary: Summary{
			Status:    res,
			NumIter:   w.iter,
			NumEval:   w.numEval,
			NumJac:    w.numJac,
			NumSolve:  w.numSolve,
			EvalTime:  time.Duration(w.evalTime),
			SolveTime: time.Duration(w.solveTime),
			TotalTime: time.Duration(w.global.elapsed()),
		},
	}
}
