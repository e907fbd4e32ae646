// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/leastsq/linsolve"
)

// evalScratch is the private context of one evaluation worker.
type evalScratch struct {
	// partial cost.
	cost float64
	// partial tangent gradient.
	grad []float64 // t
	// parameter views handed to the callback.
	prm [][]float64
	// jacobian destinations handed to the callback.
	jacs [][]float64
	// ambient jacobian buffers of the manifold blocks.
	buf [][]float64
}

// lmEval evaluates cost, residuals, tangent gradient and jacobian of a
// problem by fanning the residual blocks out to the workspace workers.
type lmEval struct {
	spec *lmSpec
	ws   *Workspace
}

// evaluate computes the requested quantities at x.
//
// The residuals always go to res and the cost to *cost. A non-nil jac
// receives the tangent jacobian and a non-nil grad the tangent gradient,
// which requires the jacobian. newPoint is forwarded to the evaluation
// callback.
//
// Once any block reports failure the remaining blocks are skipped, but
// blocks already running are never torn down mid-flight. The outputs are
// unspecified on failure.
func (e *lmEval) evaluate(x []float64, cost *float64, res, grad []float64, jac *linsolve.BlockSparseMatrix, newPoint bool) bool {

	s, c := e.spec, &e.ws.lmCtx

	if grad != nil && jac == nil {
		panic("gradient requires jacobian")
	}

	if s.EvalCallback != nil {
		s.EvalCallback(newPoint)
	}

	if jac != nil {
		for k := range s.Params {
			pb := &s.Params[k]
			if pb.Constant || pb.Manifold == nil {
				continue
			}
			xo := s.xOff[k]
			if !pb.Manifold.PlusJacobian(x[xo:xo+pb.Size], &c.plusJac[k]) {
				return false
			}
		}
	}

	for i := range c.eval {
		sc := &c.eval[i]
		sc.cost = zero
		clear(sc.grad)
	}

	c.panicked = ""

	var abort atomic.Bool
	run := func(w int) (err error) {
		defer func() {
			if r := recover(); r != nil {
				abort.Store(true)
				err = fmt.Errorf("%v", r)
			}
		}()
		sc := &c.eval[w]
		for i := w; i < len(s.Residuals); i += len(c.eval) {
			if abort.Load() {
				return
			}
			if !e.evalBlock(sc, i, x, res, grad != nil, jac) {
				abort.Store(true)
				return
			}
		}
		return
	}

	var failed error
	if nw := len(c.eval); nw == 1 {
		failed = run(0)
	} else {
		var g errgroup.Group
		for w := 0; w < nw; w++ {
			w := w
			g.Go(func() error { return run(w) })
		}
		failed = g.Wait()
	}

	if failed != nil {
		c.panicked = failed.Error()
		return false
	}
	if abort.Load() {
		return false
	}

	total := zero
	for i := range c.eval {
		total += c.eval[i].cost
	}
	*cost = total

	if grad != nil {
		clear(grad)
		for i := range c.eval {
			floats.Add(grad, c.eval[i].grad)
		}
	}
	return true
}

// evalBlock runs one residual block callback and folds its outputs into
// the shared layout.
func (e *lmEval) evalBlock(sc *evalScratch, i int, x, res []float64, withGrad bool, jac *linsolve.BlockSparseMatrix) bool {

	s, c := e.spec, &e.ws.lmCtx
	rb := &s.Residuals[i]

	prm := sc.prm[:len(rb.Params)]
	for k, pk := range rb.Params {
		xo := s.xOff[pk]
		prm[k] = x[xo : xo+s.Params[pk].Size]
	}

	rv := res[s.rOff[i] : s.rOff[i]+rb.Size]

	var jacs [][]float64
	if jac != nil {
		jacs = sc.jacs[:len(rb.Params)]
		for k, pk := range rb.Params {
			pb := &s.Params[pk]
			switch {
			case pb.Constant:
				jacs[k] = nil
			case pb.Manifold != nil:
				jacs[k] = sc.buf[k][:rb.Size*pb.Size]
			default:
				jacs[k] = jac.CellValues(i, s.cells[i][k])
			}
		}
	}

	if s.Validate {
		invalidate(rv)
		for _, jv := range jacs {
			invalidate(jv)
		}
	}

	if !rb.Func(prm, rv, jacs) {
		return false
	}

	if s.Validate {
		bad := !isValid(rv)
		for _, jv := range jacs {
			bad = bad || !isValid(jv)
		}
		if bad {
			if log := s.logger; log.enable(LogLast) {
				log.log("Residual block %d produced NaN or unwritten values.\n", i)
			}
			return false
		}
	}

	sc.cost += half * floats.Dot(rv, rv)

	if jac == nil {
		return true
	}

	for k, pk := range rb.Params {
		pb := &s.Params[pk]
		if pb.Constant {
			continue
		}
		tl := s.tLen[pk]
		cell := jac.CellValues(i, s.cells[i][k])
		if pb.Manifold != nil {
			// Chain rule into tangent coordinates: cell = 𝐉·∂(𝐱⊞δ)/∂δ.
			amb := blas64.General{Rows: rb.Size, Cols: pb.Size, Stride: pb.Size, Data: jacs[k]}
			tan := blas64.General{Rows: rb.Size, Cols: tl, Stride: tl, Data: cell}
			blas64.Gemm(blas.NoTrans, blas.NoTrans, one, amb, c.plusJac[pk].RawMatrix(), zero, tan)
		}
		if withGrad {
			// Fold 𝐠 += 𝐉ᵀ𝒓 block-wise.
			to := s.tOff[pk]
			gv := blas64.Vector{N: tl, Inc: 1, Data: sc.grad[to : to+tl]}
			cm := blas64.General{Rows: rb.Size, Cols: tl, Stride: tl, Data: cell}
			rvv := blas64.Vector{N: rb.Size, Inc: 1, Data: rv}
			blas64.Gemv(blas.Trans, one, cm, rvv, one, gv)
		}
	}
	return true
}

// invalidate poisons v so that unwritten entries can be told apart
// from computed ones.
func invalidate(v []float64) {
	for i := range v {
		v[i] = impossibleValue
	}
}

// isValid reports whether every entry of v is finite and was written
// since the last invalidate.
func isValid(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) || x == impossibleValue {
			return false
		}
	}
	return true
}
