// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/leastsq/manifold"
)

// Two parameter blocks [a b] and [c] with residual blocks
//
//	r₀ = (a·b − 1, a + b)   over block 0
//	r₁ = (a·c)              over blocks 0 and 1
func buildTestProblem() *Problem {
	return &Problem{
		Params: []Param{{Size: 2}, {Size: 1}},
		Residuals: []Residual{
			{Size: 2, Params: []int{0}, Func: func(p [][]float64, r []float64, j [][]float64) bool {
				a, b := p[0][0], p[0][1]
				r[0], r[1] = a*b-1, a+b
				if j != nil {
					j[0][0], j[0][1] = b, a
					j[0][2], j[0][3] = 1, 1
				}
				return true
			}},
			{Size: 1, Params: []int{0, 1}, Func: func(p [][]float64, r []float64, j [][]float64) bool {
				a, c := p[0][0], p[1][0]
				r[0] = a * c
				if j != nil {
					j[0][0], j[0][1] = c, 0
					j[1][0] = a
				}
				return true
			}},
		},
	}
}

func evalAt(t *testing.T, o *Optimizer, w *Workspace, x []float64) (cost float64, r, g []float64, jac *mat.Dense, ok bool) {
	t.Helper()
	eval := lmEval{spec: &o.lmSpec, ws: w}
	r = make([]float64, o.m)
	g = make([]float64, o.t)
	if ok = eval.evaluate(x, &cost, r, g, w.jac, true); ok {
		jac = new(mat.Dense)
		w.jac.ToDense(jac)
	}
	return
}

func TestEvaluate(t *testing.T) {
	o, err := buildTestProblem().New(nil)
	require.NoError(t, err)
	w := o.Init()

	cost, r, g, jac, ok := evalAt(t, o, w, []float64{2, 3, 4})
	require.True(t, ok)

	assert.InDelta(t, 57.0, cost, 1e-14)
	assert.InDeltaSlice(t, []float64{5, 5, 8}, r, 1e-14)
	assert.InDeltaSlice(t, []float64{52, 15, 16}, g, 1e-14)

	want := mat.NewDense(3, 3, []float64{
		3, 2, 0,
		1, 1, 0,
		4, 0, 2,
	})
	assert.True(t, mat.EqualApprox(want, jac, 1e-14), "jacobian mismatch:\n%v", mat.Formatted(jac))
}

func TestEvaluateThreads(t *testing.T) {
	p := &Problem{Params: []Param{{Size: 2}}}
	for i := 0; i < 9; i++ {
		k := float64(i + 1)
		p.Residuals = append(p.Residuals, Residual{
			Size: 1, Params: []int{0},
			Func: func(p [][]float64, r []float64, j [][]float64) bool {
				a, b := p[0][0], p[0][1]
				r[0] = a*k + b/k
				if j != nil {
					j[0][0], j[0][1] = k, 1/k
				}
				return true
			},
		})
	}

	x := []float64{1.5, -2.5}

	serial, err := p.New(nil)
	require.NoError(t, err)
	sw := serial.Init()
	sc, sr, sg, sj, ok := evalAt(t, serial, sw, x)
	require.True(t, ok)

	p.Threads = 4
	threaded, err := p.New(nil)
	require.NoError(t, err)
	tw := threaded.Init()
	tc, tr, tg, tj, ok := evalAt(t, threaded, tw, x)
	require.True(t, ok)

	assert.InDelta(t, sc, tc, 1e-12)
	assert.InDeltaSlice(t, sr, tr, 1e-12)
	assert.InDeltaSlice(t, sg, tg, 1e-12)
	assert.True(t, mat.EqualApprox(sj, tj, 1e-12))
}

func TestEvaluateManifold(t *testing.T) {
	sub, err := manifold.NewSubset(2, 1)
	require.NoError(t, err)

	p := &Problem{
		Params: []Param{{Size: 2, Manifold: sub}},
		Residuals: []Residual{
			{Size: 1, Params: []int{0}, Func: func(p [][]float64, r []float64, j [][]float64) bool {
				a, b := p[0][0], p[0][1]
				r[0] = a * b
				if j != nil {
					j[0][0], j[0][1] = b, a
				}
				return true
			}},
		},
	}

	o, err := p.New(nil)
	require.NoError(t, err)
	require.Equal(t, 1, o.t)
	w := o.Init()

	cost, r, g, jac, ok := evalAt(t, o, w, []float64{2, 3})
	require.True(t, ok)

	// Pinned coordinate drops out of the tangent jacobian.
	assert.InDelta(t, 18.0, cost, 1e-14)
	assert.InDeltaSlice(t, []float64{6}, r, 1e-14)
	assert.InDeltaSlice(t, []float64{18}, g, 1e-14)
	assert.InDelta(t, 3.0, jac.At(0, 0), 1e-14)
}

func TestEvaluateConstant(t *testing.T) {
	p := buildTestProblem()
	p.Params[1].Constant = true
	p.Residuals[1].Func = func(p [][]float64, r []float64, j [][]float64) bool {
		a, c := p[0][0], p[1][0]
		r[0] = a * c
		if j != nil {
			if j[1] != nil {
				return false
			}
			j[0][0], j[0][1] = c, 0
		}
		return true
	}

	o, err := p.New(nil)
	require.NoError(t, err)
	require.Equal(t, 2, o.t)
	w := o.Init()

	cost, r, g, jac, ok := evalAt(t, o, w, []float64{2, 3, 4})
	require.True(t, ok, "constant block must receive a nil jacobian slot")

	assert.InDelta(t, 57.0, cost, 1e-14)
	assert.InDeltaSlice(t, []float64{5, 5, 8}, r, 1e-14)
	assert.InDeltaSlice(t, []float64{52, 15}, g, 1e-14)

	rows, cols := jac.Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)
}

func TestEvaluateFailure(t *testing.T) {
	p := buildTestProblem()
	p.Residuals[1].Func = func(p [][]float64, r []float64, j [][]float64) bool {
		return false
	}

	o, err := p.New(nil)
	require.NoError(t, err)
	w := o.Init()

	_, _, _, _, ok := evalAt(t, o, w, []float64{2, 3, 4})
	require.False(t, ok)
	assert.Empty(t, w.panicked)
}

func TestEvaluatePanic(t *testing.T) {
	p := buildTestProblem()
	p.Threads = 2
	p.Residuals[1].Func = func(p [][]float64, r []float64, j [][]float64) bool {
		panic("residual blew up")
	}

	o, err := p.New(nil)
	require.NoError(t, err)
	w := o.Init()

	_, _, _, _, ok := evalAt(t, o, w, []float64{2, 3, 4})
	require.False(t, ok)
	assert.Contains(t, w.panicked, "residual blew up")
}

func TestEvaluateValidate(t *testing.T) {
	p := buildTestProblem()
	p.Validate = true
	p.Residuals[1].Func = func(p [][]float64, r []float64, j [][]float64) bool {
		// Residual left unwritten.
		if j != nil {
			j[0][0], j[0][1] = 0, 0
			j[1][0] = 0
		}
		return true
	}

	o, err := p.New(nil)
	require.NoError(t, err)
	w := o.Init()

	_, _, _, _, ok := evalAt(t, o, w, []float64{2, 3, 4})
	require.False(t, ok)

	p.Residuals[1].Func = func(p [][]float64, r []float64, j [][]float64) bool {
		r[0] = math.NaN()
		if j != nil {
			j[0][0], j[0][1] = 0, 0
			j[1][0] = 0
		}
		return true
	}
	o, err = p.New(nil)
	require.NoError(t, err)
	w = o.Init()

	_, _, _, _, ok = evalAt(t, o, w, []float64{2, 3, 4})
	require.False(t, ok)
}
