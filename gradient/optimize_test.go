// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gradient

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/leastsq/manifold"
)

// Convex quadratic bowl with distinct curvatures so that every descent
// method reaches the same unique minimizer (1, -1, 0).
func buildQuadratic() *Problem {
	return &Problem{
		N: 3,
		Object: func(x, g []float64) (float64, bool) {
			d0, d1, d2 := x[0]-1, x[1]+1, x[2]
			if g != nil {
				g[0], g[1], g[2] = 2*d0, 4*d1, 8*d2
			}
			return d0*d0 + 2*d1*d1 + 4*d2*d2, true
		},
	}
}

// Rosenbrock valley, minimized at (1, 1).
func buildRosenbrock() *Problem {
	return &Problem{
		N: 2,
		Object: func(x, g []float64) (float64, bool) {
			a, b := 1-x[0], x[1]-x[0]*x[0]
			if g != nil {
				g[0] = -2*a - 400*x[0]*b
				g[1] = 200 * b
			}
			return a*a + 100*b*b, true
		},
	}
}

func TestNewValidation(t *testing.T) {
	noTangent, err := manifold.NewSubset(3, 0, 1, 2)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(p *Problem)
		want   string
	}{
		{"bad dimension", func(p *Problem) { p.N = 0 }, "problem dimension must greater than 0"},
		{"no object", func(p *Problem) { p.Object = nil }, "object function is required"},
		{"manifold ambient", func(p *Problem) { p.Manifold = manifold.Quaternion{} }, "manifold ambient size not match problem"},
		{"manifold tangent", func(p *Problem) { p.Manifold = noTangent }, "manifold tangent size is invalid"},
		{"bad method", func(p *Problem) { p.Method = Method(7) }, "unknown direction method"},
		{"bad variant", func(p *Problem) { p.Variant = Variant(9) }, "unknown conjugation variant"},
		{"bad corrections", func(p *Problem) { p.Corrections = -1 }, "corrections number must not less than 0"},
		{"bad iterations", func(p *Problem) { p.Stop.MaxIterations = -5 }, "max iteration must not less than 0"},
		{"bad ftol", func(p *Problem) { p.Stop.FunctionTolerance = -1 }, "function tolerance must not less than 0"},
		{"bad gtol", func(p *Problem) { p.Stop.GradientTolerance = -1 }, "gradient tolerance must not less than 0"},
		{"bad ptol", func(p *Problem) { p.Stop.ParameterTolerance = -1 }, "parameter tolerance must not less than 0"},
		{"bad decrease", func(p *Problem) { p.Search.SufficientDecrease = 1.5 }, "sufficient decrease must in range (0,1)"},
		{"bad shrink", func(p *Problem) { p.Search.MaxShrink = 0.9; p.Search.MinShrink = 0.5 }, "step shrink range is invalid"},
		{"bad min step", func(p *Problem) { p.Search.MinStepSize = -1 }, "min step size must greater than 0"},
		{"bad max steps", func(p *Problem) { p.Search.MaxSteps = -1 }, "max search steps must greater than 0"},
	}
	for _, tc := range cases {
		p := buildQuadratic()
		tc.mutate(p)
		_, err := p.New(nil)
		assert.EqualError(t, err, tc.want, tc.name)
	}
}

func TestQuadraticMethods(t *testing.T) {
	cases := []struct {
		name    string
		method  Method
		variant Variant
	}{
		{"lbfgs", LBFGS, FletcherReeves},
		{"cg-fr", NonlinearCG, FletcherReeves},
		{"cg-pr", NonlinearCG, PolakRibiere},
		{"cg-hs", NonlinearCG, HestenesStiefel},
		{"steepest", SteepestDescent, FletcherReeves},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := buildQuadratic()
			p.Method = tc.method
			p.Variant = tc.variant
			p.Stop = Termination{MaxIterations: 1000}
			o, err := p.New(nil)
			require.NoError(t, err)

			res := o.Fit([]float64{5, -7, 3}, o.Init())
			require.True(t, res.OK, "status %d", res.Status)

			assert.InDelta(t, 1, res.X[0], 1e-6)
			assert.InDelta(t, -1, res.X[1], 1e-6)
			assert.InDelta(t, 0, res.X[2], 1e-6)
			assert.Less(t, res.F, 1e-10)
			assert.Positive(t, res.NumIter)
			assert.Greater(t, res.NumEval, res.NumIter)
		})
	}
}

func TestRosenbrockLBFGS(t *testing.T) {
	cases := []struct {
		name        string
		corrections int
	}{
		{"mem-default", 0},
		{"mem-3", 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := buildRosenbrock()
			p.Corrections = tc.corrections
			p.Stop = Termination{MaxIterations: 500}
			o, err := p.New(nil)
			require.NoError(t, err)

			res := o.Fit([]float64{-1.2, 1}, o.Init())
			require.True(t, res.OK, "status %d", res.Status)

			assert.InDelta(t, 1, res.X[0], 1e-5)
			assert.InDelta(t, 1, res.X[1], 1e-5)
			assert.Less(t, res.F, 1e-10)
		})
	}
}

func TestStartAtOptimum(t *testing.T) {
	o, err := buildQuadratic().New(nil)
	require.NoError(t, err)

	res := o.Fit([]float64{1, -1, 0}, o.Init())
	assert.True(t, res.OK)
	assert.Equal(t, ConvGradNorm, res.Status)
	assert.Equal(t, 0, res.NumIter)
	assert.Equal(t, 1, res.NumEval)
}

// Quaternion alignment: minimize 1-(𝐪ᵀ𝐚)² over unit quaternions, which
// is solved by 𝐪 = ±𝐚. The ambient gradient never vanishes, only its
// tangent pull-back does.
func TestQuaternionAlignment(t *testing.T) {
	target := []float64{0.8, 0.2, -0.4, 0.4} // exactly unit norm
	p := &Problem{
		N:        4,
		Manifold: manifold.Quaternion{},
		Object: func(x, g []float64) (float64, bool) {
			dot := floats.Dot(x, target)
			if g != nil {
				for i, a := range target {
					g[i] = -2 * dot * a
				}
			}
			return 1 - dot*dot, true
		},
		Stop: Termination{MaxIterations: 200},
	}
	o, err := p.New(nil)
	require.NoError(t, err)

	res := o.Fit([]float64{1, 0, 0, 0}, o.Init())
	require.True(t, res.OK, "status %d", res.Status)

	assert.Len(t, res.G, 3)
	assert.InDelta(t, 1, floats.Norm(res.X, 2), 1e-9)
	assert.InDelta(t, 1, math.Abs(floats.Dot(res.X, target)), 1e-6)
	assert.Less(t, res.F, 1e-10)
}

func TestConjugationVariants(t *testing.T) {
	p := &Problem{N: 2, Method: NonlinearCG, Object: func(x, g []float64) (float64, bool) { return 0, true }}
	cases := []struct {
		variant Variant
		want    float64
	}{
		{FletcherReeves, 2},
		{PolakRibiere, 1},
		{HestenesStiefel, -2},
	}
	for _, tc := range cases {
		p.Variant = tc.variant
		o, err := p.New(nil)
		require.NoError(t, err)

		w := o.Init()
		copy(w.gPrev, []float64{1, 1})
		copy(w.dPrev, []float64{1, 2})
		ds := &descSolver{optimizer: o, workspace: w, location: &descLoc{g: []float64{2, 0}}}
		assert.InDelta(t, tc.want, ds.conjugation(), 1e-15, "variant %d", tc.variant)
	}
}

func TestTwoLoopDirection(t *testing.T) {
	o, err := (&Problem{N: 2, Object: func(x, g []float64) (float64, bool) { return 0, true }}).New(nil)
	require.NoError(t, err)

	// One correction pair s=(1,0), y=(2,0) implies H = diag(1/2, 1/2),
	// so the direction for g=(1,1) is -(1/2, 1/2).
	w := o.Init()
	copy(w.s[0], []float64{1, 0})
	copy(w.y[0], []float64{2, 0})
	w.rho[0] = 0.5
	w.head, w.size = 1, 1

	ds := &descSolver{optimizer: o, workspace: w, location: &descLoc{g: []float64{1, 1}}}
	ds.twoLoop()
	assert.InDelta(t, -0.5, w.dir[0], 1e-15)
	assert.InDelta(t, -0.5, w.dir[1], 1e-15)
}

func TestCurvatureGuard(t *testing.T) {
	o, err := (&Problem{N: 2, Object: func(x, g []float64) (float64, bool) { return 0, true }}).New(nil)
	require.NoError(t, err)

	w := o.Init()
	w.alpha = 1
	copy(w.dPrev, []float64{1, 0})

	loc := &descLoc{g: []float64{-2, 0}}
	ds := &descSolver{optimizer: o, workspace: w, location: loc}

	// Negative curvature pairs never enter the ring.
	ds.updateMemory()
	assert.Equal(t, 0, w.size)

	loc.g = []float64{2, 0}
	ds.updateMemory()
	assert.Equal(t, 1, w.size)
	assert.Equal(t, 0.5, w.rho[0])
}

func TestCallbacks(t *testing.T) {
	p := buildQuadratic()
	p.Callback = func(s IterationSummary) IterAction {
		if s.Iter >= 2 {
			return IterTerminate
		}
		return IterContinue
	}
	o, err := p.New(nil)
	require.NoError(t, err)
	res := o.Fit([]float64{5, -7, 3}, o.Init())
	assert.True(t, res.OK)
	assert.Equal(t, ConvUserRequest, res.Status)
	assert.Equal(t, 2, res.NumIter)

	p.Callback = func(s IterationSummary) IterAction { return IterAbort }
	o, err = p.New(nil)
	require.NoError(t, err)
	res = o.Fit([]float64{5, -7, 3}, o.Init())
	assert.False(t, res.OK)
	assert.Equal(t, HaltUserRequest, res.Status)
}

func TestEvalFailure(t *testing.T) {
	p := buildQuadratic()
	p.Object = func(x, g []float64) (float64, bool) { return 0, false }
	o, err := p.New(nil)
	require.NoError(t, err)
	res := o.Fit([]float64{5, -7, 3}, o.Init())
	assert.False(t, res.OK)
	assert.Equal(t, HaltEvalFail, res.Status)
	assert.Equal(t, 1, res.NumEval)

	// NaN objective values are rejected like failed evaluations.
	p.Object = func(x, g []float64) (float64, bool) {
		if g != nil {
			clear(g)
		}
		return math.NaN(), true
	}
	o, err = p.New(nil)
	require.NoError(t, err)
	res = o.Fit([]float64{5, -7, 3}, o.Init())
	assert.False(t, res.OK)
	assert.Equal(t, HaltEvalFail, res.Status)
}

func TestEvalPanic(t *testing.T) {
	calls := 0
	p := buildQuadratic()
	object := p.Object
	p.Object = func(x, g []float64) (float64, bool) {
		if calls++; calls > 1 {
			panic("objective blew up")
		}
		return object(x, g)
	}
	o, err := p.New(nil)
	require.NoError(t, err)

	w := o.Init()
	res := o.Fit([]float64{5, -7, 3}, w)
	assert.False(t, res.OK)
	assert.Equal(t, HaltEvalPanic, res.Status)
	assert.Contains(t, w.panicked, "objective blew up")
}

func TestSearchFailure(t *testing.T) {
	// A gradient pointing uphill defeats every backtracking trial.
	p := &Problem{
		N: 1,
		Object: func(x, g []float64) (float64, bool) {
			if g != nil {
				g[0] = -1
			}
			return x[0], true
		},
	}
	o, err := p.New(nil)
	require.NoError(t, err)

	w := o.Init()
	res := o.Fit([]float64{0}, w)
	assert.False(t, res.OK)
	assert.Equal(t, HaltSearchFail, res.Status)
	assert.Positive(t, w.trials)
}

func TestIterationLimit(t *testing.T) {
	p := buildQuadratic()
	p.Stop = Termination{MaxIterations: 1}
	o, err := p.New(nil)
	require.NoError(t, err)

	res := o.Fit([]float64{5, -7, 3}, o.Init())
	assert.False(t, res.OK)
	assert.Equal(t, OverIterLimit, res.Status)
	assert.Equal(t, 1, res.NumIter)
}

func TestFitPanics(t *testing.T) {
	o, err := buildQuadratic().New(nil)
	require.NoError(t, err)
	assert.PanicsWithValue(t, "initial x dimension not match spec", func() {
		o.Fit([]float64{1}, o.Init())
	})

	o2, err := (&Problem{N: 2, Object: func(x, g []float64) (float64, bool) { return 0, true }}).New(nil)
	require.NoError(t, err)
	assert.PanicsWithValue(t, "workspace dimension not match spec", func() {
		o.Fit([]float64{5, -7, 3}, o2.Init())
	})
}

func TestLoggerOutput(t *testing.T) {
	var msg, out bytes.Buffer
	o, err := buildQuadratic().New(&Logger{Level: LogVerbose, Msg: &msg, Out: &out})
	require.NoError(t, err)

	res := o.Fit([]float64{5, -7, 3}, o.Init())
	require.True(t, res.OK)

	assert.Contains(t, msg.String(), "RUNNING THE L-BFGS CODE")
	assert.Contains(t, msg.String(), "At iterate")
	assert.Contains(t, msg.String(), "CONVERGENCE")
	assert.Contains(t, msg.String(), "Total User time")
	assert.Contains(t, out.String(), "it   nf")
}

func TestWorkspaceReuse(t *testing.T) {
	p := buildRosenbrock()
	p.Stop = Termination{MaxIterations: 500}
	o, err := p.New(nil)
	require.NoError(t, err)

	w := o.Init()
	first := o.Fit([]float64{-1.2, 1}, w)
	second := o.Fit([]float64{-1.2, 1}, w)
	require.True(t, first.OK)
	require.True(t, second.OK)
	assert.Equal(t, first.X, second.X)
	assert.Equal(t, first.NumIter, second.NumIter)
}
