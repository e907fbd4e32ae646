// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

type diagOperator struct {
	d []float64
}

func (o diagOperator) RightMultiply(x, y []float64) {
	for i, d := range o.d {
		y[i] += d * x[i]
	}
}

func (o diagOperator) LeftMultiply(y, x []float64) { o.RightMultiply(y, x) }
func (o diagOperator) NumRows() int                { return len(o.d) }
func (o diagOperator) NumCols() int                { return len(o.d) }

// Discrete 1D Laplacian: 2 on the diagonal, -1 off.
type laplaceOperator struct {
	n int
}

func (o laplaceOperator) RightMultiply(x, y []float64) {
	for i := 0; i < o.n; i++ {
		s := 2 * x[i]
		if i > 0 {
			s -= x[i-1]
		}
		if i+1 < o.n {
			s -= x[i+1]
		}
		y[i] += s
	}
}

func (o laplaceOperator) LeftMultiply(y, x []float64) { o.RightMultiply(y, x) }
func (o laplaceOperator) NumRows() int                { return o.n }
func (o laplaceOperator) NumCols() int                { return o.n }

func TestConjugateGradientsDiagonal(t *testing.T) {
	lhs := diagOperator{d: []float64{1, 2, 3}}
	b := []float64{1, 2, 3}
	x := make([]float64, 3)

	s := ConjugateGradients(lhs, &IdentityPreconditioner{}, b, x, CGOptions{
		MaxIterations: 50,
		RTolerance:    1e-10,
	}, NewCGScratch(3))

	require.Equal(t, Success, s.Termination, s.Message)
	assert.LessOrEqual(t, s.Iterations, 3)
	assert.InDeltaSlice(t, []float64{1, 1, 1}, x, 1e-9)
}

func TestConjugateGradientsZeroRHS(t *testing.T) {
	lhs := diagOperator{d: []float64{1, 2, 3}}
	x := []float64{7, 8, 9}

	s := ConjugateGradients(lhs, &IdentityPreconditioner{}, make([]float64, 3), x, CGOptions{
		MaxIterations: 50,
		RTolerance:    1e-10,
	}, NewCGScratch(3))

	require.Equal(t, Success, s.Termination)
	assert.Equal(t, 0, s.Iterations)
	assert.Equal(t, []float64{0, 0, 0}, x)
	assert.Contains(t, s.Message, "|b| = 0")
}

func TestConjugateGradientsIndefinite(t *testing.T) {
	lhs := diagOperator{d: []float64{1, -1}}
	b := []float64{1, 1}
	x := make([]float64, 2)

	s := ConjugateGradients(lhs, &IdentityPreconditioner{}, b, x, CGOptions{
		MaxIterations: 50,
		RTolerance:    1e-10,
	}, NewCGScratch(2))

	require.Equal(t, NoConvergence, s.Termination)
	assert.Contains(t, s.Message, "indefinite")
}

func TestConjugateGradientsWarmStart(t *testing.T) {
	lhs := diagOperator{d: []float64{1, 2, 3}}
	b := []float64{1, 2, 3}
	x := []float64{1, 1, 1} // already the solution

	s := ConjugateGradients(lhs, &IdentityPreconditioner{}, b, x, CGOptions{
		MaxIterations: 50,
		RTolerance:    1e-10,
	}, NewCGScratch(3))

	require.Equal(t, Success, s.Termination)
	assert.Equal(t, 0, s.Iterations)
	assert.InDeltaSlice(t, []float64{1, 1, 1}, x, 1e-12)
}

func TestConjugateGradientsLaplacian(t *testing.T) {
	const n = 32
	lhs := laplaceOperator{n: n}
	b := make([]float64, n)
	for i := range b {
		b[i] = 1
	}
	x := make([]float64, n)

	s := ConjugateGradients(lhs, &IdentityPreconditioner{}, b, x, CGOptions{
		MaxIterations: 200,
		RTolerance:    1e-10,
	}, NewCGScratch(n))

	require.Equal(t, Success, s.Termination, s.Message)

	r := make([]float64, n)
	lhs.RightMultiply(x, r)
	floats.Sub(r, b)
	assert.LessOrEqual(t, floats.Norm(r, 2), 1e-8*floats.Norm(b, 2))
}

func TestConjugateGradientsResidualReset(t *testing.T) {
	const n = 32
	lhs := laplaceOperator{n: n}
	b := make([]float64, n)
	for i := range b {
		b[i] = float64(i%3) - 1
	}

	// Recomputing the residual every iteration must agree with the
	// incremental update.
	solve := func(period int) []float64 {
		x := make([]float64, n)
		s := ConjugateGradients(lhs, &IdentityPreconditioner{}, b, x, CGOptions{
			MaxIterations:       200,
			ResidualResetPeriod: period,
			RTolerance:          1e-10,
		}, NewCGScratch(n))
		require.Equal(t, Success, s.Termination, s.Message)
		return x
	}

	assert.InDeltaSlice(t, solve(10), solve(1), 1e-8)
}

func TestConjugateGradientsQuadraticModelTest(t *testing.T) {
	const n = 32
	lhs := laplaceOperator{n: n}
	b := make([]float64, n)
	for i := range b {
		b[i] = 1
	}
	x := make([]float64, n)

	// A loose model tolerance stops well before the residual test would.
	s := ConjugateGradients(lhs, &IdentityPreconditioner{}, b, x, CGOptions{
		MaxIterations: 200,
		RTolerance:    1e-14,
		QTolerance:    1e-1,
	}, NewCGScratch(n))

	require.Equal(t, Success, s.Termination, s.Message)
	assert.Contains(t, s.Message, "zeta")
	assert.Less(t, s.Iterations, n)
}
