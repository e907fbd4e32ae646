// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDenseQRRecoversSolution(t *testing.T) {
	a := mat.NewDense(5, 3, []float64{
		2, 0, 1,
		1, 3, 0,
		0, 1, 4,
		1, 1, 1,
		3, 0, 2,
	})
	want := []float64{1, -2, 3}
	var bv mat.VecDense
	bv.MulVec(a, mat.NewVecDense(3, want))
	b := make([]float64, 5)
	for i := range b {
		b[i] = bv.AtVec(i)
	}

	var qr DenseQR
	x := make([]float64, 3)
	s := qr.FactorAndSolve(a, b, x)
	require.Equal(t, Success, s.Termination, s.Message)
	assert.InDeltaSlice(t, want, x, 1e-10)

	// The factorization survives a second right-hand side.
	want2 := []float64{-1, 0.5, 2}
	bv.MulVec(a, mat.NewVecDense(3, want2))
	for i := range b {
		b[i] = bv.AtVec(i)
	}
	s = qr.Solve(b, x)
	require.Equal(t, Success, s.Termination, s.Message)
	assert.InDeltaSlice(t, want2, x, 1e-10)
}

func TestDenseQRLeastSquares(t *testing.T) {
	a := mat.NewDense(4, 2, []float64{
		1, 1,
		1, 2,
		1, 3,
		1, 4,
	})
	b := []float64{6, 5, 7, 10}

	var qr DenseQR
	x := make([]float64, 2)
	s := qr.FactorAndSolve(a, b, x)
	require.Equal(t, Success, s.Termination, s.Message)

	// Straight line fit through the four points.
	assert.InDelta(t, 3.5, x[0], 1e-10)
	assert.InDelta(t, 1.4, x[1], 1e-10)
}

func TestDenseQRUnderdetermined(t *testing.T) {
	var qr DenseQR
	s := qr.Factorize(mat.NewDense(2, 3, nil))
	assert.Equal(t, FatalError, s.Termination)
	assert.Contains(t, s.Message, "fewer rows than columns")
}

func TestDenseCholeskySolve(t *testing.T) {
	a := mat.NewSymDense(3, []float64{
		4, 1, 0,
		1, 3, 1,
		0, 1, 2,
	})
	want := []float64{1, 2, -1}
	rhs := make([]float64, 3)
	var bv mat.VecDense
	bv.MulVec(a, mat.NewVecDense(3, want))
	for i := range rhs {
		rhs[i] = bv.AtVec(i)
	}

	var chol DenseCholesky
	x := make([]float64, 3)
	s := chol.FactorAndSolve(a, rhs, x)
	require.Equal(t, Success, s.Termination, s.Message)
	assert.InDeltaSlice(t, want, x, 1e-10)
}

func TestDenseCholeskyNotPositiveDefinite(t *testing.T) {
	a := mat.NewSymDense(2, []float64{
		1, 2,
		2, 1,
	})

	var chol DenseCholesky
	s := chol.Factorize(a)
	assert.Equal(t, Failure, s.Termination)
	assert.Contains(t, s.Message, "positive definite")
}

func TestDenseSolveBeforeFactorizePanics(t *testing.T) {
	assert.Panics(t, func() {
		var qr DenseQR
		qr.Solve(make([]float64, 3), make([]float64, 3))
	})
	assert.Panics(t, func() {
		var chol DenseCholesky
		chol.Solve(make([]float64, 3), make([]float64, 3))
	})
}

func TestDenseCholeskyRecoversAfterFailure(t *testing.T) {
	var chol DenseCholesky
	s := chol.Factorize(mat.NewSymDense(2, []float64{1, 2, 2, 1}))
	require.Equal(t, Failure, s.Termination)

	// A later factorization of a good matrix must succeed and solve.
	a := mat.NewSymDense(2, []float64{2, 1, 1, 2})
	x := make([]float64, 2)
	s = chol.FactorAndSolve(a, []float64{3, 3}, x)
	require.Equal(t, Success, s.Termination, s.Message)
	assert.InDeltaSlice(t, []float64{1, 1}, x, 1e-12)
}
