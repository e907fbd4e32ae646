// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestBlockSparseRightMultiply(t *testing.T) {
	a, dense := buildTestJacobian()
	x := []float64{1, -2, 3}

	y := []float64{1, 1, 1, 1} // accumulation preserved
	a.RightMultiply(x, y)

	var want mat.VecDense
	want.MulVec(dense, mat.NewVecDense(3, x))
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 1+want.AtVec(i), y[i], 1e-12)
	}
}

func TestBlockSparseLeftMultiply(t *testing.T) {
	a, dense := buildTestJacobian()
	y := []float64{1, -1, 2, -2}

	x := []float64{1, 1, 1}
	a.LeftMultiply(y, x)

	var want mat.VecDense
	want.MulVec(dense.T(), mat.NewVecDense(4, y))
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1+want.AtVec(i), x[i], 1e-12)
	}
}

func TestBlockSparseSquaredColumnNorm(t *testing.T) {
	a, dense := buildTestJacobian()

	norms := make([]float64, 3)
	a.SquaredColumnNorm(norms)

	for j := 0; j < 3; j++ {
		want := 0.0
		for i := 0; i < 4; i++ {
			v := dense.At(i, j)
			want += v * v
		}
		assert.InDelta(t, want, norms[j], 1e-12)
	}
}

func TestBlockSparseScaleColumns(t *testing.T) {
	a, dense := buildTestJacobian()
	scale := []float64{2, 0.5, -1}

	a.ScaleColumns(scale)

	var got mat.Dense
	a.ToDense(&got)
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, dense.At(i, j)*scale[j], got.At(i, j), 1e-12)
		}
	}
}

func TestBlockSparseToDense(t *testing.T) {
	a, dense := buildTestJacobian()

	var got mat.Dense
	a.ToDense(&got)
	assert.True(t, mat.EqualApprox(dense, &got, 1e-15))

	// Zeroed cells must round-trip as well.
	a.SetZero()
	a.ToDense(&got)
	assert.True(t, mat.EqualApprox(mat.NewDense(4, 3, nil), &got, 1e-15))
}

func TestBlockSparseCellValues(t *testing.T) {
	a, _ := buildTestJacobian()

	// Cell (1,0) is the height-two column strip holding 7 and 8.
	cell := a.CellValues(1, 0)
	assert.Equal(t, []float64{7, 8}, cell)

	cell[0] = -7
	var got mat.Dense
	a.ToDense(&got)
	assert.InDelta(t, -7, got.At(2, 2), 1e-15)
}
