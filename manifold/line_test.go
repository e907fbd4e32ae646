// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestLine(t *testing.T) {
	m := Line{Dim: 3}
	assert.Equal(t, 6, m.AmbientSize())
	assert.Equal(t, 4, m.TangentSize())

	points := [][]float64{
		{1, 2, 3, 0, 0, 1},
		{1, -1, 2, 0.3, -0.4, 0.5},
		{0, 0, 0, 0, 0, -2},
	}
	deltas := [][]float64{
		{0.1, -0.2, 0.05, 0.15},
		{1, 0.5, -0.8, 0.4},
		{0, 0, 0, 0},
	}

	for _, x := range points {
		for _, delta := range deltas {
			checkRoundTrip(t, m, x, delta, 1e-12)
		}
		checkJacobianProduct(t, m, x)
		checkPlusJacobianNumeric(t, m, x)
	}
}

func TestLineOriginMovesOrthogonally(t *testing.T) {
	m := Line{Dim: 3}
	y := make([]float64, 6)

	// With the direction on the chart axis the origin steps span the x-y
	// plane only.
	x := []float64{1, 2, 3, 0, 0, 1}
	require.True(t, m.Plus(x, []float64{0.4, -0.6, 0, 0}, y))
	assert.InDeltaSlice(t, []float64{1.2, 1.7, 3, 0, 0, 1}, y, 1e-15)
	assert.Equal(t, x[2], y[2])

	// For a general direction the displacement stays orthogonal to it.
	x = []float64{1, -1, 2, 0.3, -0.4, 0.5}
	require.True(t, m.Plus(x, []float64{0.7, -0.3, 0, 0}, y))
	disp := make([]float64, 3)
	floats.SubTo(disp, y[:3], x[:3])
	assert.InDelta(t, 0, floats.Dot(disp, x[3:]), 1e-12)
	assert.InDeltaSlice(t, x[3:], y[3:], 1e-15)
}

func TestLineKeepsDirectionNorm(t *testing.T) {
	m := Line{Dim: 3}
	x := []float64{0, 0, 0, 0.3, -0.4, 0.5}
	y := make([]float64, 6)

	require.True(t, m.Plus(x, []float64{0, 0, 0.9, -1.1}, y))
	assert.InDelta(t, floats.Norm(x[3:], 2), floats.Norm(y[3:], 2), 1e-12)
}
