// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifold

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const machEps = 0x1p-52

// householder fills v and returns β such that (𝐈 − β𝐯𝐯ᵗ)·𝐱 = ‖𝐱‖·𝐞ₙ₋₁.
// The reflection is its own inverse.
func householder(x, v []float64) (beta float64) {
	n := len(x)
	sigma := 0.0
	for _, e := range x[:n-1] {
		sigma += e * e
	}
	copy(v[:n-1], x[:n-1])
	v[n-1] = 1

	pivot := x[n-1]
	if sigma <= machEps {
		if pivot < 0 {
			beta = 2
		}
		return beta
	}

	mu := math.Sqrt(pivot*pivot + sigma)
	vPivot := pivot - mu
	if pivot > 0 {
		vPivot = -sigma / (pivot + mu)
	}
	beta = 2 * vPivot * vPivot / (sigma + vPivot*vPivot)
	for i := range v[:n-1] {
		v[i] /= vPivot
	}
	return beta
}

// applyHouseholder computes 𝐲 − β𝐯(𝐯ᵗ𝐲) in place.
func applyHouseholder(y, v []float64, beta float64) {
	vy := floats.Dot(v, y)
	floats.AddScaled(y, -beta*vy, v)
}

// Homogeneous is the manifold of scaled unit vectors in ℝⁿ, n ≥ 2.
// Plus moves on the sphere of radius ‖𝐱‖ along the geodesic picked out by
// the tangent step, using a Householder reflection to rotate the chart to
// the current point.
//
// The zero vector is degenerate: no chart exists there and the jacobians
// lose full rank.
type Homogeneous struct {
	Size int
}

func (m Homogeneous) AmbientSize() int { return m.Size }
func (m Homogeneous) TangentSize() int { return m.Size - 1 }

func (m Homogeneous) Plus(x, delta, xPlusDelta []float64) bool {
	n := m.Size
	norm := floats.Norm(delta, 2)
	if norm == 0 {
		copy(xPlusDelta, x)
		return true
	}

	// Map the step to a point on the unit sphere around 𝐞ₙ₋₁.
	half := 0.5 * norm
	s := math.Sin(half) / norm
	y := make([]float64, n)
	for i, d := range delta {
		y[i] = s * d
	}
	y[n-1] = math.Cos(half)

	// Reflect the chart back onto the sphere around 𝐱.
	v := make([]float64, n)
	beta := householder(x, v)
	applyHouseholder(y, v, beta)

	normX := floats.Norm(x, 2)
	for i := range xPlusDelta {
		xPlusDelta[i] = normX * y[i]
	}
	return true
}

func (m Homogeneous) PlusJacobian(x []float64, jacobian *mat.Dense) bool {
	n := m.Size
	v := make([]float64, n)
	beta := householder(x, v)
	normX := floats.Norm(x, 2)

	resizeJacobian(jacobian, n, n-1)
	for c := 0; c < n-1; c++ {
		for r := 0; r < n; r++ {
			e := -beta * v[r] * v[c]
			if r == c {
				e++
			}
			jacobian.Set(r, c, 0.5*normX*e)
		}
	}
	return true
}

func (m Homogeneous) Minus(y, x, yMinusX []float64) bool {
	n := m.Size
	v := make([]float64, n)
	beta := householder(x, v)

	hy := make([]float64, n)
	copy(hy, y)
	applyHouseholder(hy, v, beta)

	headNorm := floats.Norm(hy[:n-1], 2)
	if headNorm == 0 {
		clear(yMinusX)
		return true
	}
	scale := 2 * math.Atan2(headNorm, hy[n-1]) / headNorm
	for i := range yMinusX {
		yMinusX[i] = scale * hy[i]
	}
	return true
}

func (m Homogeneous) MinusJacobian(x []float64, jacobian *mat.Dense) bool {
	n := m.Size
	v := make([]float64, n)
	beta := householder(x, v)
	normX := floats.Norm(x, 2)
	if normX == 0 {
		return false
	}

	resizeJacobian(jacobian, n-1, n)
	for r := 0; r < n-1; r++ {
		for c := 0; c < n; c++ {
			e := -beta * v[r] * v[c]
			if r == c {
				e++
			}
			jacobian.Set(r, c, 2*e/normX)
		}
	}
	return true
}
