// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifold

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Line is the manifold of lines in ℝⁿ stored as origin followed by
// direction. The direction moves on its sphere like Homogeneous while the
// origin translates inside the hyperplane orthogonal to the direction, so
// sliding the origin along the line is not a degree of freedom.
type Line struct {
	// Dim is the dimension n of the space the line lives in.
	Dim int
}

func (m Line) AmbientSize() int { return 2 * m.Dim }
func (m Line) TangentSize() int { return 2 * (m.Dim - 1) }

func (m Line) Plus(x, delta, xPlusDelta []float64) bool {
	n := m.Dim
	origin, dir := x[:n], x[n:]
	dOrigin, dDir := delta[:n-1], delta[n-1:]

	v := make([]float64, n)
	beta := householder(dir, v)

	// The origin moves by the reflected in-plane step.
	yo := make([]float64, n)
	for i, d := range dOrigin {
		yo[i] = 0.5 * d
	}
	applyHouseholder(yo, v, beta)
	floats.AddTo(xPlusDelta[:n], origin, yo)

	// The direction update matches the Homogeneous manifold.
	norm := floats.Norm(dDir, 2)
	if norm == 0 {
		copy(xPlusDelta[n:], dir)
		return true
	}
	half := 0.5 * norm
	s := math.Sin(half) / norm
	yd := make([]float64, n)
	for i, d := range dDir {
		yd[i] = s * d
	}
	yd[n-1] = math.Cos(half)
	applyHouseholder(yd, v, beta)

	normDir := floats.Norm(dir, 2)
	for i := range yd {
		xPlusDelta[n+i] = normDir * yd[i]
	}
	return true
}

func (m Line) PlusJacobian(x []float64, jacobian *mat.Dense) bool {
	n := m.Dim
	dir := x[n:]
	v := make([]float64, n)
	beta := householder(dir, v)
	normDir := floats.Norm(dir, 2)

	resizeJacobian(jacobian, 2*n, 2*(n-1))
	for c := 0; c < n-1; c++ {
		for r := 0; r < n; r++ {
			e := -beta * v[r] * v[c]
			if r == c {
				e++
			}
			jacobian.Set(r, c, 0.5*e)
			jacobian.Set(n+r, n-1+c, 0.5*normDir*e)
		}
	}
	return true
}

func (m Line) Minus(y, x, yMinusX []float64) bool {
	n := m.Dim
	dir := x[n:]
	v := make([]float64, n)
	beta := householder(dir, v)

	// Origin: reflect the translation back into the chart.
	ho := make([]float64, n)
	floats.SubTo(ho, y[:n], x[:n])
	applyHouseholder(ho, v, beta)
	for i := 0; i < n-1; i++ {
		yMinusX[i] = 2 * ho[i]
	}

	// Direction: same recovery as the Homogeneous manifold.
	hd := make([]float64, n)
	copy(hd, y[n:])
	applyHouseholder(hd, v, beta)
	headNorm := floats.Norm(hd[:n-1], 2)
	if headNorm == 0 {
		clear(yMinusX[n-1:])
		return true
	}
	scale := 2 * math.Atan2(headNorm, hd[n-1]) / headNorm
	for i := 0; i < n-1; i++ {
		yMinusX[n-1+i] = scale * hd[i]
	}
	return true
}

func (m Line) MinusJacobian(x []float64, jacobian *mat.Dense) bool {
	n := m.Dim
	dir := x[n:]
	v := make([]float64, n)
	beta := householder(dir, v)
	normDir := floats.Norm(dir, 2)
	if normDir == 0 {
		return false
	}

	resizeJacobian(jacobian, 2*(n-1), 2*n)
	for r := 0; r < n-1; r++ {
		for c := 0; c < n; c++ {
			e := -beta * v[r] * v[c]
			if r == c {
				e++
			}
			jacobian.Set(r, c, 2*e)
			jacobian.Set(n-1+r, n+c, 2*e/normDir)
		}
	}
	return true
}
