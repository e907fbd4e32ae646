// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifold

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// quaternionProduct computes 𝐳 = 𝐪·𝐰 with scalar-first storage.
func quaternionProduct(q, w *[4]float64) [4]float64 {
	return [4]float64{
		q[0]*w[0] - q[1]*w[1] - q[2]*w[2] - q[3]*w[3],
		q[0]*w[1] + q[1]*w[0] + q[2]*w[3] - q[3]*w[2],
		q[0]*w[2] - q[1]*w[3] + q[2]*w[0] + q[3]*w[1],
		q[0]*w[3] + q[1]*w[2] - q[2]*w[1] + q[3]*w[0],
	}
}

// quaternionPlus left-multiplies x by the exponential of the angle-axis
// step δ. Half angles keep the tangent step equal to the rotation vector.
func quaternionPlus(x *[4]float64, delta []float64) [4]float64 {
	norm := math.Sqrt(delta[0]*delta[0] + delta[1]*delta[1] + delta[2]*delta[2])
	if norm == 0 {
		return *x
	}
	half := 0.5 * norm
	s := math.Sin(half) / norm
	q := [4]float64{math.Cos(half), s * delta[0], s * delta[1], s * delta[2]}
	return quaternionProduct(&q, x)
}

// quaternionMinus recovers the rotation vector taking x to y.
func quaternionMinus(y, x *[4]float64, out []float64) {
	conj := [4]float64{x[0], -x[1], -x[2], -x[3]}
	d := quaternionProduct(y, &conj)
	sinSq := d[1]*d[1] + d[2]*d[2] + d[3]*d[3]
	if sinSq == 0 {
		// Near the identity 𝚕𝚘𝚐(𝐪) ≈ 2·𝚟𝚎𝚌(𝐪).
		out[0], out[1], out[2] = 2*d[1], 2*d[2], 2*d[3]
		return
	}
	sin := math.Sqrt(sinSq)
	// Pick the shorter of the two rotations covering the same attitude.
	twoTheta := 2 * math.Atan2(sin, d[0])
	if d[0] < 0 {
		twoTheta = 2 * math.Atan2(-sin, -d[0])
	}
	scale := twoTheta / sin
	out[0], out[1], out[2] = scale*d[1], scale*d[2], scale*d[3]
}

// Quaternion is the manifold of unit quaternions stored scalar first as
// (w, x, y, z). Tangent steps are rotation vectors in radians.
type Quaternion struct{}

func (Quaternion) AmbientSize() int { return 4 }
func (Quaternion) TangentSize() int { return 3 }

func (Quaternion) Plus(x, delta, xPlusDelta []float64) bool {
	xq := [4]float64{x[0], x[1], x[2], x[3]}
	out := quaternionPlus(&xq, delta)
	copy(xPlusDelta, out[:])
	return true
}

func (Quaternion) PlusJacobian(x []float64, jacobian *mat.Dense) bool {
	resizeJacobian(jacobian, 4, 3)
	jacobian.SetRow(0, []float64{-0.5 * x[1], -0.5 * x[2], -0.5 * x[3]})
	jacobian.SetRow(1, []float64{0.5 * x[0], 0.5 * x[3], -0.5 * x[2]})
	jacobian.SetRow(2, []float64{-0.5 * x[3], 0.5 * x[0], 0.5 * x[1]})
	jacobian.SetRow(3, []float64{0.5 * x[2], -0.5 * x[1], 0.5 * x[0]})
	return true
}

func (Quaternion) Minus(y, x, yMinusX []float64) bool {
	yq := [4]float64{y[0], y[1], y[2], y[3]}
	xq := [4]float64{x[0], x[1], x[2], x[3]}
	quaternionMinus(&yq, &xq, yMinusX)
	return true
}

func (Quaternion) MinusJacobian(x []float64, jacobian *mat.Dense) bool {
	resizeJacobian(jacobian, 3, 4)
	jacobian.SetRow(0, []float64{-2 * x[1], 2 * x[0], -2 * x[3], 2 * x[2]})
	jacobian.SetRow(1, []float64{-2 * x[2], 2 * x[3], 2 * x[0], -2 * x[1]})
	jacobian.SetRow(2, []float64{-2 * x[3], -2 * x[2], 2 * x[1], 2 * x[0]})
	return true
}

// QuaternionXYZW is the unit quaternion manifold with the vector part
// stored first: (x, y, z, w). The geometry is identical to Quaternion,
// only the memory layout differs.
type QuaternionXYZW struct{}

func (QuaternionXYZW) AmbientSize() int { return 4 }
func (QuaternionXYZW) TangentSize() int { return 3 }

func (QuaternionXYZW) Plus(x, delta, xPlusDelta []float64) bool {
	xq := [4]float64{x[3], x[0], x[1], x[2]}
	out := quaternionPlus(&xq, delta)
	xPlusDelta[0], xPlusDelta[1], xPlusDelta[2], xPlusDelta[3] = out[1], out[2], out[3], out[0]
	return true
}

func (QuaternionXYZW) PlusJacobian(x []float64, jacobian *mat.Dense) bool {
	resizeJacobian(jacobian, 4, 3)
	jacobian.SetRow(0, []float64{0.5 * x[3], 0.5 * x[2], -0.5 * x[1]})
	jacobian.SetRow(1, []float64{-0.5 * x[2], 0.5 * x[3], 0.5 * x[0]})
	jacobian.SetRow(2, []float64{0.5 * x[1], -0.5 * x[0], 0.5 * x[3]})
	jacobian.SetRow(3, []float64{-0.5 * x[0], -0.5 * x[1], -0.5 * x[2]})
	return true
}

func (QuaternionXYZW) Minus(y, x, yMinusX []float64) bool {
	yq := [4]float64{y[3], y[0], y[1], y[2]}
	xq := [4]float64{x[3], x[0], x[1], x[2]}
	quaternionMinus(&yq, &xq, yMinusX)
	return true
}

func (QuaternionXYZW) MinusJacobian(x []float64, jacobian *mat.Dense) bool {
	resizeJacobian(jacobian, 3, 4)
	jacobian.SetRow(0, []float64{2 * x[3], -2 * x[2], 2 * x[1], -2 * x[0]})
	jacobian.SetRow(1, []float64{2 * x[2], 2 * x[3], -2 * x[0], -2 * x[1]})
	jacobian.SetRow(2, []float64{-2 * x[1], 2 * x[0], 2 * x[3], -2 * x[2]})
	return true
}
