// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/leastsq/numdiff"
)

// checkRoundTrip verifies 𝐱 ⊞ 𝟎 = 𝐱 and (𝐱 ⊞ δ) ⊟ 𝐱 = δ.
func checkRoundTrip(t *testing.T, m Manifold, x, delta []float64, tol float64) {
	t.Helper()
	n, tn := m.AmbientSize(), m.TangentSize()
	require.Len(t, x, n)
	require.Len(t, delta, tn)

	same := make([]float64, n)
	require.True(t, m.Plus(x, make([]float64, tn), same))
	assert.InDeltaSlice(t, x, same, 1e-14)

	y := make([]float64, n)
	require.True(t, m.Plus(x, delta, y))
	back := make([]float64, tn)
	require.True(t, m.Minus(y, x, back))
	assert.InDeltaSlice(t, delta, back, tol)

	zero := make([]float64, tn)
	require.True(t, m.Minus(x, x, zero))
	assert.InDeltaSlice(t, make([]float64, tn), zero, tol)
}

// checkJacobianProduct verifies MinusJacobian(𝐱)·PlusJacobian(𝐱) = 𝐈.
func checkJacobianProduct(t *testing.T, m Manifold, x []float64) {
	t.Helper()
	var plus, minus, prod mat.Dense
	require.True(t, m.PlusJacobian(x, &plus))
	require.True(t, m.MinusJacobian(x, &minus))

	n, tn := m.AmbientSize(), m.TangentSize()
	r, c := plus.Dims()
	require.Equal(t, [2]int{n, tn}, [2]int{r, c})
	r, c = minus.Dims()
	require.Equal(t, [2]int{tn, n}, [2]int{r, c})

	prod.Mul(&minus, &plus)
	for i := 0; i < tn; i++ {
		for j := 0; j < tn; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.InDelta(t, want, prod.At(i, j), 1e-12, "product entry (%d,%d)", i, j)
		}
	}
}

// checkPlusJacobianNumeric compares PlusJacobian against central
// differences of Plus around δ = 𝟎.
func checkPlusJacobianNumeric(t *testing.T, m Manifold, x []float64) {
	t.Helper()
	n, tn := m.AmbientSize(), m.TangentSize()

	spec := numdiff.ApproxSpec{
		N: tn, M: n, Method: numdiff.Central,
		Object: func(delta, y []float64) bool {
			return m.Plus(x, delta, y)
		},
	}
	df := make([]float64, n*tn)
	require.NoError(t, spec.Diff(make([]float64, tn), df))

	var jac mat.Dense
	require.True(t, m.PlusJacobian(x, &jac))
	for r := 0; r < n; r++ {
		for c := 0; c < tn; c++ {
			assert.InDelta(t, df[c+r*tn], jac.At(r, c), 1e-6, "jacobian entry (%d,%d)", r, c)
		}
	}
}

func TestEuclidean(t *testing.T) {
	m := Euclidean{Size: 3}
	assert.Equal(t, 3, m.AmbientSize())
	assert.Equal(t, 3, m.TangentSize())

	x := []float64{1, -2, 3}
	delta := []float64{0.5, 0.25, -1}
	checkRoundTrip(t, m, x, delta, 1e-15)
	checkJacobianProduct(t, m, x)
	checkPlusJacobianNumeric(t, m, x)

	y := make([]float64, 3)
	require.True(t, m.Plus(x, delta, y))
	assert.Equal(t, []float64{1.5, -1.75, 2}, y)
}

func TestSubsetValidation(t *testing.T) {
	_, err := NewSubset(0)
	assert.EqualError(t, err, "ambient size must greater than 0")

	_, err = NewSubset(3, 3)
	assert.EqualError(t, err, "constant index 3 out of range")

	_, err = NewSubset(3, -1)
	assert.EqualError(t, err, "constant index -1 out of range")

	_, err = NewSubset(3, 1, 1)
	assert.EqualError(t, err, "constant index 1 duplicated")
}

func TestSubset(t *testing.T) {
	m, err := NewSubset(5, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, m.AmbientSize())
	assert.Equal(t, 3, m.TangentSize())

	x := []float64{1, 2, 3, 4, 5}
	delta := []float64{0.1, -0.2, 0.3}
	checkRoundTrip(t, m, x, delta, 1e-15)
	checkJacobianProduct(t, m, x)
	checkPlusJacobianNumeric(t, m, x)

	y := make([]float64, 5)
	require.True(t, m.Plus(x, delta, y))
	assert.InDeltaSlice(t, []float64{1.1, 2, 2.8, 4, 5.3}, y, 1e-15)
	assert.Equal(t, x[1], y[1])
	assert.Equal(t, x[3], y[3])
}

func TestProduct(t *testing.T) {
	sub, err := NewSubset(3, 1)
	require.NoError(t, err)
	m := NewProduct(Euclidean{Size: 2}, Quaternion{}, sub)

	assert.Equal(t, 2+4+3, m.AmbientSize())
	assert.Equal(t, 2+3+2, m.TangentSize())

	x := []float64{
		1, -2, // euclidean
		0.5, 0.5, 0.5, 0.5, // unit quaternion
		3, 4, 5, // subset
	}
	delta := []float64{0.3, -0.4, 0.1, -0.2, 0.3, 0.25, -0.5}
	checkRoundTrip(t, m, x, delta, 1e-12)
	checkJacobianProduct(t, m, x)
	checkPlusJacobianNumeric(t, m, x)

	// Per-part semantics survive the composition.
	y := make([]float64, m.AmbientSize())
	require.True(t, m.Plus(x, delta, y))
	assert.InDeltaSlice(t, []float64{1.3, -2.4}, y[:2], 1e-15)
	assert.Equal(t, x[7], y[7])
}

func TestProductWithConstantPart(t *testing.T) {
	frozen, err := NewSubset(2, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, frozen.TangentSize())

	m := NewProduct(Euclidean{Size: 1}, frozen)
	assert.Equal(t, 3, m.AmbientSize())
	assert.Equal(t, 1, m.TangentSize())

	x := []float64{1, 2, 3}
	y := make([]float64, 3)
	require.True(t, m.Plus(x, []float64{0.5}, y))
	assert.Equal(t, []float64{1.5, 2, 3}, y)

	back := make([]float64, 1)
	require.True(t, m.Minus(y, x, back))
	assert.InDeltaSlice(t, []float64{0.5}, back, 1e-15)

	checkJacobianProduct(t, m, x)
}
