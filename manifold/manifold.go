// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manifold defines the geometry of parameter blocks that live on
// curved spaces. Points are stored in ambient coordinates while
// optimization steps live in the smaller tangent space, connected by the
// ⊞ (Plus) and ⊟ (Minus) operators and their Jacobians.
package manifold

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Manifold connects the ambient representation of a parameter block with
// the tangent space its steps live in.
//
// For any point 𝐱 and tangent steps δ the implementations satisfy
//
//	𝐱 ⊞ 𝟎 = 𝐱
//	(𝐱 ⊞ δ) ⊟ 𝐱 = δ
//	MinusJacobian(𝐱) · PlusJacobian(𝐱) = 𝐈
type Manifold interface {
	// AmbientSize is the dimension of the point representation.
	AmbientSize() int
	// TangentSize is the dimension of a step, never larger than the
	// ambient size.
	TangentSize() int
	// Plus applies a tangent step to a point: 𝐱′ = 𝐱 ⊞ δ.
	Plus(x, delta, xPlusDelta []float64) bool
	// PlusJacobian writes the ambient×tangent derivative of Plus with
	// respect to δ at δ = 𝟎, resizing the destination as needed.
	PlusJacobian(x []float64, jacobian *mat.Dense) bool
	// Minus recovers the tangent step between two points: δ = 𝐲 ⊟ 𝐱.
	Minus(y, x, yMinusX []float64) bool
	// MinusJacobian writes the tangent×ambient derivative of Minus with
	// respect to 𝐲 at 𝐲 = 𝐱, resizing the destination as needed.
	MinusJacobian(x []float64, jacobian *mat.Dense) bool
}

func resizeJacobian(j *mat.Dense, r, c int) {
	j.Reset()
	if r == 0 || c == 0 {
		return
	}
	j.ReuseAs(r, c)
	j.Zero()
}

// Euclidean is the trivial manifold: Plus is vector addition and both
// Jacobians are identities.
type Euclidean struct {
	Size int
}

func (m Euclidean) AmbientSize() int { return m.Size }
func (m Euclidean) TangentSize() int { return m.Size }

func (m Euclidean) Plus(x, delta, xPlusDelta []float64) bool {
	floats.AddTo(xPlusDelta, x, delta)
	return true
}

func (m Euclidean) PlusJacobian(x []float64, jacobian *mat.Dense) bool {
	resizeJacobian(jacobian, m.Size, m.Size)
	for i := 0; i < m.Size; i++ {
		jacobian.Set(i, i, 1)
	}
	return true
}

func (m Euclidean) Minus(y, x, yMinusX []float64) bool {
	floats.SubTo(yMinusX, y, x)
	return true
}

func (m Euclidean) MinusJacobian(x []float64, jacobian *mat.Dense) bool {
	return m.PlusJacobian(x, jacobian)
}

// Subset holds a chosen set of coordinates constant and steps the rest.
type Subset struct {
	size     int
	constant []bool
	tangent  int
}

// NewSubset creates a subset manifold of the given ambient size with the
// listed coordinates held constant.
func NewSubset(size int, constantIdx ...int) (*Subset, error) {
	if size <= 0 {
		return nil, errors.New("ambient size must greater than 0")
	}
	constant := make([]bool, size)
	for _, idx := range constantIdx {
		if idx < 0 || idx >= size {
			return nil, fmt.Errorf("constant index %d out of range", idx)
		}
		if constant[idx] {
			return nil, fmt.Errorf("constant index %d duplicated", idx)
		}
		constant[idx] = true
	}
	return &Subset{size: size, constant: constant, tangent: size - len(constantIdx)}, nil
}

func (m *Subset) AmbientSize() int { return m.size }
func (m *Subset) TangentSize() int { return m.tangent }

func (m *Subset) Plus(x, delta, xPlusDelta []float64) bool {
	k := 0
	for i, c := range m.constant {
		if c {
			xPlusDelta[i] = x[i]
		} else {
			xPlusDelta[i] = x[i] + delta[k]
			k++
		}
	}
	return true
}

func (m *Subset) PlusJacobian(x []float64, jacobian *mat.Dense) bool {
	resizeJacobian(jacobian, m.size, m.tangent)
	k := 0
	for i, c := range m.constant {
		if !c {
			jacobian.Set(i, k, 1)
			k++
		}
	}
	return true
}

func (m *Subset) Minus(y, x, yMinusX []float64) bool {
	k := 0
	for i, c := range m.constant {
		if !c {
			yMinusX[k] = y[i] - x[i]
			k++
		}
	}
	return true
}

func (m *Subset) MinusJacobian(x []float64, jacobian *mat.Dense) bool {
	resizeJacobian(jacobian, m.tangent, m.size)
	k := 0
	for i, c := range m.constant {
		if !c {
			jacobian.Set(k, i, 1)
			k++
		}
	}
	return true
}

// Product glues several manifolds into one block: ambient and tangent
// coordinates of the parts are laid out back to back.
type Product struct {
	parts      []Manifold
	ambientOff []int
	tangentOff []int
	ambient    int
	tangent    int
}

// NewProduct creates the product of the given manifolds in order.
func NewProduct(parts ...Manifold) *Product {
	p := &Product{
		parts:      parts,
		ambientOff: make([]int, len(parts)+1),
		tangentOff: make([]int, len(parts)+1),
	}
	for i, part := range parts {
		p.ambientOff[i+1] = p.ambientOff[i] + part.AmbientSize()
		p.tangentOff[i+1] = p.tangentOff[i] + part.TangentSize()
	}
	p.ambient = p.ambientOff[len(parts)]
	p.tangent = p.tangentOff[len(parts)]
	return p
}

func (m *Product) AmbientSize() int { return m.ambient }
func (m *Product) TangentSize() int { return m.tangent }

func (m *Product) Plus(x, delta, xPlusDelta []float64) bool {
	for i, part := range m.parts {
		a0, a1 := m.ambientOff[i], m.ambientOff[i+1]
		t0, t1 := m.tangentOff[i], m.tangentOff[i+1]
		if !part.Plus(x[a0:a1], delta[t0:t1], xPlusDelta[a0:a1]) {
			return false
		}
	}
	return true
}

func (m *Product) PlusJacobian(x []float64, jacobian *mat.Dense) bool {
	resizeJacobian(jacobian, m.ambient, m.tangent)
	var sub mat.Dense
	for i, part := range m.parts {
		a0, a1 := m.ambientOff[i], m.ambientOff[i+1]
		t0, t1 := m.tangentOff[i], m.tangentOff[i+1]
		if !part.PlusJacobian(x[a0:a1], &sub) {
			return false
		}
		if t1 > t0 {
			jacobian.Slice(a0, a1, t0, t1).(*mat.Dense).Copy(&sub)
		}
	}
	return true
}

func (m *Product) Minus(y, x, yMinusX []float64) bool {
	for i, part := range m.parts {
		a0, a1 := m.ambientOff[i], m.ambientOff[i+1]
		t0, t1 := m.tangentOff[i], m.tangentOff[i+1]
		if !part.Minus(y[a0:a1], x[a0:a1], yMinusX[t0:t1]) {
			return false
		}
	}
	return true
}

func (m *Product) MinusJacobian(x []float64, jacobian *mat.Dense) bool {
	resizeJacobian(jacobian, m.tangent, m.ambient)
	var sub mat.Dense
	for i, part := range m.parts {
		a0, a1 := m.ambientOff[i], m.ambientOff[i+1]
		t0, t1 := m.tangentOff[i], m.tangentOff[i+1]
		if !part.MinusJacobian(x[a0:a1], &sub) {
			return false
		}
		if t1 > t0 {
			jacobian.Slice(t0, t1, a0, a1).(*mat.Dense).Copy(&sub)
		}
	}
	return true
}
