// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Covariance estimates the covariance of a fitted solution.
//
// Under the usual Gauss-Newton approximation the covariance of the
// tangent coordinates is the pseudo-inverse of 𝐉ᵀ𝐉, computed here from
// the thin SVD of the dense jacobian:
//
//	C = 𝐕·diag(1/σᵢ²)·𝐕ᵀ
//
// Singular values cut off by the truncation policy contribute nothing.
// The ambient covariance of manifold blocks is recovered by lifting the
// tangent blocks through the ⊞ jacobian.
type Covariance struct {
	// MinReciprocalCondition drops singular values σᵢ with
	// (σᵢ/σ₀)² below it (default 1e-14).
	MinReciprocalCondition float64
	// NullSpaceRank states the known rank deficiency of the jacobian:
	// with 0 any deficient direction is an error, n > 0 drops exactly
	// the n smallest singular values and n < 0 drops every direction
	// cut off by MinReciprocalCondition.
	NullSpaceRank int

	spec *lmSpec
	cov  *mat.Dense
	lift []*mat.Dense
}

// Compute evaluates the jacobian at x and factorizes it.
// Panic when the dimension of x or w not match the spec.
func (c *Covariance) Compute(o *Optimizer, x []float64, w *Workspace) error {

	s := &o.lmSpec
	if len(x) != s.n {
		panic("initial x dimension not match spec")
	}
	if w.n != s.n || w.t != s.t || w.m != s.m {
		panic("workspace dimension not match spec")
	}

	minRecip := c.MinReciprocalCondition
	if minRecip == 0 {
		minRecip = 1e-14
	}

	eval := lmEval{spec: s, ws: w}
	var cost float64
	res := make([]float64, s.m)
	if !eval.evaluate(x, &cost, res, nil, w.jac, true) {
		return errors.New("jacobian evaluation failed")
	}

	var dense mat.Dense
	w.jac.ToDense(&dense)

	var svd mat.SVD
	if !svd.Factorize(&dense, mat.SVDThin) {
		return errors.New("jacobian factorization failed")
	}
	sv := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	maxSv := sv[0]
	if maxSv == 0 {
		return errors.New("jacobian is identically zero")
	}
	maxRank := len(sv)
	if c.NullSpaceRank > 0 {
		maxRank -= c.NullSpaceRank
	}

	ratioTol := math.Sqrt(minRecip)
	inv := make([]float64, len(sv))
	for i, sigma := range sv {
		ratio := sigma / maxSv
		switch {
		case i < maxRank && ratio >= ratioTol:
			inv[i] = one / (sigma * sigma)
		case c.NullSpaceRank < 0 || i >= maxRank:
			// Truncated direction.
		default:
			return errors.New(fmt.Sprintf("rank deficient jacobian: singular value ratio %.3e at %d", ratio, i))
		}
	}

	t := s.t
	scaled := mat.NewDense(t, len(sv), nil)
	for j := range sv {
		if inv[j] == zero {
			continue
		}
		for i := 0; i < t; i++ {
			scaled.Set(i, j, v.At(i, j)*inv[j])
		}
	}
	cov := mat.NewDense(t, t, nil)
	cov.Mul(scaled, v.T())

	lift := make([]*mat.Dense, len(s.Params))
	for k := range s.Params {
		pb := &s.Params[k]
		if !pb.Constant && pb.Manifold != nil {
			lift[k] = mat.DenseCopyOf(&w.plusJac[k])
		}
	}

	c.spec, c.cov, c.lift = s, cov, lift
	return nil
}

// Block writes the ambient covariance of parameter blocks i and j into
// dst in row-major order (Sizeᵢ × Sizeⱼ). Blocks held constant yield
// zeros. It reports false until Compute has succeeded.
func (c *Covariance) Block(i, j int, dst []float64) bool {

	if c.cov == nil {
		return false
	}
	s := c.spec
	pi, pj := &s.Params[i], &s.Params[j]
	if len(dst) != pi.Size*pj.Size {
		panic("destination dimension not match spec")
	}
	if pi.Constant || pj.Constant {
		clear(dst)
		return true
	}

	ti, tj := s.tLen[i], s.tLen[j]
	sub := c.cov.Slice(s.tOff[i], s.tOff[i]+ti, s.tOff[j], s.tOff[j]+tj)

	li, lj := c.lift[i], c.lift[j]
	var amb mat.Dense
	switch {
	case li == nil && lj == nil:
		amb.CloneFrom(sub)
	case li == nil:
		amb.Mul(sub, lj.T())
	case lj == nil:
		amb.Mul(li, sub)
	default:
		var tan mat.Dense
		tan.Mul(li, sub)
		amb.Mul(&tan, lj.T())
	}

	for r := 0; r < pi.Size; r++ {
		for l := 0; l < pj.Size; l++ {
			dst[r*pj.Size+l] = amb.At(r, l)
		}
	}
	return true
}

// TangentBlock writes the tangent covariance of parameter blocks i and j
// into dst in row-major order (tangentᵢ × tangentⱼ). Blocks held constant
// yield an empty block. It reports false until Compute has succeeded.
func (c *Covariance) TangentBlock(i, j int, dst []float64) bool {

	if c.cov == nil {
		return false
	}
	s := c.spec
	ti, tj := s.tLen[i], s.tLen[j]
	if len(dst) != ti*tj {
		panic("destination dimension not match spec")
	}
	if ti == 0 || tj == 0 {
		return true
	}

	oi, oj := s.tOff[i], s.tOff[j]
	for r := 0; r < ti; r++ {
		for l := 0; l < tj; l++ {
			dst[r*tj+l] = c.cov.At(oi+r, oj+l)
		}
	}
	return true
}
