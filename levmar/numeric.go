// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"github.com/curioloop/leastsq/numdiff"
)

// NumericDiff builds a CostFunction for a residual callback without
// analytic derivatives, estimating the missing jacobians by finite
// differences.
type NumericDiff struct {
	// Method of differentiation (default Forward).
	Method numdiff.Method
	// Size is the residual dimension of the block.
	Size int
	// Params lists the ambient sizes of the referenced parameter blocks.
	Params []int
	// Func evaluates the residuals of the block.
	Func func(params [][]float64, residuals []float64) bool
}

// Cost wraps the callback into a CostFunction.
//
// The wrapper owns per-block scratch, so residual blocks evaluated by
// concurrent workers each need their own wrapper.
func (nd *NumericDiff) Cost() CostFunction {

	prm := make([][]float64, len(nd.Params))
	buf := make([][]float64, len(nd.Params))
	diff := make([]numdiff.ApproxSpec, len(nd.Params))
	for k, n := range nd.Params {
		buf[k] = make([]float64, n)
		diff[k] = numdiff.ApproxSpec{
			N: n, M: nd.Size,
			Method: nd.Method,
			// x aliases the perturbed buffer already wired into prm.
			Object: func(x, y []float64) bool {
				return nd.Func(prm, y)
			},
		}
	}

	return func(params [][]float64, residuals []float64, jacobians [][]float64) bool {
		if !nd.Func(params, residuals) {
			return false
		}
		if jacobians == nil {
			return true
		}
		copy(prm, params)
		for k := range nd.Params {
			if jacobians[k] == nil {
				continue
			}
			copy(buf[k], params[k])
			prm[k] = buf[k]
			err := diff[k].Diff(buf[k], jacobians[k])
			prm[k] = params[k]
			if err != nil {
				return false
			}
		}
		return true
	}
}
