// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linsolve

// Operator is a matrix-free linear operator.
//
// Both products accumulate into the output so operators can be chained
// without intermediate buffers. Callers zero the output first when they
// need a plain product.
type Operator interface {
	// RightMultiply computes 𝐲 += 𝐀·𝐱.
	RightMultiply(x, y []float64)
	// LeftMultiply computes 𝐱 += 𝐀ᵗ·𝐲.
	LeftMultiply(y, x []float64)
	NumRows() int
	NumCols() int
}
