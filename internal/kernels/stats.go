// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/parallel"
)

// GatherRefineStats folds one backward pass into the running refine record:
// maxNorm[i] becomes the larger of itself and the length of the refine
// weight of splat i scaled to normalized device units.
func GatherRefineStats(pool *parallel.WorkerPool, refineWeight []f32.Vec2, width, height uint32, maxNorm []float32) error {
	n := len(refineWeight)
	sx := 0.5 * float32(width)
	sy := 0.5 * float32(height)
	return pool.Dispatch(parallel.WorkgroupCount(n, MainWorkgroupSize), func(wg int) {
		start := wg * MainWorkgroupSize
		end := min(start+MainWorkgroupSize, n)
		for i := start; i < end; i++ {
			x := refineWeight[i][0] * sx
			y := refineWeight[i][1] * sy
			maxNorm[i] = max(maxNorm[i], math32.Sqrt(x*x+y*y))
		}
	})
}
