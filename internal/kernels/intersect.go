// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"sync/atomic"

	"github.com/gogpu/splat/internal/parallel"
)

// MapGaussiansToIntersect writes one (tile, splat) intersection for every
// tile overlapped by every visible splat. cumHits[cid] is the first
// intersection slot of compact splat cid. tileCounts must have NumTiles()+1
// zeroed entries; tileCounts[tile+1] receives the number of intersections
// of each tile.
func MapGaussiansToIntersect(pool *parallel.WorkerPool, u *Uniforms, rects []TileRect, cumHits []uint32,
	tileIDFromIsect, compactGidFromIsect, tileCounts []uint32) error {
	n := len(rects)
	tbx := u.TileBoundsX

	return pool.Dispatch(parallel.WorkgroupCount(n, MainWorkgroupSize), func(wg int) {
		start := wg * MainWorkgroupSize
		end := min(start+MainWorkgroupSize, n)
		for cid := start; cid < end; cid++ {
			r := rects[cid]
			isect := cumHits[cid]
			for ty := r.MinY; ty < r.MaxY; ty++ {
				for tx := r.MinX; tx < r.MaxX; tx++ {
					tile := ty*tbx + tx
					tileIDFromIsect[isect] = tile
					compactGidFromIsect[isect] = uint32(cid)
					atomic.AddUint32(&tileCounts[tile+1], 1)
					isect++
				}
			}
		}
	})
}
