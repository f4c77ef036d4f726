// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"sync/atomic"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/parallel"
)

// RasterInput holds the sorted intersections of one render.
type RasterInput struct {
	Uniforms *Uniforms

	// Projected is indexed by compact id (depth order).
	Projected []ProjectedSplat

	// CompactGidFromIsect lists the splats of every tile front to back,
	// tile after tile.
	CompactGidFromIsect []uint32

	// TileOffsets has NumTiles()+1 entries; the intersections of tile t are
	// TileOffsets[t] up to TileOffsets[t+1].
	TileOffsets []uint32
}

// RasterOutput receives the forward raster results.
type RasterOutput struct {
	// Image is RGBA, row major, NumPixels()*4 floats.
	Image []float32

	// FinalIndex is the exclusive end of the contributing intersections of
	// every pixel.
	FinalIndex []uint32

	// Visible[cid] is set to 1 when compact splat cid contributed to a pixel.
	// Optional.
	Visible []uint32
}

// splatAlpha evaluates projected splat p at the pixel center (pixX, pixY).
// Both raster passes use it so they agree on which splats contribute.
func splatAlpha(p *ProjectedSplat, pixX, pixY float32) (sigma, vis, alpha, dx, dy float32) {
	dx = p.XY[0] - pixX
	dy = p.XY[1] - pixY
	sigma = 0.5*(p.Conic[0]*dx*dx+p.Conic[2]*dy*dy) + p.Conic[1]*dx*dy
	vis = math32.Exp(-sigma)
	alpha = min(MaxAlpha, p.Color[3]*vis)
	return sigma, vis, alpha, dx, dy
}

// tileOrigin returns the first pixel of a tile.
func tileOrigin(u *Uniforms, tile int) (uint32, uint32) {
	t := uint32(tile)
	return (t % u.TileBoundsX) * TileWidth, (t / u.TileBoundsX) * TileWidth
}

// Rasterize composites the splats of every tile front to back. One
// workgroup handles one tile with one invocation per pixel.
func Rasterize(pool *parallel.WorkerPool, in RasterInput, out RasterOutput) error {
	return pool.Dispatch(int(in.Uniforms.NumTiles()), func(wg int) {
		rasterizeTile(&in, &out, wg)
	})
}

func rasterizeTile(in *RasterInput, out *RasterOutput, tile int) {
	u := in.Uniforms
	ox, oy := tileOrigin(u, tile)
	start, end := in.TileOffsets[tile], in.TileOffsets[tile+1]

	var (
		trans    [TileSize]float32
		pix      [TileSize]f32.Vec3
		final    [TileSize]uint32
		done     [TileSize]bool
		batch    [TileSize]ProjectedSplat
		batchCid [TileSize]uint32
	)

	remaining := 0
	for i := range TileSize {
		px, py := ox+uint32(i%TileWidth), oy+uint32(i/TileWidth)
		trans[i] = 1
		final[i] = start
		done[i] = px >= u.ImgWidth || py >= u.ImgHeight
		if !done[i] {
			remaining++
		}
	}

	for b := start; b < end && remaining > 0; b += TileSize {
		n := int(min(TileSize, end-b))

		// Every invocation loads one splat, done or not.
		for i := range n {
			cid := in.CompactGidFromIsect[b+uint32(i)]
			batchCid[i] = cid
			batch[i] = in.Projected[cid]
		}

		for i := range TileSize {
			if done[i] {
				continue
			}
			pixX := float32(ox+uint32(i%TileWidth)) + 0.5
			pixY := float32(oy+uint32(i/TileWidth)) + 0.5
			t := trans[i]
			c := pix[i]

			for j := range n {
				p := &batch[j]
				sigma, _, alpha, _, _ := splatAlpha(p, pixX, pixY)
				if sigma < 0 || alpha < MinAlpha {
					continue
				}
				nextT := t * (1 - alpha)
				if nextT <= MinTransmittance {
					done[i] = true
					remaining--
					break
				}
				fac := alpha * t
				c[0] += fac * p.Color[0]
				c[1] += fac * p.Color[1]
				c[2] += fac * p.Color[2]
				t = nextT
				final[i] = b + uint32(j) + 1
				if out.Visible != nil {
					atomic.StoreUint32(&out.Visible[batchCid[j]], 1)
				}
			}
			trans[i] = t
			pix[i] = c
		}
	}

	bg := u.Background
	for i := range TileSize {
		px, py := ox+uint32(i%TileWidth), oy+uint32(i/TileWidth)
		if px >= u.ImgWidth || py >= u.ImgHeight {
			continue
		}
		idx := int(py*u.ImgWidth + px)
		t := trans[i]
		o := out.Image[idx*4 : idx*4+4]
		o[0] = pix[i][0] + t*bg[0]
		o[1] = pix[i][1] + t*bg[1]
		o[2] = pix[i][2] + t*bg[2]
		o[3] = 1 - t
		out.FinalIndex[idx] = final[i]
	}
}
