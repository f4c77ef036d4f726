// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/parallel"
)

// RasterBackwardInput holds the forward state and the image gradient.
type RasterBackwardInput struct {
	RasterInput

	// Image and FinalIndex are the forward outputs.
	Image      []float32
	FinalIndex []uint32

	// VOut is dL/dImage, RGBA per pixel.
	VOut []float32
}

// RasterBackwardOutput receives screen-space gradients per compact splat.
type RasterBackwardOutput struct {
	// VGrads holds GradStride floats per compact splat: xy, conic, rgb,
	// opacity.
	VGrads *AtomicFloats

	// VRefine holds the summed |dL/dxy| per compact splat.
	VRefine *AtomicFloats
}

const gradEntryLen = GradStride + RefineStride

type gradEntry struct {
	cid uint32
	g   [gradEntryLen]float32
}

// gradBatch is the workgroup-memory gradient queue.
type gradBatch struct {
	entries [GradBatchSize]gradEntry
	n       int
}

// push enqueues one entry and reports whether the queue is full.
func (b *gradBatch) push(cid uint32, g *[gradEntryLen]float32) bool {
	b.entries[b.n] = gradEntry{cid: cid, g: *g}
	b.n++
	return b.n == GradBatchSize
}

func (b *gradBatch) flush(out *RasterBackwardOutput) {
	for _, e := range b.entries[:b.n] {
		base := int(e.cid) * GradStride
		for k := range GradStride {
			out.VGrads.Add(base+k, e.g[k])
		}
		rbase := int(e.cid) * RefineStride
		out.VRefine.Add(rbase, e.g[GradStride])
		out.VRefine.Add(rbase+1, e.g[GradStride+1])
	}
	b.n = 0
}

// RasterizeBackward replays every tile back to front and accumulates the
// screen-space gradients of each contributing splat. Per splat, the lanes
// of a subgroup are summed in lane order and queued once; the queue is
// flushed with atomic adds when full and after every batch.
func RasterizeBackward(pool *parallel.WorkerPool, in RasterBackwardInput, out RasterBackwardOutput) error {
	return pool.Dispatch(int(in.Uniforms.NumTiles()), func(wg int) {
		rasterizeTileBackward(&in, &out, wg)
	})
}

func rasterizeTileBackward(in *RasterBackwardInput, out *RasterBackwardOutput, tile int) {
	u := in.Uniforms
	ox, oy := tileOrigin(u, tile)
	start, end := in.TileOffsets[tile], in.TileOffsets[tile+1]
	if start == end {
		return
	}

	var (
		inside   [TileSize]bool
		trans    [TileSize]float32
		transFin [TileSize]float32
		buffer   [TileSize]f32.Vec3
		vOut     [TileSize]f32.Vec4
		final    [TileSize]uint32
		batch    [TileSize]ProjectedSplat
		batchCid [TileSize]uint32
		grads    gradBatch
	)

	bg := u.Background
	var maxFinal uint32
	for i := range TileSize {
		px, py := ox+uint32(i%TileWidth), oy+uint32(i/TileWidth)
		if px >= u.ImgWidth || py >= u.ImgHeight {
			continue
		}
		inside[i] = true
		idx := int(py*u.ImgWidth + px)
		t := 1 - in.Image[idx*4+3]
		trans[i] = t
		transFin[i] = t
		buffer[i] = f32.Vec3{t * bg[0], t * bg[1], t * bg[2]}
		vOut[i] = f32.Vec4{in.VOut[idx*4], in.VOut[idx*4+1], in.VOut[idx*4+2], in.VOut[idx*4+3]}
		final[i] = in.FinalIndex[idx]
		maxFinal = max(maxFinal, final[i])
	}

	// Nothing past the last contributor of any pixel needs replaying.
	end = min(end, maxFinal)

	for bEnd := end; bEnd > start; {
		bStart := max(start, bEnd-min(bEnd, TileSize))
		n := int(bEnd - bStart)

		for i := range n {
			cid := in.CompactGidFromIsect[bStart+uint32(i)]
			batchCid[i] = cid
			batch[i] = in.Projected[cid]
		}

		for j := n - 1; j >= 0; j-- {
			isect := bStart + uint32(j)
			p := &batch[j]

			for sg := range TileSize / SubgroupSize {
				var sum [gradEntryLen]float32
				hit := false

				for lane := range SubgroupSize {
					i := sg*SubgroupSize + lane
					if !inside[i] || isect >= final[i] {
						continue
					}
					pixX := float32(ox+uint32(i%TileWidth)) + 0.5
					pixY := float32(oy+uint32(i/TileWidth)) + 0.5
					sigma, vis, alpha, dx, dy := splatAlpha(p, pixX, pixY)
					if sigma < 0 || alpha < MinAlpha {
						continue
					}
					hit = true

					ra := 1 / (1 - alpha)
					t := trans[i] * ra
					trans[i] = t
					fac := alpha * t
					vc := vOut[i]

					var vAlpha float32
					for k := range 3 {
						vAlpha += (p.Color[k]*t - buffer[i][k]*ra) * vc[k]
						sum[5+k] += fac * vc[k]
						buffer[i][k] += p.Color[k] * fac
					}
					vAlpha += transFin[i] * ra * vc[3]

					opac := p.Color[3]
					if opac*vis > MaxAlpha {
						// Clamped alpha is constant in sigma and opacity.
						continue
					}
					vSigma := -opac * vis * vAlpha
					vxy0 := vSigma * (p.Conic[0]*dx + p.Conic[1]*dy)
					vxy1 := vSigma * (p.Conic[1]*dx + p.Conic[2]*dy)

					sum[0] += vxy0
					sum[1] += vxy1
					sum[2] += 0.5 * vSigma * dx * dx
					sum[3] += vSigma * dx * dy
					sum[4] += 0.5 * vSigma * dy * dy
					sum[8] += vis * vAlpha
					sum[GradStride] += math32.Abs(vxy0)
					sum[GradStride+1] += math32.Abs(vxy1)
				}

				if hit && grads.push(batchCid[j], &sum) {
					grads.flush(out)
				}
			}
		}
		grads.flush(out)
		bEnd = bStart
	}
}
