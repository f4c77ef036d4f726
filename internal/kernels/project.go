// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/parallel"
)

// splatGeom holds the forward intermediates of one splat's projection. The
// backward kernel recomputes it instead of storing it.
type splatGeom struct {
	meanC f32.Vec3

	quat     f32.Vec4 // normalized
	quatNorm float32
	rot      f32.Mat3
	scale    f32.Vec3
	m        f32.Mat3 // rot * diag(scale)
	cov3d    f32.Mat3

	j              mat23
	clampX, clampY bool
	tx, ty         float32

	// t is j * ViewRot.
	t     mat23
	cov2d f32.Vec3 // a, b, c with blur applied
}

func computeGeom(u *Uniforms, mean f32.Vec3, rawQuat f32.Vec4, logScale f32.Vec3) splatGeom {
	var g splatGeom
	g.meanC = mat3MulVec(u.ViewRot, mean)
	g.meanC[0] += u.ViewTrans[0]
	g.meanC[1] += u.ViewTrans[1]
	g.meanC[2] += u.ViewTrans[2]

	g.quat, g.quatNorm = NormalizeQuat(rawQuat)
	g.rot = QuatToMat(g.quat)
	g.scale = f32.Vec3{math32.Exp(logScale[0]), math32.Exp(logScale[1]), math32.Exp(logScale[2])}
	g.cov3d, g.m = covariance3D(g.rot, g.scale)

	g.jacobian(u)
	g.t = g.j.mul3(u.ViewRot)
	g.cov2d = g.t.sandwich(g.cov3d)
	g.cov2d[0] += u.Blur
	g.cov2d[2] += u.Blur
	return g
}

// jacobian fills the affine approximation of the perspective projection at
// the camera-space mean. Off-screen means are clamped to a margin around the
// view frustum so that their footprint stays bounded.
func (g *splatGeom) jacobian(u *Uniforms) {
	fx, fy := u.Focal[0], u.Focal[1]
	cx, cy := u.PixelCenter[0], u.PixelCenter[1]
	w, h := float32(u.ImgWidth), float32(u.ImgHeight)

	tanFovX := 0.5 * w / fx
	tanFovY := 0.5 * h / fy
	limXPos := (w-cx)/fx + 0.3*tanFovX
	limXNeg := cx/fx + 0.3*tanFovX
	limYPos := (h-cy)/fy + 0.3*tanFovY
	limYNeg := cy/fy + 0.3*tanFovY

	x, y, z := g.meanC[0], g.meanC[1], g.meanC[2]
	rz := 1 / z
	rz2 := rz * rz

	kx := x * rz
	ky := y * rz
	g.clampX = kx < -limXNeg || kx > limXPos
	g.clampY = ky < -limYNeg || ky > limYPos
	g.tx = z * min(limXPos, max(-limXNeg, kx))
	g.ty = z * min(limYPos, max(-limYNeg, ky))

	g.j = mat23{
		fx * rz, 0, -fx * g.tx * rz2,
		0, fy * rz, -fy * g.ty * rz2,
	}
}

// conic inverts a 2D covariance. ok is false for degenerate covariances.
func conic(cov f32.Vec3) (c f32.Vec3, det float32, ok bool) {
	det = cov[0]*cov[2] - cov[1]*cov[1]
	if det <= 0 {
		return c, det, false
	}
	inv := 1 / det
	return f32.Vec3{cov[2] * inv, -cov[1] * inv, cov[0] * inv}, det, true
}

// radius returns three standard deviations of the major axis, in pixels.
func radius(cov f32.Vec3, det float32) float32 {
	b := 0.5 * (cov[0] + cov[2])
	v1 := b + math32.Sqrt(max(0.1, b*b-det))
	return math32.Ceil(3 * math32.Sqrt(v1))
}

func projectMean(u *Uniforms, meanC f32.Vec3) f32.Vec2 {
	rz := 1 / meanC[2]
	return f32.Vec2{
		u.Focal[0]*meanC[0]*rz + u.PixelCenter[0],
		u.Focal[1]*meanC[1]*rz + u.PixelCenter[1],
	}
}

// tileRect returns the tiles overlapped by the square of half side r
// around xy, clamped to the tile grid.
func tileRect(u *Uniforms, xy f32.Vec2, r float32) TileRect {
	clampTile := func(v float32, hi uint32) uint32 {
		if v <= 0 {
			return 0
		}
		if v >= float32(hi) {
			return hi
		}
		return uint32(v)
	}
	const tw = float32(TileWidth)
	return TileRect{
		MinX: clampTile(math32.Floor((xy[0]-r)/tw), u.TileBoundsX),
		MinY: clampTile(math32.Floor((xy[1]-r)/tw), u.TileBoundsY),
		MaxX: clampTile(math32.Floor((xy[0]+r+tw-1)/tw), u.TileBoundsX),
		MaxY: clampTile(math32.Floor((xy[1]+r+tw-1)/tw), u.TileBoundsY),
	}
}

// footprint is the screen-space result of projecting one splat.
type footprint struct {
	geom  splatGeom
	xy    f32.Vec2
	conic f32.Vec3
	rect  TileRect
}

// project runs the culling tests of one splat. ok is false when the splat
// cannot cover any pixel.
func project(u *Uniforms, s SplatBuffers, gid int) (fp footprint, ok bool) {
	mean := s.Means[gid]
	meanC := mat3MulVec(u.ViewRot, mean)
	z := meanC[2] + u.ViewTrans[2]
	if z < NearPlane || z > FarPlane {
		return fp, false
	}
	if Sigmoid(s.RawOpacities[gid]) < MinAlpha {
		return fp, false
	}

	fp.geom = computeGeom(u, mean, s.Rotations[gid], s.LogScales[gid])
	var det float32
	fp.conic, det, ok = conic(fp.geom.cov2d)
	if !ok {
		return fp, false
	}

	r := radius(fp.geom.cov2d, det)
	fp.xy = projectMean(u, fp.geom.meanC)
	if fp.xy[0]+r <= 0 || fp.xy[0]-r >= float32(u.ImgWidth) ||
		fp.xy[1]+r <= 0 || fp.xy[1]-r >= float32(u.ImgHeight) {
		return fp, false
	}

	fp.rect = tileRect(u, fp.xy, r)
	if fp.rect.Count() == 0 {
		return fp, false
	}
	return fp, true
}

// ProjectSplats culls every splat. visible[gid] is set to 1 for splats that
// may cover a pixel and depths[gid] receives their camera-space depth.
func ProjectSplats(pool *parallel.WorkerPool, u *Uniforms, s SplatBuffers, visible []uint32, depths []float32) error {
	n := s.Len()
	return pool.Dispatch(parallel.WorkgroupCount(n, MainWorkgroupSize), func(wg int) {
		start := wg * MainWorkgroupSize
		end := min(start+MainWorkgroupSize, n)
		for gid := start; gid < end; gid++ {
			fp, ok := project(u, s, gid)
			if !ok {
				visible[gid] = 0
				depths[gid] = 0
				continue
			}
			visible[gid] = 1
			depths[gid] = fp.geom.meanC[2]
		}
	})
}

// CompactVisible scatters the visible splats to their exclusive-scan offsets,
// writing global ids and depth sort keys in presort order.
func CompactVisible(pool *parallel.WorkerPool, visible, offsets []uint32, depths []float32, presortGid, presortDepth []uint32) error {
	n := len(visible)
	return pool.Dispatch(parallel.WorkgroupCount(n, MainWorkgroupSize), func(wg int) {
		start := wg * MainWorkgroupSize
		end := min(start+MainWorkgroupSize, n)
		for gid := start; gid < end; gid++ {
			if visible[gid] == 0 {
				continue
			}
			dst := offsets[gid]
			presortGid[dst] = uint32(gid)
			// Depths are positive, so their bit patterns sort like the floats.
			presortDepth[dst] = math32.Float32bits(depths[gid])
		}
	})
}

// ProjectVisible computes the screen-space splat of every visible splat in
// depth order. tilesHit must have one more entry than globalFromCompact;
// the tile count of compact splat i is written to tilesHit[i+1].
func ProjectVisible(pool *parallel.WorkerPool, u *Uniforms, s SplatBuffers, globalFromCompact []uint32,
	projected []ProjectedSplat, rects []TileRect, tilesHit []uint32) error {
	n := len(globalFromCompact)
	stride := s.SHStride()
	tilesHit[0] = 0

	return pool.Dispatch(parallel.WorkgroupCount(n, MainWorkgroupSize), func(wg int) {
		start := wg * MainWorkgroupSize
		end := min(start+MainWorkgroupSize, n)
		for cid := start; cid < end; cid++ {
			gid := int(globalFromCompact[cid])
			fp, ok := project(u, s, gid)
			if !ok {
				// Culled by ProjectSplats; keep the slot inert.
				projected[cid] = ProjectedSplat{}
				rects[cid] = TileRect{}
				tilesHit[cid+1] = 0
				continue
			}

			dir, _ := viewDir(s.Means[gid], u.CamPos)
			rgb := ShadeSH(s.SHDegree, s.SHCoeffs[gid*stride:(gid+1)*stride], dir)

			projected[cid] = ProjectedSplat{
				XY:    fp.xy,
				Conic: fp.conic,
				Color: f32.Vec4{rgb[0], rgb[1], rgb[2], Sigmoid(s.RawOpacities[gid])},
			}
			rects[cid] = fp.rect
			tilesHit[cid+1] = fp.rect.Count()
		}
	})
}
