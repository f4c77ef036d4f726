// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package kernels contains the compute kernels of the splat renderer.
//
// Every kernel is a function over a workgroup id dispatched on a
// parallel.WorkerPool. Invocations inside a workgroup are plain loops,
// workgroup shared memory is a local array, and a barrier is the boundary
// between two such loops. Kernels never allocate device buffers; the caller
// owns every input and output slice.
package kernels

import (
	"golang.org/x/image/math/f32"
)

const (
	// TileWidth is the side of a raster tile in pixels.
	TileWidth = 16

	// TileSize is the number of pixels (and invocations) of a raster tile.
	TileSize = TileWidth * TileWidth

	// MainWorkgroupSize is the workgroup size of the per-splat kernels.
	MainWorkgroupSize = 256

	// SubgroupSize is the width of one subgroup in the backward kernel.
	SubgroupSize = 32

	// GradBatchSize is the number of entries the backward kernel gathers in
	// workgroup memory before flushing them to the global gradients.
	GradBatchSize = 64

	// MaxIntersections is the default intersection budget of one render.
	MaxIntersections = 512 * 65535

	// MinAlpha is the smallest alpha that contributes to a pixel.
	MinAlpha float32 = 1.0 / 255.0

	// MaxAlpha clamps the alpha of a single splat.
	MaxAlpha float32 = 0.99

	// MinTransmittance ends compositing of a pixel.
	MinTransmittance float32 = 1e-4

	// NearPlane and FarPlane bound the visible camera-space depth.
	NearPlane float32 = 0.01
	FarPlane  float32 = 1e10

	// DefaultBlur is the screen-space covariance dilation in px².
	DefaultBlur float32 = 0.3
)

// Uniforms holds the per-render constants shared by all kernels.
type Uniforms struct {
	// ViewRot and ViewTrans map world space to camera space.
	ViewRot   f32.Mat3
	ViewTrans f32.Vec3

	// CamPos is the camera position in world space.
	CamPos f32.Vec3

	Focal       f32.Vec2
	PixelCenter f32.Vec2

	ImgWidth, ImgHeight      uint32
	TileBoundsX, TileBoundsY uint32

	SHDegree    int
	TotalSplats uint32

	// Blur is added to the diagonal of every 2D covariance.
	Blur float32

	// Background is composited behind the splats.
	Background f32.Vec3
}

// NumTiles returns the number of raster tiles.
func (u *Uniforms) NumTiles() uint32 {
	return u.TileBoundsX * u.TileBoundsY
}

// NumPixels returns the number of image pixels.
func (u *Uniforms) NumPixels() int {
	return int(u.ImgWidth) * int(u.ImgHeight)
}

// SplatBuffers is a read-only columnar view of the splat parameters.
type SplatBuffers struct {
	Means        []f32.Vec3
	Rotations    []f32.Vec4 // w, x, y, z; not necessarily normalized
	LogScales    []f32.Vec3
	RawOpacities []float32

	// SHCoeffs holds SHStride() floats per splat, band-major with
	// interleaved RGB.
	SHCoeffs []float32
	SHDegree int
}

// Len returns the number of splats.
func (b SplatBuffers) Len() int {
	return len(b.Means)
}

// SHStride returns the number of floats per splat in SHCoeffs.
func (b SplatBuffers) SHStride() int {
	return NumSHCoeffs(b.SHDegree) * 3
}

// ProjectedSplat is the screen-space form of a visible splat.
type ProjectedSplat struct {
	XY    f32.Vec2
	Conic f32.Vec3 // a, b, c of the inverse 2D covariance
	Color f32.Vec4 // RGB and opacity
}

// ProjectedStride is the number of floats of a packed ProjectedSplat.
const ProjectedStride = 9

// PackProjected flattens projected splats into ProjectedStride floats each.
func PackProjected(ps []ProjectedSplat) []float32 {
	out := make([]float32, len(ps)*ProjectedStride)
	for i, p := range ps {
		o := out[i*ProjectedStride:]
		o[0], o[1] = p.XY[0], p.XY[1]
		o[2], o[3], o[4] = p.Conic[0], p.Conic[1], p.Conic[2]
		o[5], o[6], o[7], o[8] = p.Color[0], p.Color[1], p.Color[2], p.Color[3]
	}
	return out
}

// TileRect is a half-open range of tiles [MinX, MaxX) x [MinY, MaxY).
type TileRect struct {
	MinX, MinY, MaxX, MaxY uint32
}

// Count returns the number of tiles in the rectangle.
func (r TileRect) Count() uint32 {
	if r.MaxX <= r.MinX || r.MaxY <= r.MinY {
		return 0
	}
	return (r.MaxX - r.MinX) * (r.MaxY - r.MinY)
}

// GradStride is the number of floats per visible splat in the screen-space
// gradient buffer: xy (2), conic (3), rgb (3), opacity (1).
const GradStride = 9

// RefineStride is the number of floats per visible splat in the refine
// weight buffer.
const RefineStride = 2
