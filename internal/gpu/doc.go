// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpu runs the splat raster stages as WGSL compute shaders on a
// shared HAL device.
//
// The dispatcher owns two pipelines:
//
//	rasterize           - front-to-back compositing, one workgroup per tile
//	rasterize_backward  - back-to-front replay with atomic gradient sums
//
// Both read the packed projected splats and the tile-sorted intersection
// lists produced on the CPU by internal/kernels. Results are read back into
// host slices, so callers can fall back to the CPU kernels on any error.
//
// The device is borrowed from a gpucontext.DeviceProvider and is never
// destroyed by this package.
package gpu
