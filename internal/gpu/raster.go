// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// raster.go runs the forward and backward splat raster stages on a HAL
// device. The shaders mirror the CPU kernels in internal/kernels and read
// the same sorted intersection lists, so either path can serve a render.

package gpu

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// =============================================================================
// Embedded WGSL Shader Sources
// =============================================================================

//go:embed shaders/rasterize.wgsl
var shaderRasterize string

//go:embed shaders/rasterize_backward.wgsl
var shaderRasterizeBackward string

// =============================================================================
// Constants
// =============================================================================

const (
	// rasterWGSize matches @workgroup_size in both raster shaders: one
	// invocation per pixel of a 16x16 tile.
	rasterWGSize = 256

	// projectedWords is the number of f32 per ProjectedSplat.
	projectedWords = 9

	gradWords   = 9
	refineWords = 2

	// maxWorkgroups is the per-dimension dispatch limit.
	maxWorkgroups = 65535

	// rasterFenceTimeout is the maximum time to wait for GPU work to complete.
	rasterFenceTimeout = 5 * time.Second
)

// =============================================================================
// RasterStage
// =============================================================================

// RasterStage identifies one of the raster compute pipelines.
type RasterStage int

const (
	// RasterStageForward composites the splats of every tile front to back.
	// Output: image, final index per pixel, visible flag per splat.
	RasterStageForward RasterStage = iota

	// RasterStageBackward replays every tile back to front.
	// Output: screen-space gradients and refine weights per splat.
	RasterStageBackward

	// RasterStageCount is the number of raster stages.
	RasterStageCount
)

// String returns the shader name of the stage.
func (s RasterStage) String() string {
	switch s {
	case RasterStageForward:
		return "rasterize"
	case RasterStageBackward:
		return "rasterize_backward"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// =============================================================================
// RasterParams
// =============================================================================

// RasterParams is the uniform block shared by both raster shaders. It must
// match the WGSL Uniforms struct: 48 bytes.
type RasterParams struct {
	ImgWidth, ImgHeight      uint32
	TileBoundsX, TileBoundsY uint32
	Background               [3]float32
	NumVisible               uint32
	NumIntersections         uint32
}

// NumTiles returns the number of tiles, one workgroup each.
func (p RasterParams) NumTiles() uint32 {
	return p.TileBoundsX * p.TileBoundsY
}

// NumPixels returns the number of image pixels.
func (p RasterParams) NumPixels() uint32 {
	return p.ImgWidth * p.ImgHeight
}

func (p RasterParams) sizeInBytes() uint64 {
	return 12 * 4 // 48 bytes
}

// toBytes serializes the params in little-endian order. Background is
// padded to a vec4 and the block to a multiple of 16 bytes.
func (p RasterParams) toBytes() []byte {
	buf := make([]byte, p.sizeInBytes())
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], p.ImgWidth)
	le.PutUint32(buf[4:8], p.ImgHeight)
	le.PutUint32(buf[8:12], p.TileBoundsX)
	le.PutUint32(buf[12:16], p.TileBoundsY)
	le.PutUint32(buf[16:20], math32.Float32bits(p.Background[0]))
	le.PutUint32(buf[20:24], math32.Float32bits(p.Background[1]))
	le.PutUint32(buf[24:28], math32.Float32bits(p.Background[2]))
	le.PutUint32(buf[32:36], p.NumVisible)
	le.PutUint32(buf[36:40], p.NumIntersections)
	return buf
}

// ForwardResult holds the read back outputs of the forward stage.
type ForwardResult struct {
	// Image is RGBA per pixel.
	Image      []float32
	FinalIndex []uint32

	// Visible is 1 for every compact splat that contributed to a pixel.
	Visible []uint32
}

// BackwardResult holds the read back outputs of the backward stage.
type BackwardResult struct {
	VGrads  []float32
	VRefine []float32
}

// =============================================================================
// RasterDispatcher
// =============================================================================

// RasterDispatcher compiles the raster shaders once and runs them on
// demand. Every call allocates its own buffers, so concurrent calls are
// safe.
type RasterDispatcher struct {
	mu sync.RWMutex

	device hal.Device
	queue  hal.Queue

	pipelines       [RasterStageCount]hal.ComputePipeline
	pipelineLayouts [RasterStageCount]hal.PipelineLayout
	bgLayouts       [RasterStageCount]hal.BindGroupLayout
	shaderModules   [RasterStageCount]hal.ShaderModule
	shaderSources   [RasterStageCount]string

	initialized bool
}

// NewRasterDispatcher creates a dispatcher on the given device and queue.
// Init must be called before Forward or Backward.
func NewRasterDispatcher(device hal.Device, queue hal.Queue) *RasterDispatcher {
	return &RasterDispatcher{
		device: device,
		queue:  queue,
		shaderSources: [RasterStageCount]string{
			RasterStageForward:  shaderRasterize,
			RasterStageBackward: shaderRasterizeBackward,
		},
	}
}

// NewRasterDispatcherFromProvider creates a dispatcher on a shared device.
// The provider must implement HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue.
func NewRasterDispatcherFromProvider(provider any) (*RasterDispatcher, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("gpu-raster: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("gpu-raster: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("gpu-raster: provider HalQueue is not hal.Queue")
	}
	return NewRasterDispatcher(device, queue), nil
}

// stageBindGroupLayoutEntries returns the layout entries of a stage. They
// match the @group(0) @binding(N) declarations of its shader.
func stageBindGroupLayoutEntries(stage RasterStage) []gputypes.BindGroupLayoutEntry {
	uniform := gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	}
	storageRO := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}
	}
	storageRW := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}

	switch stage {
	case RasterStageForward:
		// @binding(1) projected, (2) compact_gid_from_isect, (3) tile_offsets
		// @binding(4) out_img, (5) final_index, (6) visible
		return []gputypes.BindGroupLayoutEntry{
			uniform, storageRO(1), storageRO(2), storageRO(3),
			storageRW(4), storageRW(5), storageRW(6),
		}

	case RasterStageBackward:
		// @binding(1) projected, (2) compact_gid_from_isect, (3) tile_offsets,
		// (4) image, (5) final_index, (6) v_output
		// @binding(7) v_grads, (8) v_refine
		return []gputypes.BindGroupLayoutEntry{
			uniform, storageRO(1), storageRO(2), storageRO(3),
			storageRO(4), storageRO(5), storageRO(6),
			storageRW(7), storageRW(8),
		}

	default:
		return nil
	}
}

// Init compiles the shaders and creates the compute pipelines. Calling it
// again after success is a no-op.
func (d *RasterDispatcher) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	for i := RasterStage(0); i < RasterStageCount; i++ {
		src := d.shaderSources[i]
		if src == "" {
			return fmt.Errorf("gpu-raster: missing shader source for stage %s", i)
		}

		module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label:  i.String(),
			Source: hal.ShaderSource{WGSL: src},
		})
		if err != nil {
			d.destroyPartialInit(i)
			return fmt.Errorf("gpu-raster: create shader module for %s: %w", i, err)
		}
		d.shaderModules[i] = module

		entries := stageBindGroupLayoutEntries(i)
		bgLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   i.String() + "_bgl",
			Entries: entries,
		})
		if err != nil {
			d.destroyPartialInit(i + 1)
			return fmt.Errorf("gpu-raster: create bind group layout for %s: %w", i, err)
		}
		d.bgLayouts[i] = bgLayout

		pipelineLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            i.String() + "_pl",
			BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
		})
		if err != nil {
			d.destroyPartialInit(i + 1)
			return fmt.Errorf("gpu-raster: create pipeline layout for %s: %w", i, err)
		}
		d.pipelineLayouts[i] = pipelineLayout

		pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  i.String(),
			Layout: pipelineLayout,
			Compute: hal.ComputeState{
				Module:     module,
				EntryPoint: "main",
			},
		})
		if err != nil {
			d.destroyPartialInit(i + 1)
			return fmt.Errorf("gpu-raster: create compute pipeline for %s: %w", i, err)
		}
		d.pipelines[i] = pipeline

		slogger().Debug("gpu-raster: pipeline created",
			"stage", i.String(),
			"bindings", len(entries),
			"shader_bytes", len(src))
	}

	d.initialized = true
	return nil
}

// destroyPartialInit releases the resources of stages [0, upTo).
func (d *RasterDispatcher) destroyPartialInit(upTo RasterStage) {
	for j := RasterStage(0); j < upTo; j++ {
		d.destroyStage(j)
	}
}

func (d *RasterDispatcher) destroyStage(s RasterStage) {
	if d.pipelines[s] != nil {
		d.device.DestroyComputePipeline(d.pipelines[s])
		d.pipelines[s] = nil
	}
	if d.pipelineLayouts[s] != nil {
		d.device.DestroyPipelineLayout(d.pipelineLayouts[s])
		d.pipelineLayouts[s] = nil
	}
	if d.bgLayouts[s] != nil {
		d.device.DestroyBindGroupLayout(d.bgLayouts[s])
		d.bgLayouts[s] = nil
	}
	if d.shaderModules[s] != nil {
		d.device.DestroyShaderModule(d.shaderModules[s])
		d.shaderModules[s] = nil
	}
}

// Close releases all pipelines. The shared device itself is not destroyed.
func (d *RasterDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := RasterStage(0); i < RasterStageCount; i++ {
		d.destroyStage(i)
	}
	d.initialized = false
}

// =============================================================================
// Dispatch
// =============================================================================

// bufSpec describes one binding of a dispatch.
type bufSpec struct {
	label string

	// data is uploaded when set; otherwise the buffer is zero-filled.
	data []byte
	size uint64

	usage gputypes.BufferUsage

	// readback copies the buffer to a staging buffer after the dispatch.
	readback bool
}

// dispatchResources tracks per-call GPU resources for cleanup.
type dispatchResources struct {
	device    hal.Device
	buffers   []hal.Buffer
	sizes     []uint64
	staging   map[int]hal.Buffer
	bindGroup hal.BindGroup
	cmdBuf    hal.CommandBuffer
	fence     hal.Fence
}

func (r *dispatchResources) cleanup() {
	if r.fence != nil {
		r.device.DestroyFence(r.fence)
	}
	if r.cmdBuf != nil {
		r.device.FreeCommandBuffer(r.cmdBuf)
	}
	if r.bindGroup != nil {
		r.device.DestroyBindGroup(r.bindGroup)
	}
	for _, b := range r.staging {
		r.device.DestroyBuffer(b)
	}
	for _, b := range r.buffers {
		r.device.DestroyBuffer(b)
	}
}

// Forward runs the forward raster stage.
func (d *RasterDispatcher) Forward(p RasterParams, projected []float32, compactGidFromIsect, tileOffsets []uint32) (*ForwardResult, error) {
	pixels := uint64(p.NumPixels())
	storageIn := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	storageOut := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc

	specs := []bufSpec{
		{label: "raster_params", data: p.toBytes(), usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst},
		{label: "raster_projected", data: f32Bytes(projected), usage: storageIn},
		{label: "raster_isect", data: u32Bytes(compactGidFromIsect), usage: storageIn},
		{label: "raster_tile_offsets", data: u32Bytes(tileOffsets), usage: storageIn},
		{label: "raster_image", size: pixels * 16, usage: storageOut, readback: true},
		{label: "raster_final_index", size: pixels * 4, usage: storageOut, readback: true},
		{label: "raster_visible", size: uint64(p.NumVisible) * 4, usage: storageOut, readback: true},
	}

	out, err := d.dispatch(RasterStageForward, p, specs)
	if err != nil {
		return nil, err
	}
	return &ForwardResult{
		Image:      bytesF32(out[4]),
		FinalIndex: bytesU32(out[5]),
		Visible:    bytesU32(out[6]),
	}, nil
}

// Backward runs the backward raster stage.
func (d *RasterDispatcher) Backward(p RasterParams, projected []float32, compactGidFromIsect, tileOffsets, finalIndex []uint32, image, vOut []float32) (*BackwardResult, error) {
	storageIn := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	storageOut := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc

	specs := []bufSpec{
		{label: "raster_params", data: p.toBytes(), usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst},
		{label: "raster_projected", data: f32Bytes(projected), usage: storageIn},
		{label: "raster_isect", data: u32Bytes(compactGidFromIsect), usage: storageIn},
		{label: "raster_tile_offsets", data: u32Bytes(tileOffsets), usage: storageIn},
		{label: "raster_image", data: f32Bytes(image), usage: storageIn},
		{label: "raster_final_index", data: u32Bytes(finalIndex), usage: storageIn},
		{label: "raster_v_output", data: f32Bytes(vOut), usage: storageIn},
		{label: "raster_v_grads", size: uint64(p.NumVisible) * gradWords * 4, usage: storageOut, readback: true},
		{label: "raster_v_refine", size: uint64(p.NumVisible) * refineWords * 4, usage: storageOut, readback: true},
	}

	out, err := d.dispatch(RasterStageBackward, p, specs)
	if err != nil {
		return nil, err
	}
	return &BackwardResult{
		VGrads:  bytesF32(out[7]),
		VRefine: bytesF32(out[8]),
	}, nil
}

// dispatch uploads specs, binds them in order, runs one workgroup per tile,
// and returns the read back bytes keyed by binding.
func (d *RasterDispatcher) dispatch(stage RasterStage, p RasterParams, specs []bufSpec) (map[int][]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil, fmt.Errorf("gpu-raster: dispatcher not initialized, call Init() first")
	}
	tiles := p.NumTiles()
	if tiles > maxWorkgroups {
		return nil, fmt.Errorf("gpu-raster: %d tiles exceed the dispatch limit", tiles)
	}

	res := &dispatchResources{device: d.device, staging: make(map[int]hal.Buffer)}
	defer res.cleanup()

	entries := make([]gputypes.BindGroupEntry, len(specs))
	for i, s := range specs {
		buf, size, err := d.createBuffer(s)
		if err != nil {
			return nil, err
		}
		res.buffers = append(res.buffers, buf)
		res.sizes = append(res.sizes, size)
		entries[i] = gputypes.BindGroupEntry{
			Binding: uint32(i),
			Resource: gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: 0,
				Size:   0, // entire buffer
			},
		}
		if s.readback {
			staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
				Label: s.label + "_staging",
				Size:  size,
				Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
			})
			if err != nil {
				return nil, fmt.Errorf("gpu-raster: create %s staging buffer: %w", s.label, err)
			}
			res.staging[i] = staging
		}
	}

	bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   stage.String() + "_bg",
		Layout:  d.bgLayouts[stage],
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu-raster: create bind group for %s: %w", stage, err)
	}
	res.bindGroup = bg

	if err := d.encode(res, stage, tiles); err != nil {
		return nil, err
	}
	if err := d.submitAndWait(res); err != nil {
		return nil, err
	}

	out := make(map[int][]byte, len(res.staging))
	for i, staging := range res.staging {
		data := make([]byte, res.sizes[i])
		if err := d.queue.ReadBuffer(staging, 0, data); err != nil {
			return nil, fmt.Errorf("gpu-raster: readback %s: %w", specs[i].label, err)
		}
		out[i] = data[:specs[i].size]
	}

	slogger().Debug("gpu-raster: stage complete",
		"stage", stage.String(),
		"tiles", tiles,
		"visible", p.NumVisible,
		"intersections", p.NumIntersections)
	return out, nil
}

// bufferSize returns the allocated size of a binding, at least 4 bytes.
func bufferSize(s bufSpec) uint64 {
	size := s.size
	if s.data != nil {
		size = uint64(len(s.data))
	}
	return max(size, 4)
}

// createBuffer creates and fills the buffer of one binding.
func (d *RasterDispatcher) createBuffer(s bufSpec) (hal.Buffer, uint64, error) {
	size := bufferSize(s)
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: s.label,
		Size:  size,
		Usage: s.usage,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("gpu-raster: create %s buffer: %w", s.label, err)
	}
	if len(s.data) > 0 {
		d.queue.WriteBuffer(buf, 0, s.data)
	} else {
		d.queue.WriteBuffer(buf, 0, make([]byte, size))
	}
	return buf, size, nil
}

// encode records the compute pass and the readback copies.
func (d *RasterDispatcher) encode(res *dispatchResources, stage RasterStage, tiles uint32) error {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: stage.String(),
	})
	if err != nil {
		return fmt.Errorf("gpu-raster: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(stage.String()); err != nil {
		return fmt.Errorf("gpu-raster: begin encoding: %w", err)
	}

	if tiles > 0 {
		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: stage.String()})
		pass.SetPipeline(d.pipelines[stage])
		pass.SetBindGroup(0, res.bindGroup, nil)
		pass.Dispatch(tiles, 1, 1)
		pass.End()
	}

	for i, staging := range res.staging {
		encoder.CopyBufferToBuffer(res.buffers[i], staging, []hal.BufferCopy{
			{SrcOffset: 0, DstOffset: 0, Size: res.sizes[i]},
		})
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("gpu-raster: end encoding: %w", err)
	}
	res.cmdBuf = cmdBuf
	return nil
}

// submitAndWait submits the command buffer and waits for GPU completion.
func (d *RasterDispatcher) submitAndWait(res *dispatchResources) error {
	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("gpu-raster: create fence: %w", err)
	}
	res.fence = fence

	if err := d.queue.Submit([]hal.CommandBuffer{res.cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("gpu-raster: submit: %w", err)
	}

	ok, err := d.device.Wait(fence, 1, rasterFenceTimeout)
	if err != nil {
		return fmt.Errorf("gpu-raster: wait for GPU: %w", err)
	}
	if !ok {
		return fmt.Errorf("gpu-raster: GPU timeout after %v", rasterFenceTimeout)
	}
	return nil
}

// =============================================================================
// Byte packing
// =============================================================================

func f32Bytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math32.Float32bits(f))
	}
	return buf
}

func u32Bytes(v []uint32) []byte {
	buf := make([]byte, len(v)*4)
	for i, u := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], u)
	}
	return buf
}

func bytesF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math32.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func bytesU32(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}
