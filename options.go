package splat

import (
	"github.com/gogpu/gpucontext"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/kernels"
)

// Option configures a Renderer during creation.
//
// Example:
//
//	// CPU rendering on all cores
//	r := splat.NewRenderer()
//
//	// Raster stages on a shared GPU device
//	r := splat.NewRenderer(splat.WithDevice(provider))
type Option func(*rendererOptions)

// rendererOptions holds optional configuration for Renderer creation.
type rendererOptions struct {
	workers          int
	blur             float32
	maxIntersections uint32
	device           gpucontext.DeviceProvider
	background       f32.Vec3
}

// defaultOptions returns the default renderer options.
func defaultOptions() rendererOptions {
	return rendererOptions{
		workers:          0, // GOMAXPROCS
		blur:             kernels.DefaultBlur,
		maxIntersections: kernels.MaxIntersections,
	}
}

// WithWorkers sets the number of worker goroutines that execute kernel
// dispatches. Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *rendererOptions) {
		o.workers = n
	}
}

// WithCovarianceBlur sets the screen-space dilation added to every 2D
// covariance, in px². The default of 0.3 keeps sub-pixel splats from
// aliasing; zero disables it.
func WithCovarianceBlur(blur float32) Option {
	return func(o *rendererOptions) {
		o.blur = max(blur, 0)
	}
}

// WithMaxIntersections sets the per-render budget of (tile, splat)
// intersections. Renders that exceed it fail with ErrTooManyIntersections.
func WithMaxIntersections(n uint32) Option {
	return func(o *rendererOptions) {
		if n > 0 {
			o.maxIntersections = n
		}
	}
}

// WithDevice runs the raster stages on the GPU device of provider. The
// provider must expose HalDevice() any and HalQueue() any returning
// wgpu/hal types. Stages the device cannot run fall back to the CPU.
func WithDevice(provider gpucontext.DeviceProvider) Option {
	return func(o *rendererOptions) {
		o.device = provider
	}
}

// WithBackground sets the color composited behind the splats. The alpha
// channel of rendered images is unaffected.
func WithBackground(rgb f32.Vec3) Option {
	return func(o *rendererOptions) {
		o.background = rgb
	}
}
