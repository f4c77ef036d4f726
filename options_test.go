package splat

import (
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/kernels"
)

// mockDevice implements gpucontext.Device for testing.
type mockDevice struct{}

func (m *mockDevice) Poll(wait bool) {}
func (m *mockDevice) Destroy()       {}

type mockQueue struct{}

type mockAdapter struct{}

// mockProvider implements gpucontext.DeviceProvider without exposing HAL
// types, so the renderer must fall back to the CPU.
type mockProvider struct{}

func (m *mockProvider) Device() gpucontext.Device             { return &mockDevice{} }
func (m *mockProvider) Queue() gpucontext.Queue               { return &mockQueue{} }
func (m *mockProvider) Adapter() gpucontext.Adapter           { return &mockAdapter{} }
func (m *mockProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }

// TestNewRendererDefault tests the defaults of a renderer without options.
func TestNewRendererDefault(t *testing.T) {
	r := NewRenderer()
	defer r.Close()

	if r.opts.blur != kernels.DefaultBlur {
		t.Errorf("blur = %v, want %v", r.opts.blur, kernels.DefaultBlur)
	}
	if r.opts.maxIntersections != kernels.MaxIntersections {
		t.Errorf("maxIntersections = %d, want %d", r.opts.maxIntersections, kernels.MaxIntersections)
	}
	if r.opts.background != (f32.Vec3{}) {
		t.Errorf("background = %v, want black", r.opts.background)
	}
	if r.gpu != nil {
		t.Error("gpu dispatcher set without a device")
	}
}

// TestNewRendererMultipleOptions tests that options compose.
func TestNewRendererMultipleOptions(t *testing.T) {
	r := NewRenderer(
		WithWorkers(2),
		WithCovarianceBlur(0.5),
		WithMaxIntersections(1000),
		WithBackground(f32.Vec3{1, 0.5, 0}),
	)
	defer r.Close()

	if r.opts.workers != 2 {
		t.Errorf("workers = %d, want 2", r.opts.workers)
	}
	if r.opts.blur != 0.5 {
		t.Errorf("blur = %v, want 0.5", r.opts.blur)
	}
	if r.opts.maxIntersections != 1000 {
		t.Errorf("maxIntersections = %d, want 1000", r.opts.maxIntersections)
	}
	if r.opts.background != (f32.Vec3{1, 0.5, 0}) {
		t.Errorf("background = %v", r.opts.background)
	}
}

// TestOptionsIgnoreInvalidValues tests clamping of out-of-range options.
func TestOptionsIgnoreInvalidValues(t *testing.T) {
	r := NewRenderer(WithCovarianceBlur(-1), WithMaxIntersections(0))
	defer r.Close()

	if r.opts.blur != 0 {
		t.Errorf("blur = %v, want 0", r.opts.blur)
	}
	if r.opts.maxIntersections != kernels.MaxIntersections {
		t.Errorf("maxIntersections = %d, want default", r.opts.maxIntersections)
	}
}

// TestWithDeviceFallsBackToCPU tests that a provider without HAL access
// leaves the renderer on the CPU path.
func TestWithDeviceFallsBackToCPU(t *testing.T) {
	r := NewRenderer(WithDevice(&mockProvider{}), WithWorkers(2))
	defer r.Close()

	if r.opts.device == nil {
		t.Fatal("device option not stored")
	}
	if r.gpu != nil {
		t.Fatal("gpu dispatcher set for a provider without HAL types")
	}

	s := NewSplats(0, 0)
	addSplat(s, f32.Vec3{0, 0, 5}, f32.Vec4{1, 0, 0, 0}, f32.Vec3{-1, -1, -1}, 2, f32.Vec3{1, 1, 1})
	img, _, err := r.Render(t.Context(), s, testCamera(16, 16))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if a := img.Pix[(8*16+8)*4+3]; a <= 0 {
		t.Errorf("center alpha = %v, want > 0", a)
	}
}
