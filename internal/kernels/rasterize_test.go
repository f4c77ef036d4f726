package kernels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/parallel"
)

// flatSplat covers the whole image with constant alpha.
func flatSplat(rgb f32.Vec3, opacity float32) ProjectedSplat {
	return ProjectedSplat{
		XY:    f32.Vec2{8, 8},
		Color: f32.Vec4{rgb[0], rgb[1], rgb[2], opacity},
	}
}

func rasterizeOneTile(t *testing.T, pool *parallel.WorkerPool, u *Uniforms, splats []ProjectedSplat) RasterOutput {
	t.Helper()
	order := make([]uint32, len(splats))
	for i := range order {
		order[i] = uint32(i)
	}
	out := RasterOutput{
		Image:      make([]float32, u.NumPixels()*4),
		FinalIndex: make([]uint32, u.NumPixels()),
		Visible:    make([]uint32, len(splats)),
	}
	in := RasterInput{
		Uniforms:            u,
		Projected:           splats,
		CompactGidFromIsect: order,
		TileOffsets:         []uint32{0, uint32(len(splats))},
	}
	require.NoError(t, Rasterize(pool, in, out))
	return out
}

func TestRasterizeComposite(t *testing.T) {
	pool := parallel.NewWorkerPool(2)
	defer pool.Close()

	u := testUniforms(16, 16)
	out := rasterizeOneTile(t, pool, u, []ProjectedSplat{
		flatSplat(f32.Vec3{1, 0, 0}, 0.5),
		flatSplat(f32.Vec3{0, 1, 0}, 0.5),
	})

	for p := range u.NumPixels() {
		px := out.Image[p*4 : p*4+4]
		assert.InDelta(t, 0.5, px[0], 1e-6)
		assert.InDelta(t, 0.25, px[1], 1e-6)
		assert.InDelta(t, 0, px[2], 1e-6)
		// Alpha is one minus the product of (1 - alpha_i).
		assert.InDelta(t, 0.75, px[3], 1e-6)
		assert.Equal(t, uint32(2), out.FinalIndex[p])
	}
	assert.Equal(t, []uint32{1, 1}, out.Visible)
}

func TestRasterizeStopsAtMinTransmittance(t *testing.T) {
	pool := parallel.NewWorkerPool(2)
	defer pool.Close()

	u := testUniforms(16, 16)
	splats := make([]ProjectedSplat, 5)
	for i := range splats {
		splats[i] = flatSplat(f32.Vec3{1, 1, 1}, 0.99)
	}
	out := rasterizeOneTile(t, pool, u, splats)

	// T goes 1, 0.01, 1e-4: the second splat would reach 1e-4 and is dropped.
	assert.Equal(t, uint32(1), out.FinalIndex[0])
	assert.InDelta(t, 0.99, out.Image[3], 1e-6)
	assert.Equal(t, []uint32{1, 0, 0, 0, 0}, out.Visible)
}

func TestRasterizeBackground(t *testing.T) {
	pool := parallel.NewWorkerPool(1)
	defer pool.Close()

	u := testUniforms(16, 16)
	u.Background = f32.Vec3{0, 0, 1}
	out := rasterizeOneTile(t, pool, u, []ProjectedSplat{flatSplat(f32.Vec3{1, 0, 0}, 0.25)})

	assert.InDelta(t, 0.25, out.Image[0], 1e-6)
	assert.InDelta(t, 0.75, out.Image[2], 1e-6)
	assert.InDelta(t, 0.25, out.Image[3], 1e-6)
}

func TestRasterizeBackwardOpacityFiniteDifference(t *testing.T) {
	pool := parallel.NewWorkerPool(2)
	defer pool.Close()

	u := testUniforms(16, 16)
	u.Background = f32.Vec3{0.2, 0.1, 0.3}
	splats := []ProjectedSplat{
		flatSplat(f32.Vec3{0.9, 0.2, 0.1}, 0.4),
		flatSplat(f32.Vec3{0.1, 0.8, 0.3}, 0.6),
	}
	vOut := make([]float32, u.NumPixels()*4)
	for i := range vOut {
		vOut[i] = float32(i%7)*0.1 - 0.3
	}

	loss := func(ps []ProjectedSplat) float32 {
		out := rasterizeOneTile(t, pool, u, ps)
		var l float32
		for i, v := range out.Image {
			l += v * vOut[i]
		}
		return l
	}

	fwd := rasterizeOneTile(t, pool, u, splats)
	grads := RasterBackwardOutput{
		VGrads:  NewAtomicFloats(len(splats) * GradStride),
		VRefine: NewAtomicFloats(len(splats) * RefineStride),
	}
	in := RasterBackwardInput{
		RasterInput: RasterInput{
			Uniforms:            u,
			Projected:           splats,
			CompactGidFromIsect: []uint32{0, 1},
			TileOffsets:         []uint32{0, 2},
		},
		Image:      fwd.Image,
		FinalIndex: fwd.FinalIndex,
		VOut:       vOut,
	}
	require.NoError(t, RasterizeBackward(pool, in, grads))

	const eps = 1e-3
	for s := range splats {
		for _, k := range []int{5, 6, 7, 8} {
			plus := append([]ProjectedSplat(nil), splats...)
			minus := append([]ProjectedSplat(nil), splats...)
			plus[s].Color[k-5] += eps
			minus[s].Color[k-5] -= eps
			want := (loss(plus) - loss(minus)) / (2 * eps)
			got := grads.VGrads.Load(s*GradStride + k)
			assert.InDelta(t, want, got, float64(5e-3+0.01*abs32(want)), "splat %d grad %d", s, k)
		}
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
