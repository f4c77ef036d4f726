package splat

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/kernels"
)

// weightedLoss is sum(w * image), accumulated in float64.
func weightedLoss(t *testing.T, r *Renderer, s *Splats, cam Camera, w []float32) float64 {
	t.Helper()
	img, _, err := r.Render(context.Background(), s, cam)
	require.NoError(t, err)
	var sum float64
	for i, v := range img.Pix {
		sum += float64(w[i]) * float64(v)
	}
	return sum
}

// randomWeights returns fixed pseudo-random loss weights in [-1, 1).
func randomWeights(cam Camera) []float32 {
	rng := rand.New(rand.NewPCG(7, 11))
	w := make([]float32, cam.Width*cam.Height*4)
	for i := range w {
		w[i] = rng.Float32()*2 - 1
	}
	return w
}

// param addresses one scalar splat parameter and its gradient.
type param struct {
	name string
	get  func(s *Splats) *float32
	grad func(g *SplatGrads) float32
}

func splatParams(s *Splats, i int) []param {
	var ps []param
	for k := range 3 {
		ps = append(ps,
			param{fmt.Sprintf("mean[%d]", k),
				func(s *Splats) *float32 { return &s.Means[i][k] },
				func(g *SplatGrads) float32 { return g.Means[i][k] }},
			param{fmt.Sprintf("log_scale[%d]", k),
				func(s *Splats) *float32 { return &s.LogScales[i][k] },
				func(g *SplatGrads) float32 { return g.LogScales[i][k] }},
		)
	}
	for k := range 4 {
		ps = append(ps, param{fmt.Sprintf("rotation[%d]", k),
			func(s *Splats) *float32 { return &s.Rotations[i][k] },
			func(g *SplatGrads) float32 { return g.Rotations[i][k] }})
	}
	ps = append(ps, param{"raw_opacity",
		func(s *Splats) *float32 { return &s.RawOpacities[i] },
		func(g *SplatGrads) float32 { return g.RawOpacities[i] }})
	stride := s.SHStride()
	for k := range stride {
		ps = append(ps, param{fmt.Sprintf("sh[%d]", k),
			func(s *Splats) *float32 { return &s.SHCoeffs[i*stride+k] },
			func(g *SplatGrads) float32 { return g.SHCoeffs[i*stride+k] }})
	}
	return ps
}

// checkGradients compares every analytic gradient of splat 0 against central
// differences of weightedLoss.
func checkGradients(t *testing.T, r *Renderer, s *Splats, cam Camera) {
	t.Helper()
	w := randomWeights(cam)

	_, st, err := r.Render(context.Background(), s, cam)
	require.NoError(t, err)
	grads, err := r.RenderBackward(context.Background(), st, w)
	require.NoError(t, err)

	const eps = 1e-3
	for _, p := range splatParams(s, 0) {
		t.Run(p.name, func(t *testing.T) {
			plus := s.Clone()
			*p.get(plus) += eps
			minus := s.Clone()
			*p.get(minus) -= eps
			fd := (weightedLoss(t, r, plus, cam, w) - weightedLoss(t, r, minus, cam, w)) / (2 * eps)

			got := float64(p.grad(grads))
			assert.InDelta(t, fd, got, 0.05+0.05*math.Abs(fd), "analytic %g, numeric %g", got, fd)
		})
	}
}

func TestRenderBackward_ManyTileSplat(t *testing.T) {
	// About 40 px across at depth 5: every pixel of the 32x32 image sees
	// the splat well above the alpha cutoff, and it overlaps all tiles.
	s := NewSplats(0, 1)
	q, _ := kernels.NormalizeQuat(f32.Vec4{0.9, 0.2, -0.3, 0.1})
	addSplat(s, f32.Vec3{0.2, -0.1, 5}, q, f32.Vec3{1.6, 1.9, 1.2}, 0, f32.Vec3{0.6, 0.3, 0.8})
	for k := 3; k < s.SHStride(); k++ {
		s.SHCoeffs[k] = 0.1 * float32(k%3-1)
	}

	r := newTestRenderer(t, WithBackground(f32.Vec3{0.1, 0.2, 0.3}))
	checkGradients(t, r, s, testCamera(32, 32))
}

func TestRenderBackward_SinglePixelSplat(t *testing.T) {
	z := float32(5)
	s := NewSplats(0, 0)
	addSplat(s,
		f32.Vec3{centerPixelX(16, 32, z), centerPixelX(16, 32, z), z},
		f32.Vec4{1, 0, 0, 0},
		f32.Vec3{-2.55, -2.55, -2.55},
		0,
		f32.Vec3{0.9, 0.5, 0.2})

	r := newTestRenderer(t)
	checkGradients(t, r, s, testCamera(32, 32))
}

func TestRenderBackward_TransparentSplatHasZeroGrads(t *testing.T) {
	s := NewSplats(0, 0)
	addSplat(s, f32.Vec3{0, 0, 5}, f32.Vec4{1, 0, 0, 0}, f32.Vec3{0, 0, 0}, -20, f32.Vec3{1, 1, 1})

	r := newTestRenderer(t)
	img, st, err := r.Render(context.Background(), s, testCamera(32, 32))
	require.NoError(t, err)
	vOut := make([]float32, len(img.Pix))
	for i := range vOut {
		vOut[i] = 1
	}
	grads, err := r.RenderBackward(context.Background(), st, vOut)
	require.NoError(t, err)

	assert.Equal(t, f32.Vec3{}, grads.Means[0])
	assert.Equal(t, f32.Vec4{}, grads.Rotations[0])
	assert.Equal(t, f32.Vec3{}, grads.LogScales[0])
	assert.Zero(t, grads.RawOpacities[0])
	assert.Equal(t, []float32{0, 0, 0}, grads.SHCoeffs)
	assert.Equal(t, f32.Vec2{}, grads.RefineWeight[0])
}

func TestRenderBackward_RefineWeightCountsVisibleSplats(t *testing.T) {
	s := randomScene(rand.New(rand.NewPCG(5, 6)), 50)
	r := newTestRenderer(t)
	img, st, err := r.Render(context.Background(), s, testCamera(48, 48))
	require.NoError(t, err)
	vOut := make([]float32, len(img.Pix))
	for i := range vOut {
		vOut[i] = 0.5
	}
	grads, err := r.RenderBackward(context.Background(), st, vOut)
	require.NoError(t, err)

	mask := st.VisibleMask()
	for i, rw := range grads.RefineWeight {
		assert.GreaterOrEqual(t, rw[0], float32(0))
		assert.GreaterOrEqual(t, rw[1], float32(0))
		if !mask[i] {
			assert.Equal(t, f32.Vec2{}, rw, "hidden splat %d", i)
		}
	}
}

// Central differences jump where a splat crosses the 1/255 alpha cutoff or
// its tile footprint changes. A parameter passes when any step size agrees;
// a wrong gradient disagrees at all of them.
func TestRenderBackward_OverlappingSplats(t *testing.T) {
	s := randomScene(rand.New(rand.NewPCG(30, 31)), 30)
	cam := testCamera(32, 32)
	r := newTestRenderer(t)
	w := randomWeights(cam)

	_, st, err := r.Render(context.Background(), s, cam)
	require.NoError(t, err)
	require.Greater(t, st.NumVisible(), 10)
	require.Greater(t, st.NumIntersections(), st.NumVisible())
	grads, err := r.RenderBackward(context.Background(), st, w)
	require.NoError(t, err)

	steps := []float32{1e-2, 3e-3, 1e-3}
	for i := range s.Len() {
		for _, p := range splatParams(s, i) {
			got := float64(p.grad(grads))
			var fds []float64
			agrees := false
			for _, eps := range steps {
				plus := s.Clone()
				*p.get(plus) += eps
				minus := s.Clone()
				*p.get(minus) -= eps
				fd := (weightedLoss(t, r, plus, cam, w) - weightedLoss(t, r, minus, cam, w)) / (2 * float64(eps))
				fds = append(fds, fd)
				if math.Abs(fd-got) <= 0.05+0.05*math.Abs(fd) {
					agrees = true
					break
				}
			}
			assert.True(t, agrees, "splat %d %s: analytic %g, numeric %v", i, p.name, got, fds)
		}
	}
}
