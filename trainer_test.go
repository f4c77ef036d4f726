package splat

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/kernels"
)

// trainingScene returns a target view rendered from a known scene, and a
// copy of the scene with wrong colors to start training from.
func trainingScene(t *testing.T, r *Renderer) (View, *Splats) {
	t.Helper()
	truth := NewSplats(0, 0)
	addSplat(truth, f32.Vec3{-0.4, 0, 5}, f32.Vec4{1, 0, 0, 0}, f32.Vec3{-0.5, -0.5, -0.5}, 1, f32.Vec3{0.9, 0.1, 0.1})
	addSplat(truth, f32.Vec3{0.5, 0.2, 6}, f32.Vec4{1, 0, 0, 0}, f32.Vec3{-0.3, -0.6, -0.4}, 1, f32.Vec3{0.1, 0.8, 0.2})

	cam := testCamera(32, 32)
	target, _, err := r.Render(context.Background(), truth, cam)
	require.NoError(t, err)

	start := truth.Clone()
	for i := range start.Len() {
		for c := range 3 {
			start.SHCoeffs[i*3+c] = kernels.RGBToSH(0.5)
		}
	}
	return View{Camera: cam, Image: target}, start
}

func TestTrainer_LossDecreases(t *testing.T) {
	r := newTestRenderer(t)
	view, start := trainingScene(t, r)

	cfg := DefaultTrainConfig()
	cfg.TotalSteps = 100
	cfg.LRCoeffsDC = 0.02
	cfg.LROpac = 0
	cfg.LRRotation = 0
	cfg.LRScale, cfg.LRScaleEnd = 1e-6, 1e-6
	cfg.GrowthStopIter = 0
	cfg.SSIMWeight = 0
	tr, err := NewTrainer(r, start, cfg, 1, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	first, err := tr.Step(context.Background(), view)
	require.NoError(t, err)
	var last StepStats
	for range 80 {
		last, err = tr.Step(context.Background(), view)
		require.NoError(t, err)
	}

	assert.Equal(t, 81, tr.Iter())
	assert.Equal(t, 81, last.Iter)
	assert.Less(t, last.Loss, 0.5*first.Loss)
	assert.Equal(t, 2, last.NumVisible)
	assert.Nil(t, last.Refine)

	for _, q := range tr.Splats().Rotations {
		n := q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3]
		assert.InDelta(t, 1, n, 1e-5)
	}
}

func TestTrainer_RefinesInLockstep(t *testing.T) {
	r := newTestRenderer(t)
	view, start := trainingScene(t, r)

	cfg := DefaultTrainConfig()
	cfg.RefineEvery = 3
	cfg.GrowthGradThreshold = 0
	cfg.GrowthSelectFraction = 1
	tr, err := NewTrainer(r, start, cfg, 0, rand.New(rand.NewPCG(2, 2)))
	require.NoError(t, err)

	var refined *RefineStats
	for range 3 {
		stats, err := tr.Step(context.Background(), view)
		require.NoError(t, err)
		refined = stats.Refine
	}
	require.NotNil(t, refined)
	assert.Equal(t, 4, refined.Total)
	assert.Equal(t, tr.Splats().Len(), tr.opt.Len())
	assert.Len(t, tr.record, tr.Splats().Len())

	// Training keeps going on the grown arena.
	_, err = tr.Step(context.Background(), view)
	require.NoError(t, err)
}

func TestTrainer_Errors(t *testing.T) {
	r := newTestRenderer(t)
	view, start := trainingScene(t, r)

	bad := DefaultTrainConfig()
	bad.RefineEvery = 0
	_, err := NewTrainer(r, start, bad, 1, rand.New(rand.NewPCG(1, 1)))
	assert.Error(t, err)

	tr, err := NewTrainer(r, start, DefaultTrainConfig(), 1, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Step(ctx, view)
	assert.ErrorIs(t, err, context.Canceled)

	small := View{Camera: view.Camera, Image: NewImage(8, 8)}
	_, err = tr.Step(context.Background(), small)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestL1Loss(t *testing.T) {
	pred := []float32{1, 0, 0.5, 1, 0, 0, 0, 0}
	target := []float32{0, 0, 1, 0, 0, 0, 0, 1}

	loss, v := l1Loss(pred, target, 1, 0)
	assert.InDelta(t, 1.5/6, loss, 1e-7)
	assert.Equal(t, []float32{1.0 / 6, 0, -1.0 / 6, 0, 0, 0, 0, 0}, v)

	loss, v = l1Loss(pred, target, 1, 0.5)
	assert.InDelta(t, 1.5/6+0.5*2/2, loss, 1e-6)
	assert.InDelta(t, 0.25, v[3], 1e-7)
	assert.InDelta(t, -0.25, v[7], 1e-7)
}

func TestL1Loss_ColorWeight(t *testing.T) {
	pred := []float32{1, 0, 0.5, 1}
	target := []float32{0, 0, 1, 0}

	loss, v := l1Loss(pred, target, 0.8, 0)
	assert.InDelta(t, 0.8*1.5/3, loss, 1e-7)
	assert.InDelta(t, 0.8/3, v[0], 1e-7)
	assert.Zero(t, v[3])
}

func TestTrainer_SSIMOnlyLoss(t *testing.T) {
	r := newTestRenderer(t)
	view, start := trainingScene(t, r)

	before, err := Eval(context.Background(), r, start, view)
	require.NoError(t, err)

	cfg := DefaultTrainConfig()
	cfg.SSIMWeight = 1
	cfg.OpacLossWeight = 0
	cfg.GrowthStopIter = 0
	tr, err := NewTrainer(r, start.Clone(), cfg, 1, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	stats, err := tr.Step(context.Background(), view)
	require.NoError(t, err)
	assert.InDelta(t, 1-before.SSIM, stats.Loss, 1e-5)
	assert.Positive(t, stats.Loss)
}

func TestTrainer_Eval(t *testing.T) {
	r := newTestRenderer(t)
	view, start := trainingScene(t, r)

	tr, err := NewTrainer(r, start, DefaultTrainConfig(), 1, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	wrong, err := tr.Eval(context.Background(), view)
	require.NoError(t, err)
	assert.Less(t, wrong.SSIM, float32(1))
	assert.False(t, math32.IsInf(wrong.PSNR, 1))

	// Scoring the target against itself is exact.
	exact, err := Eval(context.Background(), r, start, View{Camera: view.Camera, Image: renderOf(t, r, start, view.Camera)})
	require.NoError(t, err)
	assert.True(t, math32.IsInf(exact.PSNR, 1))
	assert.InDelta(t, 1, exact.SSIM, 1e-5)
	assert.Greater(t, exact.SSIM, wrong.SSIM)

	_, err = tr.Eval(context.Background(), View{Camera: view.Camera, Image: NewImage(4, 4)})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func renderOf(t *testing.T, r *Renderer, s *Splats, cam Camera) *Image {
	t.Helper()
	img, _, err := r.Render(context.Background(), s, cam)
	require.NoError(t, err)
	return img
}

func TestTrainer_MeanNoiseMovesTransparentSplats(t *testing.T) {
	r := newTestRenderer(t)
	s := NewSplats(0, 0)
	addSplat(s, f32.Vec3{0, 0, 5}, f32.Vec4{1, 0, 0, 0}, f32.Vec3{}, -10, f32.Vec3{1, 1, 1})
	addSplat(s, f32.Vec3{1, 0, 5}, f32.Vec4{1, 0, 0, 0}, f32.Vec3{}, 10, f32.Vec3{1, 1, 1})

	for _, weight := range []float32{0, 50} {
		cfg := DefaultTrainConfig()
		cfg.MeanNoiseWeight = weight
		tr, err := NewTrainer(r, s.Clone(), cfg, 1, rand.New(rand.NewPCG(8, 8)))
		require.NoError(t, err)

		tr.addMeanNoise()
		got := tr.Splats().Means
		if weight == 0 {
			assert.Equal(t, s.Means, got)
			continue
		}
		assert.NotEqual(t, s.Means[0], got[0], "transparent splat moves")
		assert.Equal(t, s.Means[1], got[1], "opaque splat stays")
		for k := range 3 {
			// One sigma is lr * extent * weight * scale = 2e-3.
			assert.InDelta(t, s.Means[0][k], got[0][k], 0.02)
		}
	}
}
