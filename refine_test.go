package splat

import (
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/kernels"
)

func refineScene(n int) *Splats {
	return randomScene(rand.New(rand.NewPCG(21, 22)), n)
}

// =============================================================================
// Pruning
// =============================================================================

func TestRefineStep_PrunesFaintSplats(t *testing.T) {
	s := refineScene(20)
	for _, i := range []int{2, 5, 11} {
		s.RawOpacities[i] = -9
	}
	opt := NewOptimizerState(s.Len(), s.SHStride())
	opt.groups[groupMeans].M1[3*3] = 42 // moment of splat 3

	cfg := DefaultRefineConfig()
	cfg.GrowthGradThreshold = 1e9
	out, outOpt, stats, err := RefineStep(s, make([]float32, s.Len()), opt, cfg, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	assert.Equal(t, RefineStats{Pruned: 3, Split: 0, Total: 17}, stats)
	assert.Equal(t, 17, out.Len())
	assert.Equal(t, 17, outOpt.Len())
	require.NoError(t, out.Validate())

	// Splat 3 becomes 2 after splat 2 is pruned; its moments move with it.
	assert.Equal(t, s.Means[3], out.Means[2])
	assert.Equal(t, float32(42), outOpt.groups[groupMeans].M1[2*3])

	// Inputs are untouched.
	assert.Equal(t, 20, s.Len())
	assert.Equal(t, 20, opt.Len())
}

func TestRefineStep_NeverPrunesToZero(t *testing.T) {
	s := refineScene(8)
	for i := range s.RawOpacities {
		s.RawOpacities[i] = -20
	}

	out, opt, stats, err := RefineStep(s, make([]float32, 8), nil, DefaultRefineConfig(), rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, 8, out.Len())
	assert.Equal(t, 8, opt.Len())
	assert.Zero(t, stats.Pruned)
}

func TestRefineStep_CullsOversizedSplats(t *testing.T) {
	s := refineScene(10)
	s.LogScales[4] = f32.Vec3{0, 3, 0}

	cfg := DefaultRefineConfig()
	cfg.GrowthGradThreshold = 1e9
	cfg.SceneExtent = 2
	cfg.CullScaleThreshold = 0.8

	out, _, stats, err := RefineStep(s, make([]float32, 10), nil, cfg, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pruned)
	assert.Equal(t, 9, out.Len())
}

func TestRefineStep_PruningNeverIncreasesCount(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	for trial := range 20 {
		s := refineScene(30)
		for i := range s.RawOpacities {
			s.RawOpacities[i] = rng.Float32()*16 - 12
		}
		cfg := DefaultRefineConfig()
		cfg.GrowthGradThreshold = 1e9
		out, opt, stats, err := RefineStep(s, make([]float32, 30), nil, cfg, rng)
		require.NoError(t, err)
		assert.LessOrEqual(t, out.Len(), 30, "trial %d", trial)
		assert.Equal(t, out.Len(), opt.Len(), "trial %d", trial)
		assert.Equal(t, 30-stats.Pruned, stats.Total, "trial %d", trial)
	}
}

// =============================================================================
// Densification
// =============================================================================

func TestRefineStep_SplitCompositesToParentOpacity(t *testing.T) {
	s := refineScene(10)
	grads := make([]float32, 10)
	grads[6] = 1

	cfg := DefaultRefineConfig()
	cfg.GrowthSelectFraction = 1
	out, opt, stats, err := RefineStep(s, grads, nil, cfg, rand.New(rand.NewPCG(3, 3)))
	require.NoError(t, err)
	require.Equal(t, 1, stats.Split)
	require.Equal(t, 11, out.Len())
	assert.Equal(t, 11, opt.Len())

	parent := s.Opacity(6)
	child := out.Opacity(6)
	assert.Equal(t, child, out.Opacity(10))
	assert.InDelta(t, parent, 1-(1-child)*(1-child), 1e-5)

	shrink := math32.Log(splitScale)
	for k := range 3 {
		assert.InDelta(t, s.LogScales[6][k]-shrink, out.LogScales[6][k], 1e-6)
		assert.InDelta(t, s.LogScales[6][k]-shrink, out.LogScales[10][k], 1e-6)
		// Children sit symmetrically around the parent.
		assert.InDelta(t, s.Means[6][k], 0.5*(out.Means[6][k]+out.Means[10][k]), 1e-5)
	}
	assert.Equal(t, s.Rotations[6], out.Rotations[10])
	assert.Equal(t, s.SHCoeffs[6*s.SHStride():7*s.SHStride()], out.SHCoeffs[10*s.SHStride():])
}

func TestRefineStep_SplitKeepsParentMoments(t *testing.T) {
	s := refineScene(4)
	opt := NewOptimizerState(4, s.SHStride())
	for _, m := range opt.groups {
		for i := range m.M1 {
			m.M1[i] = 1
			m.M2[i] = 1
		}
	}
	cfg := DefaultRefineConfig()
	cfg.GrowthSelectFraction = 1
	_, out, _, err := RefineStep(s, []float32{0, 1, 0, 0}, opt, cfg, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	require.Equal(t, 5, out.Len())
	for g, m := range out.groups {
		stride := m.Stride
		for i := range 5 {
			// Only the appended child starts from zero.
			want := float32(1)
			if i == 4 {
				want = 0
			}
			for k := range stride {
				assert.Equal(t, want, m.M1[i*stride+k], "group %d splat %d", g, i)
				assert.Equal(t, want, m.M2[i*stride+k], "group %d splat %d", g, i)
			}
		}
	}
}

func TestRefineStep_SelectFractionAndCap(t *testing.T) {
	s := refineScene(40)
	grads := make([]float32, 40)
	for i := range 20 {
		grads[i] = 1
	}

	tests := []struct {
		name      string
		fraction  float32
		maxSplats int
		wantSplit int
	}{
		{"tenth rounds up", 0.1, 1000, 2},
		{"all", 1, 1000, 20},
		{"capped", 1, 45, 5},
		{"full arena", 1, 40, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRefineConfig()
			cfg.GrowthSelectFraction = tt.fraction
			cfg.MaxSplats = tt.maxSplats
			out, _, stats, err := RefineStep(s, grads, nil, cfg, rand.New(rand.NewPCG(4, 4)))
			require.NoError(t, err)
			assert.Equal(t, tt.wantSplit, stats.Split)
			assert.Equal(t, 40+tt.wantSplit, out.Len())
		})
	}
}

func TestRefineStep_BackfillReplacesPruned(t *testing.T) {
	s := refineScene(12)
	s.RawOpacities[0] = -9
	s.RawOpacities[1] = -9

	cfg := DefaultRefineConfig()
	cfg.GrowthGradThreshold = 1e9
	cfg.Backfill = true
	out, opt, stats, err := RefineStep(s, make([]float32, 12), nil, cfg, rand.New(rand.NewPCG(8, 8)))
	require.NoError(t, err)
	assert.Equal(t, RefineStats{Pruned: 2, Split: 2, Total: 12}, stats)
	assert.Equal(t, 12, out.Len())
	assert.Equal(t, 12, opt.Len())
}

func TestRefineStep_ShapeErrors(t *testing.T) {
	s := refineScene(3)
	_, _, _, err := RefineStep(s, make([]float32, 2), nil, DefaultRefineConfig(), rand.New(rand.NewPCG(1, 1)))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, _, _, err = RefineStep(s, make([]float32, 3), NewOptimizerState(5, s.SHStride()), DefaultRefineConfig(), rand.New(rand.NewPCG(1, 1)))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSampleByOpacity_PrefersOpaqueSplats(t *testing.T) {
	s := NewSplats(2, 0)
	s.RawOpacities[0] = kernels.Logit(0.9)
	s.RawOpacities[1] = kernels.Logit(0.01)

	rng := rand.New(rand.NewPCG(5, 5))
	wins := 0
	for range 1000 {
		if sampleByOpacity(s, nil, 1, rng)[0] == 0 {
			wins++
		}
	}
	// Expected share is 0.9 / 0.91.
	assert.Greater(t, wins, 950)
}
