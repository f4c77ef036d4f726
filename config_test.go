package splat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainConfig_DefaultsValid(t *testing.T) {
	require.NoError(t, DefaultTrainConfig().Validate())
}

func TestTrainConfig_TOMLRoundTrip(t *testing.T) {
	want := DefaultTrainConfig()
	data, err := want.EncodeTOML()
	require.NoError(t, err)

	got, err := ParseTrainConfig(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseTrainConfig_OverridesDefaults(t *testing.T) {
	cfg, err := ParseTrainConfig([]byte(`
total_steps = 500
lr_mean = 1e-4
refine_every = 50
backfill = true
ssim_weight = 0
ssim_window_size = 7
`))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.TotalSteps)
	assert.Equal(t, float32(1e-4), cfg.LRMean)
	assert.Equal(t, 50, cfg.RefineEvery)
	assert.True(t, cfg.Backfill)
	assert.Zero(t, cfg.SSIMWeight)
	assert.Equal(t, 7, cfg.SSIMWindowSize)
	assert.Equal(t, float32(50), cfg.MeanNoiseWeight)
	assert.Equal(t, DefaultTrainConfig().LRMeanEnd, cfg.LRMeanEnd)
}

func TestParseTrainConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"unknown key", "ssim_weights = 0.2"},
		{"bad syntax", "total_steps = "},
		{"wrong type", `total_steps = "many"`},
		{"zero steps", "total_steps = 0"},
		{"fraction above one", "growth_select_fraction = 1.5"},
		{"max below min", "max_splats = 1\nmin_splats = 2"},
		{"ssim weight above one", "ssim_weight = 1.5"},
		{"even ssim window", "ssim_window_size = 10"},
		{"negative mean noise", "mean_noise_weight = -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTrainConfig([]byte(tt.toml))
			assert.Error(t, err)
		})
	}
}

func TestLoadTrainConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.toml")
	require.NoError(t, os.WriteFile(path, []byte("growth_stop_iter = 99\n"), 0o600))

	cfg, err := LoadTrainConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.GrowthStopIter)

	_, err = LoadTrainConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDecayLR(t *testing.T) {
	cfg := DefaultTrainConfig()
	assert.InDelta(t, cfg.LRMean, cfg.meanLR(0), 1e-12)
	assert.InDelta(t, cfg.LRMeanEnd, cfg.meanLR(cfg.TotalSteps), 1e-10)
	assert.InDelta(t, cfg.LRMeanEnd, cfg.meanLR(2*cfg.TotalSteps), 1e-10)

	// Geometric midpoint.
	mid := cfg.meanLR(cfg.TotalSteps / 2)
	assert.InDelta(t, 4e-6, mid, 1e-9)
}

func TestTrainConfig_RefineConfig(t *testing.T) {
	cfg := DefaultTrainConfig()
	rc := cfg.RefineConfig(3)
	assert.Equal(t, float32(3), rc.SceneExtent)
	assert.Equal(t, cfg.GrowthGradThreshold, rc.GrowthGradThreshold)
	assert.InDelta(t, 0.99/255, rc.MinOpacity, 1e-9)
}
