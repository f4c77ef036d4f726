package splat

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/chewxy/math32"
	"github.com/pelletier/go-toml/v2"
)

// MinOpacity is the opacity below which splats are pruned.
const MinOpacity = 0.99 / 255

// TrainConfig holds the training and refinement knobs. The zero value is
// not usable; start from DefaultTrainConfig.
type TrainConfig struct {
	TotalSteps int `toml:"total_steps"`

	// SSIMWeight blends 1 - SSIM into the color loss, which becomes
	// (1 - w) L1 + w (1 - SSIM). Zero trains on L1 alone.
	SSIMWeight float32 `toml:"ssim_weight"`
	// SSIMWindowSize is the odd width of the Gaussian SSIM window.
	SSIMWindowSize int `toml:"ssim_window_size"`

	// Means use an exponentially decaying learning rate from LRMean to
	// LRMeanEnd over TotalSteps, multiplied by the scene extent.
	LRMean    float32 `toml:"lr_mean"`
	LRMeanEnd float32 `toml:"lr_mean_end"`

	LRCoeffsDC float32 `toml:"lr_coeffs_dc"`
	// LRCoeffsSHScale divides the learning rate of the higher SH bands.
	LRCoeffsSHScale float32 `toml:"lr_coeffs_sh_scale"`

	LROpac     float32 `toml:"lr_opac"`
	LRScale    float32 `toml:"lr_scale"`
	LRScaleEnd float32 `toml:"lr_scale_end"`
	LRRotation float32 `toml:"lr_rotation"`

	// OpacLossWeight weights a mean opacity penalty. Zero disables it.
	OpacLossWeight float32 `toml:"opac_loss_weight"`

	// MatchAlphaWeight weights an L1 term on alpha, used when the target
	// image has transparency.
	MatchAlphaWeight float32 `toml:"match_alpha_weight"`

	// MeanNoiseWeight scales gaussian noise added to the means of nearly
	// transparent splats after each step, relative to their size and the
	// mean learning rate. Zero disables it.
	MeanNoiseWeight float32 `toml:"mean_noise_weight"`

	RefineEvery          int     `toml:"refine_every"`
	GrowthGradThreshold  float32 `toml:"growth_grad_threshold"`
	GrowthSelectFraction float32 `toml:"growth_select_fraction"`
	GrowthStopIter       int     `toml:"growth_stop_iter"`
	MaxSplats            int     `toml:"max_splats"`
	MinSplats            int     `toml:"min_splats"`

	// CullScaleThreshold prunes splats with any scale above this fraction
	// of the scene extent.
	CullScaleThreshold float32 `toml:"cull_scale_threshold"`

	// Backfill re-grows as many splats as were pruned, sampled by opacity.
	Backfill bool `toml:"backfill"`
}

// DefaultTrainConfig returns the default training configuration.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		TotalSteps:           30000,
		SSIMWeight:           0.2,
		SSIMWindowSize:       11,
		LRMean:               4e-5,
		LRMeanEnd:            4e-7,
		LRCoeffsDC:           3e-3,
		LRCoeffsSHScale:      20,
		LROpac:               3e-2,
		LRScale:              1e-2,
		LRScaleEnd:           6e-3,
		LRRotation:           1e-3,
		OpacLossWeight:       1e-8,
		MatchAlphaWeight:     0.1,
		MeanNoiseWeight:      50,
		RefineEvery:          150,
		GrowthGradThreshold:  0.00085,
		GrowthSelectFraction: 0.1,
		GrowthStopIter:       12500,
		MaxSplats:            10000000,
		MinSplats:            1,
		CullScaleThreshold:   0.8,
	}
}

// LoadTrainConfig reads a TOML file on top of the defaults.
func LoadTrainConfig(path string) (TrainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TrainConfig{}, fmt.Errorf("splat: read config: %w", err)
	}
	return ParseTrainConfig(data)
}

// ParseTrainConfig decodes TOML on top of the defaults. Unknown keys are
// an error.
func ParseTrainConfig(data []byte) (TrainConfig, error) {
	cfg := DefaultTrainConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return TrainConfig{}, fmt.Errorf("splat: config: %s", strict.String())
		}
		return TrainConfig{}, fmt.Errorf("splat: config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return TrainConfig{}, err
	}
	return cfg, nil
}

// EncodeTOML encodes the configuration.
func (c TrainConfig) EncodeTOML() ([]byte, error) {
	return toml.Marshal(c)
}

// Validate reports the first out-of-range field.
func (c TrainConfig) Validate() error {
	switch {
	case c.TotalSteps <= 0:
		return fmt.Errorf("splat: total_steps must be positive, got %d", c.TotalSteps)
	case c.SSIMWeight < 0 || c.SSIMWeight > 1:
		return fmt.Errorf("splat: ssim_weight must be in [0, 1], got %g", c.SSIMWeight)
	case c.SSIMWindowSize <= 0 || c.SSIMWindowSize%2 == 0:
		return fmt.Errorf("splat: ssim_window_size must be odd and positive, got %d", c.SSIMWindowSize)
	case c.LRMean <= 0 || c.LRMeanEnd <= 0:
		return fmt.Errorf("splat: lr_mean and lr_mean_end must be positive")
	case c.LRScale <= 0 || c.LRScaleEnd <= 0:
		return fmt.Errorf("splat: lr_scale and lr_scale_end must be positive")
	case c.LRCoeffsDC < 0 || c.LROpac < 0 || c.LRRotation < 0:
		return fmt.Errorf("splat: learning rates must not be negative")
	case c.LRCoeffsSHScale <= 0:
		return fmt.Errorf("splat: lr_coeffs_sh_scale must be positive, got %g", c.LRCoeffsSHScale)
	case c.OpacLossWeight < 0 || c.MatchAlphaWeight < 0 || c.MeanNoiseWeight < 0:
		return fmt.Errorf("splat: loss weights must not be negative")
	case c.RefineEvery <= 0:
		return fmt.Errorf("splat: refine_every must be positive, got %d", c.RefineEvery)
	case c.GrowthSelectFraction < 0 || c.GrowthSelectFraction > 1:
		return fmt.Errorf("splat: growth_select_fraction must be in [0, 1], got %g", c.GrowthSelectFraction)
	case c.MinSplats < 1:
		return fmt.Errorf("splat: min_splats must be at least 1, got %d", c.MinSplats)
	case c.MaxSplats < c.MinSplats:
		return fmt.Errorf("splat: max_splats %d below min_splats %d", c.MaxSplats, c.MinSplats)
	case c.CullScaleThreshold < 0:
		return fmt.Errorf("splat: cull_scale_threshold must not be negative")
	}
	return nil
}

// RefineConfig extracts the refinement knobs for a scene of the given
// extent.
func (c TrainConfig) RefineConfig(sceneExtent float32) RefineConfig {
	return RefineConfig{
		MinOpacity:           MinOpacity,
		GrowthGradThreshold:  c.GrowthGradThreshold,
		GrowthSelectFraction: c.GrowthSelectFraction,
		MaxSplats:            c.MaxSplats,
		MinSplats:            c.MinSplats,
		CullScaleThreshold:   c.CullScaleThreshold,
		SceneExtent:          sceneExtent,
		Backfill:             c.Backfill,
	}
}

// meanLR returns the mean learning rate at step.
func (c TrainConfig) meanLR(step int) float32 {
	return decayLR(c.LRMean, c.LRMeanEnd, step, c.TotalSteps)
}

// scaleLR returns the log-scale learning rate at step.
func (c TrainConfig) scaleLR(step int) float32 {
	return decayLR(c.LRScale, c.LRScaleEnd, step, c.TotalSteps)
}

func decayLR(start, end float32, step, total int) float32 {
	t := min(float32(step)/float32(total), 1)
	return start * math32.Pow(end/start, t)
}
