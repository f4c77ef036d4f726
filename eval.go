package splat

import (
	"context"
	"fmt"
)

// evalWindowSize is the SSIM window used for evaluation regardless of the
// training configuration.
const evalWindowSize = 11

// EvalStats compares a render with its target over the color channels.
type EvalStats struct {
	// PSNR is in dB with peak 1. It is +Inf for an exact match.
	PSNR float32
	// SSIM is the mean structural similarity, 1 for an exact match.
	SSIM float32
}

// Eval renders splats from the view camera and scores the result against
// the view image.
func Eval(ctx context.Context, r *Renderer, splats *Splats, view View) (EvalStats, error) {
	img, _, err := r.Render(ctx, splats, view.Camera)
	if err != nil {
		return EvalStats{}, err
	}
	if view.Image == nil || len(view.Image.Pix) != len(img.Pix) {
		return EvalStats{}, fmt.Errorf("%w: target image does not match camera %dx%d",
			ErrShapeMismatch, view.Camera.Width, view.Camera.Height)
	}
	sim, err := ssim(r.pool, newSSIMWindow(evalWindowSize), img.Pix, view.Image.Pix, img.Width, img.Height, nil, 0)
	if err != nil {
		return EvalStats{}, fmt.Errorf("splat: ssim: %w", err)
	}
	return EvalStats{PSNR: psnr(img.Pix, view.Image.Pix), SSIM: sim}, nil
}
