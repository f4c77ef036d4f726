package splat

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/chewxy/math32"

	"github.com/gogpu/splat/internal/kernels"
	"github.com/gogpu/splat/internal/optim"
)

// View is one posed training image.
type View struct {
	Camera Camera

	// Image is the target, with color premultiplied by alpha.
	Image *Image

	// HasAlpha enables the alpha matching term of the loss.
	HasAlpha bool
}

// StepStats describes one training step.
type StepStats struct {
	Iter             int
	Loss             float32
	NumVisible       int
	NumIntersections int

	// Refine is set when the step ended with a refinement pass.
	Refine *RefineStats
}

// Trainer fits splats to posed images with Adam. It is not safe for
// concurrent use.
type Trainer struct {
	cfg         TrainConfig
	renderer    *Renderer
	adam        optim.Adam
	rng         *rand.Rand
	sceneExtent float32
	window      ssimWindow

	splats *Splats
	opt    *OptimizerState

	// record is the running maximum of the refine norm per splat since
	// the last refinement.
	record []float32
	iter   int
}

// NewTrainer returns a trainer that owns splats. sceneExtent scales the
// mean learning rate and enables scale culling when positive.
func NewTrainer(r *Renderer, splats *Splats, cfg TrainConfig, sceneExtent float32, rng *rand.Rand) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := splats.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:         cfg,
		renderer:    r,
		adam:        optim.DefaultAdam(),
		rng:         rng,
		sceneExtent: sceneExtent,
		window:      newSSIMWindow(cfg.SSIMWindowSize),
		splats:      splats,
		opt:         NewOptimizerState(splats.Len(), splats.SHStride()),
		record:      make([]float32, splats.Len()),
	}, nil
}

// Splats returns the splats being trained. They change on every step.
func (t *Trainer) Splats() *Splats {
	return t.splats
}

// Iter returns the number of completed steps.
func (t *Trainer) Iter() int {
	return t.iter
}

// Step renders view, backpropagates the loss against its image, applies
// one optimizer update, and refines when due.
func (t *Trainer) Step(ctx context.Context, view View) (StepStats, error) {
	if err := ctx.Err(); err != nil {
		return StepStats{}, err
	}
	img, st, err := t.renderer.Render(ctx, t.splats, view.Camera)
	if err != nil {
		return StepStats{}, err
	}
	if view.Image == nil || len(view.Image.Pix) != len(img.Pix) {
		return StepStats{}, fmt.Errorf("%w: target image does not match camera %dx%d",
			ErrShapeMismatch, view.Camera.Width, view.Camera.Height)
	}

	alphaWeight := float32(0)
	if view.HasAlpha {
		alphaWeight = t.cfg.MatchAlphaWeight
	}
	w := t.cfg.SSIMWeight
	loss, vOut := l1Loss(img.Pix, view.Image.Pix, 1-w, alphaWeight)
	if w > 0 {
		sim, err := ssim(t.renderer.pool, t.window, img.Pix, view.Image.Pix,
			view.Camera.Width, view.Camera.Height, vOut, -w)
		if err != nil {
			return StepStats{}, fmt.Errorf("splat: ssim: %w", err)
		}
		loss += w * (1 - sim)
	}

	grads, err := t.renderer.RenderBackward(ctx, st, vOut)
	if err != nil {
		return StepStats{}, err
	}
	loss += t.opacityLoss(grads)

	if err := t.applyGrads(grads); err != nil {
		return StepStats{}, err
	}
	t.splats.NormalizeRotations()
	t.addMeanNoise()

	iw, ih := uint32(view.Camera.Width), uint32(view.Camera.Height)
	if err := kernels.GatherRefineStats(t.renderer.pool, grads.RefineWeight, iw, ih, t.record); err != nil {
		return StepStats{}, fmt.Errorf("splat: refine stats: %w", err)
	}
	t.iter++

	stats := StepStats{
		Iter:             t.iter,
		Loss:             loss,
		NumVisible:       st.NumVisible(),
		NumIntersections: st.NumIntersections(),
	}
	refine, err := t.RefineIfNeeded()
	if err != nil {
		return StepStats{}, err
	}
	stats.Refine = refine
	return stats, nil
}

// RefineIfNeeded refines every RefineEvery steps until GrowthStopIter and
// then clears the refine record. It returns nil stats when no pass ran.
func (t *Trainer) RefineIfNeeded() (*RefineStats, error) {
	if t.iter == 0 || t.iter%t.cfg.RefineEvery != 0 || t.iter >= t.cfg.GrowthStopIter {
		return nil, nil
	}
	splats, opt, stats, err := RefineStep(t.splats, t.record, t.opt, t.cfg.RefineConfig(t.sceneExtent), t.rng)
	if err != nil {
		return nil, err
	}
	t.splats = splats
	t.opt = opt
	t.record = make([]float32, splats.Len())
	return &stats, nil
}

// Eval renders view and compares it with its image.
func (t *Trainer) Eval(ctx context.Context, view View) (EvalStats, error) {
	return Eval(ctx, t.renderer, t.splats, view)
}

// l1Loss returns colorWeight times the mean absolute color error and its
// gradient with respect to pred. A positive alphaWeight adds a weighted
// mean absolute alpha error.
func l1Loss(pred, target []float32, colorWeight, alphaWeight float32) (float32, []float32) {
	pixels := len(pred) / 4
	vOut := make([]float32, len(pred))
	if pixels == 0 {
		return 0, vOut
	}
	colorScale := colorWeight / float32(pixels*3)
	alphaScale := alphaWeight / float32(pixels)

	var loss float32
	for p := range pixels {
		for c := range 3 {
			i := p*4 + c
			d := pred[i] - target[i]
			loss += abs(d) * colorScale
			vOut[i] = sign(d) * colorScale
		}
		if alphaWeight > 0 {
			i := p*4 + 3
			d := pred[i] - target[i]
			loss += abs(d) * alphaScale
			vOut[i] = sign(d) * alphaScale
		}
	}
	return loss, vOut
}

// opacityLoss adds the mean opacity penalty to the raw opacity gradients
// and returns its value.
func (t *Trainer) opacityLoss(grads *SplatGrads) float32 {
	n := t.splats.Len()
	if t.cfg.OpacLossWeight == 0 || n == 0 {
		return 0
	}
	w := t.cfg.OpacLossWeight / float32(n)
	var loss float32
	for i := range n {
		o := t.splats.Opacity(i)
		loss += w * o
		grads.RawOpacities[i] += w * o * (1 - o)
	}
	return loss
}

// addMeanNoise jitters the means of nearly transparent splats so they keep
// exploring instead of stalling. The step is gaussian per axis, scaled by
// the splat size, the mean learning rate and (1 - opacity)^100.
func (t *Trainer) addMeanNoise() {
	if t.cfg.MeanNoiseWeight == 0 {
		return
	}
	extent := t.sceneExtent
	if extent <= 0 {
		extent = 1
	}
	lr := t.cfg.meanLR(t.iter) * extent * t.cfg.MeanNoiseWeight
	s := t.splats
	for i := range s.Len() {
		w := lr * math32.Pow(1-s.Opacity(i), 100)
		if w < 1e-12 {
			continue
		}
		scale := s.Scale(i)
		for k := range 3 {
			s.Means[i][k] += w * scale[k] * float32(t.rng.NormFloat64())
		}
	}
}

func (t *Trainer) applyGrads(g *SplatGrads) error {
	t.opt.Step++
	step := t.opt.Step
	pool := t.renderer.pool
	s := t.splats

	extent := t.sceneExtent
	if extent <= 0 {
		extent = 1
	}

	shLR := make([]float32, s.SHStride())
	for k := range shLR {
		shLR[k] = t.cfg.LRCoeffsDC
		if k >= 3 {
			shLR[k] /= t.cfg.LRCoeffsSHScale
		}
	}

	updates := []struct {
		group         int
		params, grads []float32
		lr            []float32
	}{
		{groupMeans, flat3(s.Means), flat3(g.Means), []float32{t.cfg.meanLR(t.iter) * extent}},
		{groupRotations, flat4(s.Rotations), flat4(g.Rotations), []float32{t.cfg.LRRotation}},
		{groupLogScales, flat3(s.LogScales), flat3(g.LogScales), []float32{t.cfg.scaleLR(t.iter)}},
		{groupOpacities, s.RawOpacities, g.RawOpacities, []float32{t.cfg.LROpac}},
		{groupSH, s.SHCoeffs, g.SHCoeffs, shLR},
	}
	for _, u := range updates {
		if err := t.opt.groups[u.group].Step(pool, t.adam, u.params, u.grads, u.lr, step); err != nil {
			return fmt.Errorf("splat: optimizer: %w", err)
		}
	}
	return nil
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func sign(x float32) float32 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
