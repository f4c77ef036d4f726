package splat

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/kernels"
	"github.com/gogpu/splat/internal/optim"
)

// RefineConfig controls one pruning and densification pass.
type RefineConfig struct {
	// MinOpacity prunes splats that are less opaque.
	MinOpacity float32

	// GrowthGradThreshold is the refine record value at which a splat
	// becomes a split candidate.
	GrowthGradThreshold float32

	// GrowthSelectFraction of the candidates are split.
	GrowthSelectFraction float32

	MaxSplats int
	MinSplats int

	// CullScaleThreshold prunes splats with a scale above this fraction of
	// SceneExtent. Zero in either disables scale culling.
	CullScaleThreshold float32
	SceneExtent        float32

	// Backfill splits as many extra splats as were pruned, chosen with
	// probability proportional to opacity.
	Backfill bool
}

// DefaultRefineConfig returns the refinement defaults without scale culling.
func DefaultRefineConfig() RefineConfig {
	return DefaultTrainConfig().RefineConfig(0)
}

// RefineStats summarizes one refinement pass.
type RefineStats struct {
	Pruned int
	Split  int
	Total  int
}

// Optimizer parameter groups.
const (
	groupMeans = iota
	groupRotations
	groupLogScales
	groupOpacities
	groupSH
	numGroups
)

// OptimizerState holds the Adam moments of every parameter group. It always
// covers the same splats, in the same order, as the arena it optimizes.
type OptimizerState struct {
	groups [numGroups]*optim.Moments

	// Step is the number of updates applied so far.
	Step int
}

// NewOptimizerState returns zeroed moments for n splats with shStride SH
// floats each.
func NewOptimizerState(n, shStride int) *OptimizerState {
	o := &OptimizerState{}
	strides := [numGroups]int{3, 4, 3, 1, shStride}
	for g, stride := range strides {
		o.groups[g] = optim.NewMoments(n, stride)
	}
	return o
}

// Len returns the number of splats covered.
func (o *OptimizerState) Len() int {
	return o.groups[groupMeans].Len()
}

// Clone returns a deep copy.
func (o *OptimizerState) Clone() *OptimizerState {
	out := &OptimizerState{Step: o.Step}
	for g, m := range o.groups {
		out.groups[g] = m.Clone()
	}
	return out
}

func (o *OptimizerState) gather(idx []int) *OptimizerState {
	out := &OptimizerState{Step: o.Step}
	for g, m := range o.groups {
		out.groups[g] = m.Gather(idx)
	}
	return out
}

func (o *OptimizerState) grow(n int) {
	for _, m := range o.groups {
		m.Grow(n)
	}
}

// splitScale is the factor by which split children shrink.
const splitScale = 1.6

// RefineStep prunes faint and oversized splats and splits a random share of
// the splats whose refine record reached the growth threshold. refineGrad
// holds one record value per splat. The inputs are not modified; the
// returned splats and optimizer state stay index aligned. A nil opt is
// treated as zeroed moments.
func RefineStep(s *Splats, refineGrad []float32, opt *OptimizerState, cfg RefineConfig, rng *rand.Rand) (*Splats, *OptimizerState, RefineStats, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, RefineStats{}, err
	}
	n := s.Len()
	if len(refineGrad) != n {
		return nil, nil, RefineStats{}, fmt.Errorf("%w: %d refine values for %d splats", ErrShapeMismatch, len(refineGrad), n)
	}
	if opt == nil {
		opt = NewOptimizerState(n, s.SHStride())
	}
	if opt.Len() != n {
		return nil, nil, RefineStats{}, fmt.Errorf("%w: optimizer covers %d splats, arena has %d", ErrShapeMismatch, opt.Len(), n)
	}

	keep := pruneKeep(s, cfg)
	floor := min(max(cfg.MinSplats, 1), n)
	if len(keep) < floor {
		Logger().Warn("splat: refusing to prune below the population floor",
			"splats", n,
			"survivors", len(keep),
			"floor", floor)
		keep = keep[:0]
		for i := range n {
			keep = append(keep, i)
		}
	}
	pruned := n - len(keep)

	out := s.gather(keep)
	outOpt := opt.gather(keep)
	grads := make([]float32, len(keep))
	for dst, src := range keep {
		grads[dst] = refineGrad[src]
	}

	parents := growthCandidates(out, grads, cfg, rng)
	if cfg.Backfill && pruned > 0 {
		room := max(cfg.MaxSplats-out.Len()-len(parents), 0)
		parents = append(parents, sampleByOpacity(out, parents, min(pruned, room), rng)...)
	}

	for _, p := range parents {
		splitSplat(out, p, rng)
	}
	outOpt.grow(len(parents))

	stats := RefineStats{Pruned: pruned, Split: len(parents), Total: out.Len()}
	Logger().Info("splat: refine",
		"pruned", stats.Pruned,
		"split", stats.Split,
		"total", stats.Total)
	return out, outOpt, stats, nil
}

// pruneKeep returns the ids of the splats that survive pruning.
func pruneKeep(s *Splats, cfg RefineConfig) []int {
	minRaw := kernels.Logit(cfg.MinOpacity)
	cull := cfg.CullScaleThreshold > 0 && cfg.SceneExtent > 0
	maxLogScale := math32.Log(cfg.CullScaleThreshold * cfg.SceneExtent)

	keep := make([]int, 0, s.Len())
	for i := range s.Len() {
		if s.RawOpacities[i] < minRaw {
			continue
		}
		if cull {
			ls := s.LogScales[i]
			if ls[0] > maxLogScale || ls[1] > maxLogScale || ls[2] > maxLogScale {
				continue
			}
		}
		keep = append(keep, i)
	}
	return keep
}

// growthCandidates picks the splats to split: a random
// GrowthSelectFraction of those at or above the threshold, capped so the
// arena does not exceed MaxSplats.
func growthCandidates(s *Splats, grads []float32, cfg RefineConfig, rng *rand.Rand) []int {
	var cand []int
	for i, g := range grads {
		if g >= cfg.GrowthGradThreshold {
			cand = append(cand, i)
		}
	}
	rng.Shuffle(len(cand), func(i, j int) { cand[i], cand[j] = cand[j], cand[i] })

	count := int(math32.Ceil(cfg.GrowthSelectFraction * float32(len(cand))))
	count = min(count, max(cfg.MaxSplats-s.Len(), 0))
	cand = cand[:count]
	slices.Sort(cand)
	return cand
}

// sampleByOpacity draws k distinct splats not in exclude, each with
// probability proportional to its opacity (Efraimidis-Spirakis keys).
func sampleByOpacity(s *Splats, exclude []int, k int, rng *rand.Rand) []int {
	if k <= 0 {
		return nil
	}
	type keyed struct {
		id  int
		key float32
	}
	taken := make(map[int]bool, len(exclude))
	for _, i := range exclude {
		taken[i] = true
	}
	var pool []keyed
	for i := range s.Len() {
		w := s.Opacity(i)
		if taken[i] || w <= 0 {
			continue
		}
		u := max(rng.Float32(), 1e-12)
		pool = append(pool, keyed{id: i, key: math32.Log(u) / w})
	}
	slices.SortFunc(pool, func(a, b keyed) int {
		switch {
		case a.key > b.key:
			return -1
		case a.key < b.key:
			return 1
		}
		return a.id - b.id
	})

	out := make([]int, 0, min(k, len(pool)))
	for _, e := range pool[:min(k, len(pool))] {
		out = append(out, e.id)
	}
	return out
}

// splitSplat replaces splat p by two smaller children offset along a
// random sample of its own shape. One child takes slot p, the other is
// appended.
func splitSplat(s *Splats, p int, rng *rand.Rand) {
	scale := s.Scale(p)
	q, _ := kernels.NormalizeQuat(s.Rotations[p])
	local := f32.Vec3{
		float32(rng.NormFloat64()) * 0.5 * scale[0],
		float32(rng.NormFloat64()) * 0.5 * scale[1],
		float32(rng.NormFloat64()) * 0.5 * scale[2],
	}
	off := rotate(q, local)

	shrink := math32.Log(splitScale)
	ls := s.LogScales[p]
	s.LogScales[p] = f32.Vec3{ls[0] - shrink, ls[1] - shrink, ls[2] - shrink}

	// Two children of opacity o' composite to 1 - (1-o')² = o.
	o := min(s.Opacity(p), 1-1e-6)
	s.RawOpacities[p] = kernels.Logit(1 - math32.Sqrt(1-o))

	child := s.appendCopy(p)
	m := s.Means[p]
	s.Means[p] = f32.Vec3{m[0] + off[0], m[1] + off[1], m[2] + off[2]}
	s.Means[child] = f32.Vec3{m[0] - off[0], m[1] - off[1], m[2] - off[2]}
}

func rotate(q f32.Vec4, v f32.Vec3) f32.Vec3 {
	r := kernels.QuatToMat(q)
	return f32.Vec3{
		r[0]*v[0] + r[1]*v[1] + r[2]*v[2],
		r[3]*v[0] + r[4]*v[1] + r[5]*v[2],
		r[6]*v[0] + r[7]*v[1] + r[8]*v[2],
	}
}
