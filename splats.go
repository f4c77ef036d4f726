package splat

import (
	"fmt"
	"math/rand/v2"
	"unsafe"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/kernels"
)

// MaxSHDegree is the highest supported spherical harmonics degree.
const MaxSHDegree = kernels.MaxSHDegree

// Splats is a columnar arena of 3D Gaussians. The index into every column
// is the splat id. Renderers read the columns; only the training loop
// writes them.
type Splats struct {
	Means []f32.Vec3

	// Rotations are quaternions (w, x, y, z). They are normalized before
	// use and need not be unit length.
	Rotations []f32.Vec4

	LogScales    []f32.Vec3
	RawOpacities []float32

	// SHCoeffs holds SHStride() floats per splat: (degree+1)² coefficients
	// of three interleaved color channels.
	SHCoeffs []float32
	SHDegree int
}

// NewSplats returns n splats at the origin with identity rotation, unit
// scale, opacity 0.5, and zero (mid gray) color.
func NewSplats(n, shDegree int) *Splats {
	s := &Splats{
		Means:        make([]f32.Vec3, n),
		Rotations:    make([]f32.Vec4, n),
		LogScales:    make([]f32.Vec3, n),
		RawOpacities: make([]float32, n),
		SHDegree:     shDegree,
	}
	s.SHCoeffs = make([]float32, n*s.SHStride())
	for i := range s.Rotations {
		s.Rotations[i] = f32.Vec4{1, 0, 0, 0}
	}
	return s
}

// Bounds is an axis aligned box.
type Bounds struct {
	Min, Max f32.Vec3
}

// Extent returns half the diagonal of the box.
func (b Bounds) Extent() float32 {
	dx, dy, dz := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1], b.Max[2]-b.Min[2]
	return 0.5 * math32.Sqrt(dx*dx+dy*dy+dz*dz)
}

// DefaultInitCount is the number of splats NewRandomSplats creates when
// asked for zero.
const DefaultInitCount = 10000

// NewRandomSplats places n splats uniformly inside bounds with random
// colors and opacity 0.1. Each splat's scale is the root mean squared
// distance to its three nearest neighbours.
func NewRandomSplats(rng *rand.Rand, n int, bounds Bounds) *Splats {
	if n <= 0 {
		n = DefaultInitCount
	}
	s := NewSplats(n, 0)
	uniform := func(lo, hi float32) float32 { return lo + rng.Float32()*(hi-lo) }
	for i := range n {
		s.Means[i] = f32.Vec3{
			uniform(bounds.Min[0], bounds.Max[0]),
			uniform(bounds.Min[1], bounds.Max[1]),
			uniform(bounds.Min[2], bounds.Max[2]),
		}
		for c := range 3 {
			s.SHCoeffs[i*3+c] = kernels.RGBToSH(rng.Float32())
		}
		s.RawOpacities[i] = kernels.Logit(0.1)
	}

	grid := newNeighborGrid(s.Means)
	for i := range n {
		// The log of the mean squared distance is twice the log scale.
		ls := 0.5 * math32.Log(max(grid.meanSquaredDistance(i, 3), 1e-12))
		s.LogScales[i] = f32.Vec3{ls, ls, ls}
	}
	return s
}

// neighborGrid buckets points into cubic cells for k-nearest queries.
type neighborGrid struct {
	points []f32.Vec3
	origin f32.Vec3
	cell   float32
	dims   [3]int
	cells  [][]int32
}

// newNeighborGrid sizes cells to hold about two points each.
func newNeighborGrid(points []f32.Vec3) *neighborGrid {
	g := &neighborGrid{points: points, cell: 1, dims: [3]int{1, 1, 1}}
	if len(points) == 0 {
		g.cells = make([][]int32, 1)
		return g
	}
	lo, hi := points[0], points[0]
	for _, p := range points {
		for k := range 3 {
			lo[k] = min(lo[k], p[k])
			hi[k] = max(hi[k], p[k])
		}
	}
	g.origin = lo

	ext := f32.Vec3{hi[0] - lo[0], hi[1] - lo[1], hi[2] - lo[2]}
	longest := max(ext[0], ext[1], ext[2])
	if longest > 0 {
		// Flat clouds still get a finite volume.
		floor := longest * 1e-3
		vol := max(ext[0], floor) * max(ext[1], floor) * max(ext[2], floor)
		g.cell = math32.Pow(2*vol/float32(len(points)), 1.0/3)
	}
	for {
		total := 1
		for k := range 3 {
			g.dims[k] = int(ext[k]/g.cell) + 1
			total *= g.dims[k]
		}
		if total <= 8*len(points)+8 {
			break
		}
		g.cell *= 1.5
	}

	g.cells = make([][]int32, g.dims[0]*g.dims[1]*g.dims[2])
	for i, p := range points {
		c := g.cellOf(p)
		idx := g.index(c)
		g.cells[idx] = append(g.cells[idx], int32(i)) //nolint:gosec // splat counts fit in int32
	}
	return g
}

func (g *neighborGrid) cellOf(p f32.Vec3) [3]int {
	var c [3]int
	for k := range 3 {
		c[k] = min(max(int((p[k]-g.origin[k])/g.cell), 0), g.dims[k]-1)
	}
	return c
}

func (g *neighborGrid) index(c [3]int) int {
	return (c[2]*g.dims[1]+c[1])*g.dims[0] + c[0]
}

// meanSquaredDistance returns the mean squared distance from point i to its
// k nearest other points, or 0 when there are none. Cells are searched in
// growing shells; a point in shell r+1 is at least r cells away.
func (g *neighborGrid) meanSquaredDistance(i, k int) float32 {
	p := g.points[i]
	c := g.cellOf(p)
	best := make([]float32, 0, k+1)
	maxR := max(g.dims[0], g.dims[1], g.dims[2])

	for r := 0; r <= maxR; r++ {
		for z := c[2] - r; z <= c[2]+r; z++ {
			for y := c[1] - r; y <= c[1]+r; y++ {
				for x := c[0] - r; x <= c[0]+r; x++ {
					if max(absInt(x-c[0]), absInt(y-c[1]), absInt(z-c[2])) != r {
						continue
					}
					if x < 0 || y < 0 || z < 0 || x >= g.dims[0] || y >= g.dims[1] || z >= g.dims[2] {
						continue
					}
					for _, j := range g.cells[g.index([3]int{x, y, z})] {
						if int(j) == i {
							continue
						}
						q := g.points[j]
						dx, dy, dz := p[0]-q[0], p[1]-q[1], p[2]-q[2]
						best = insertNearest(best, dx*dx+dy*dy+dz*dz, k)
					}
				}
			}
		}
		reach := float32(r) * g.cell
		if len(best) == k && best[k-1] <= reach*reach {
			break
		}
	}

	if len(best) == 0 {
		return 0
	}
	var sum float32
	for _, d := range best {
		sum += d
	}
	return sum / float32(len(best))
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// insertNearest adds d to the ascending shortlist best, keeping at most k.
func insertNearest(best []float32, d float32, k int) []float32 {
	if len(best) == k && d >= best[k-1] {
		return best
	}
	pos := len(best)
	for pos > 0 && best[pos-1] > d {
		pos--
	}
	best = append(best, 0)
	copy(best[pos+1:], best[pos:])
	best[pos] = d
	if len(best) > k {
		best = best[:k]
	}
	return best
}

// Len returns the number of splats.
func (s *Splats) Len() int {
	return len(s.Means)
}

// SHStride returns the number of SH floats per splat.
func (s *Splats) SHStride() int {
	return kernels.NumSHCoeffs(s.SHDegree) * 3
}

// Opacity returns sigmoid(raw opacity) of splat i.
func (s *Splats) Opacity(i int) float32 {
	return kernels.Sigmoid(s.RawOpacities[i])
}

// Scale returns exp(log scale) of splat i.
func (s *Splats) Scale(i int) f32.Vec3 {
	ls := s.LogScales[i]
	return f32.Vec3{math32.Exp(ls[0]), math32.Exp(ls[1]), math32.Exp(ls[2])}
}

// Validate reports whether all columns describe the same number of splats.
func (s *Splats) Validate() error {
	if s.SHDegree < 0 || s.SHDegree > MaxSHDegree {
		return fmt.Errorf("%w: sh degree %d outside [0, %d]", ErrShapeMismatch, s.SHDegree, MaxSHDegree)
	}
	n := len(s.Means)
	if len(s.Rotations) != n || len(s.LogScales) != n || len(s.RawOpacities) != n {
		return fmt.Errorf("%w: %d means, %d rotations, %d log scales, %d opacities",
			ErrShapeMismatch, n, len(s.Rotations), len(s.LogScales), len(s.RawOpacities))
	}
	if len(s.SHCoeffs) != n*s.SHStride() {
		return fmt.Errorf("%w: %d sh coefficients for %d splats of degree %d",
			ErrShapeMismatch, len(s.SHCoeffs), n, s.SHDegree)
	}
	return nil
}

// Clone returns a deep copy.
func (s *Splats) Clone() *Splats {
	return &Splats{
		Means:        append([]f32.Vec3(nil), s.Means...),
		Rotations:    append([]f32.Vec4(nil), s.Rotations...),
		LogScales:    append([]f32.Vec3(nil), s.LogScales...),
		RawOpacities: append([]float32(nil), s.RawOpacities...),
		SHCoeffs:     append([]float32(nil), s.SHCoeffs...),
		SHDegree:     s.SHDegree,
	}
}

// NormalizeRotations rescales every quaternion to unit length.
func (s *Splats) NormalizeRotations() {
	for i, q := range s.Rotations {
		s.Rotations[i], _ = kernels.NormalizeQuat(q)
	}
}

// gather returns the splats in idx, in that order.
func (s *Splats) gather(idx []int) *Splats {
	out := NewSplats(len(idx), s.SHDegree)
	stride := s.SHStride()
	for dst, src := range idx {
		out.Means[dst] = s.Means[src]
		out.Rotations[dst] = s.Rotations[src]
		out.LogScales[dst] = s.LogScales[src]
		out.RawOpacities[dst] = s.RawOpacities[src]
		copy(out.SHCoeffs[dst*stride:(dst+1)*stride], s.SHCoeffs[src*stride:(src+1)*stride])
	}
	return out
}

// appendCopy appends a copy of splat i and returns its id.
func (s *Splats) appendCopy(i int) int {
	stride := s.SHStride()
	s.Means = append(s.Means, s.Means[i])
	s.Rotations = append(s.Rotations, s.Rotations[i])
	s.LogScales = append(s.LogScales, s.LogScales[i])
	s.RawOpacities = append(s.RawOpacities, s.RawOpacities[i])
	s.SHCoeffs = append(s.SHCoeffs, s.SHCoeffs[i*stride:(i+1)*stride]...)
	return len(s.Means) - 1
}

func (s *Splats) buffers() kernels.SplatBuffers {
	return kernels.SplatBuffers{
		Means:        s.Means,
		Rotations:    s.Rotations,
		LogScales:    s.LogScales,
		RawOpacities: s.RawOpacities,
		SHCoeffs:     s.SHCoeffs,
		SHDegree:     s.SHDegree,
	}
}

// flat3 and flat4 view vector columns as plain float slices.
func flat3(v []f32.Vec3) []float32 {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice(&v[0][0], len(v)*3) //nolint:gosec // f32.Vec3 is [3]float32
}

func flat4(v []f32.Vec4) []float32 {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice(&v[0][0], len(v)*4) //nolint:gosec // f32.Vec4 is [4]float32
}
