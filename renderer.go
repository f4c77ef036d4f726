package splat

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/gpu"
	"github.com/gogpu/splat/internal/kernels"
	"github.com/gogpu/splat/internal/parallel"
	"github.com/gogpu/splat/internal/prefixsum"
	"github.com/gogpu/splat/internal/radixsort"
)

// Renderer renders splats and differentiates the renders.
//
// All kernels of a Renderer run on its own worker pool; the raster stages
// run on a GPU device instead when one was supplied with WithDevice.
// Renderer is safe for concurrent use.
type Renderer struct {
	opts rendererOptions
	pool *parallel.WorkerPool

	// gpu is nil when rasterization runs on the CPU.
	gpu *gpu.RasterDispatcher
}

// NewRenderer creates a renderer. A device that cannot be initialized is
// logged and ignored.
func NewRenderer(opts ...Option) *Renderer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Renderer{
		opts: o,
		pool: parallel.NewWorkerPool(o.workers),
	}

	if o.device != nil {
		d, err := gpu.NewRasterDispatcherFromProvider(o.device)
		if err == nil {
			err = d.Init()
		}
		if err != nil {
			Logger().Warn("splat: GPU rasterizer unavailable, using CPU", "err", err)
		} else {
			r.gpu = d
			Logger().Info("splat: GPU rasterizer ready")
		}
	}
	return r
}

// Close releases the worker pool and GPU resources. Renders after Close
// fail with ErrClosed.
func (r *Renderer) Close() {
	r.pool.Close()
	if r.gpu != nil {
		r.gpu.Close()
	}
}

// RenderState is what a backward pass needs from its forward pass. The
// splats passed to Render must not change until RenderBackward returns.
type RenderState struct {
	splats   *Splats
	uniforms *kernels.Uniforms

	globalFromCompact   []uint32
	projected           []kernels.ProjectedSplat
	compactGidFromIsect []uint32
	tileOffsets         []uint32

	image      *Image
	finalIndex []uint32

	// visible is indexed by compact id.
	visible []uint32
}

// NumVisible returns the number of splats that passed culling.
func (st *RenderState) NumVisible() int {
	return len(st.globalFromCompact)
}

// NumIntersections returns the number of (tile, splat) pairs rasterized.
func (st *RenderState) NumIntersections() int {
	return len(st.compactGidFromIsect)
}

// TileOffsets returns the start of every tile's intersections, followed by
// the total. Tile t owns intersections TileOffsets[t] up to TileOffsets[t+1].
func (st *RenderState) TileOffsets() []uint32 {
	return st.tileOffsets
}

// VisibleMask reports, per splat, whether it contributed to any pixel.
func (st *RenderState) VisibleMask() []bool {
	mask := make([]bool, st.splats.Len())
	for cid, v := range st.visible {
		if v != 0 {
			mask[st.globalFromCompact[cid]] = true
		}
	}
	return mask
}

// Render rasterizes the splats seen by cam. The returned image has alpha
// 1 - T where T is the final transmittance of each pixel.
func (r *Renderer) Render(ctx context.Context, s *Splats, cam Camera) (*Image, *RenderState, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if cam.Width <= 0 || cam.Height <= 0 {
		return nil, nil, fmt.Errorf("%w: %dx%d", ErrEmptyImage, cam.Width, cam.Height)
	}
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}

	n := s.Len()
	u := cam.uniforms(s.SHDegree, n, r.opts.blur, r.opts.background)
	buf := s.buffers()
	numTiles := u.NumTiles()

	visible := make([]uint32, n)
	depths := make([]float32, n)
	if err := kernels.ProjectSplats(r.pool, u, buf, visible, depths); err != nil {
		return nil, nil, fmt.Errorf("splat: project: %w", err)
	}

	offsets, numVisible, err := prefixsum.Exclusive(r.pool, visible)
	if err != nil {
		return nil, nil, fmt.Errorf("splat: compact: %w", err)
	}
	presortGid := make([]uint32, numVisible)
	presortDepth := make([]uint32, numVisible)
	if err := kernels.CompactVisible(r.pool, visible, offsets, depths, presortGid, presortDepth); err != nil {
		return nil, nil, fmt.Errorf("splat: compact: %w", err)
	}
	_, globalFromCompact, err := radixsort.Argsort(r.pool, presortDepth, presortGid, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("splat: depth sort: %w", err)
	}

	projected := make([]kernels.ProjectedSplat, numVisible)
	rects := make([]kernels.TileRect, numVisible)
	tilesHit := make([]uint32, numVisible+1)
	if err := kernels.ProjectVisible(r.pool, u, buf, globalFromCompact, projected, rects, tilesHit); err != nil {
		return nil, nil, fmt.Errorf("splat: project visible: %w", err)
	}

	cumHits, err := prefixsum.Inclusive(r.pool, tilesHit)
	if err != nil {
		return nil, nil, fmt.Errorf("splat: intersection offsets: %w", err)
	}
	numIsect := cumHits[numVisible]
	budget := min(uint64(n)*uint64(numTiles), uint64(r.opts.maxIntersections))
	if uint64(numIsect) > budget {
		return nil, nil, fmt.Errorf("%w: %d intersections, budget %d", ErrTooManyIntersections, numIsect, budget)
	}

	tileIDs := make([]uint32, numIsect)
	compactGids := make([]uint32, numIsect)
	tileCounts := make([]uint32, numTiles+1)
	if err := kernels.MapGaussiansToIntersect(r.pool, u, rects, cumHits, tileIDs, compactGids, tileCounts); err != nil {
		return nil, nil, fmt.Errorf("splat: intersect: %w", err)
	}
	_, compactGidFromIsect, err := radixsort.Argsort(r.pool, tileIDs, compactGids, radixsort.BitLength(numTiles))
	if err != nil {
		return nil, nil, fmt.Errorf("splat: tile sort: %w", err)
	}
	tileOffsets, err := prefixsum.Inclusive(r.pool, tileCounts)
	if err != nil {
		return nil, nil, fmt.Errorf("splat: tile offsets: %w", err)
	}

	st := &RenderState{
		splats:              s,
		uniforms:            u,
		globalFromCompact:   globalFromCompact,
		projected:           projected,
		compactGidFromIsect: compactGidFromIsect,
		tileOffsets:         tileOffsets,
		image:               NewImage(cam.Width, cam.Height),
		finalIndex:          make([]uint32, u.NumPixels()),
		visible:             make([]uint32, numVisible),
	}
	if err := r.rasterize(st); err != nil {
		return nil, nil, err
	}

	Logger().Debug("splat: render",
		"splats", n,
		"visible", numVisible,
		"intersections", numIsect,
		"tiles", numTiles)

	return st.image, st, nil
}

func (r *Renderer) rasterize(st *RenderState) error {
	if r.gpu != nil {
		res, err := r.gpu.Forward(gpuParams(st), kernels.PackProjected(st.projected), st.compactGidFromIsect, st.tileOffsets)
		if err == nil {
			copy(st.image.Pix, res.Image)
			copy(st.finalIndex, res.FinalIndex)
			copy(st.visible, res.Visible)
			return nil
		}
		Logger().Warn("splat: GPU rasterize failed, falling back to CPU", "err", err)
	}

	in := kernels.RasterInput{
		Uniforms:            st.uniforms,
		Projected:           st.projected,
		CompactGidFromIsect: st.compactGidFromIsect,
		TileOffsets:         st.tileOffsets,
	}
	out := kernels.RasterOutput{
		Image:      st.image.Pix,
		FinalIndex: st.finalIndex,
		Visible:    st.visible,
	}
	if err := kernels.Rasterize(r.pool, in, out); err != nil {
		return fmt.Errorf("splat: rasterize: %w", err)
	}
	return nil
}

func gpuParams(st *RenderState) gpu.RasterParams {
	u := st.uniforms
	return gpu.RasterParams{
		ImgWidth:         u.ImgWidth,
		ImgHeight:        u.ImgHeight,
		TileBoundsX:      u.TileBoundsX,
		TileBoundsY:      u.TileBoundsY,
		Background:       u.Background,
		NumVisible:       uint32(len(st.projected)),
		NumIntersections: uint32(len(st.compactGidFromIsect)),
	}
}

// SplatGrads holds the gradient of a loss with respect to every splat
// parameter. Splats that were not visible have zero gradients.
type SplatGrads struct {
	Means        []f32.Vec3
	Rotations    []f32.Vec4
	LogScales    []f32.Vec3
	RawOpacities []float32
	SHCoeffs     []float32

	// RefineWeight is the per-splat sum over pixels of |dL/dxy| in pixels.
	RefineWeight []f32.Vec2
}

func newSplatGrads(n, shStride int) *SplatGrads {
	return &SplatGrads{
		Means:        make([]f32.Vec3, n),
		Rotations:    make([]f32.Vec4, n),
		LogScales:    make([]f32.Vec3, n),
		RawOpacities: make([]float32, n),
		SHCoeffs:     make([]float32, n*shStride),
		RefineWeight: make([]f32.Vec2, n),
	}
}

// RenderBackward returns the splat gradients of a loss whose gradient with
// respect to the rendered image is vOut (RGBA per pixel).
func (r *Renderer) RenderBackward(ctx context.Context, st *RenderState, vOut []float32) (*SplatGrads, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vOut) != len(st.image.Pix) {
		return nil, fmt.Errorf("%w: image gradient has %d floats, image has %d", ErrShapeMismatch, len(vOut), len(st.image.Pix))
	}
	if st.uniforms.TotalSplats != uint32(st.splats.Len()) {
		return nil, fmt.Errorf("%w: splats changed between render and backward", ErrShapeMismatch)
	}

	vGrads, vRefine, err := r.rasterizeBackward(st, vOut)
	if err != nil {
		return nil, err
	}

	grads := newSplatGrads(st.splats.Len(), st.splats.SHStride())
	in := kernels.ProjectBackwardInput{
		Uniforms:          st.uniforms,
		Splats:            st.splats.buffers(),
		GlobalFromCompact: st.globalFromCompact,
		VGrads:            vGrads,
		VRefine:           vRefine,
	}
	out := kernels.SplatGradBuffers{
		Means:        grads.Means,
		Rotations:    grads.Rotations,
		LogScales:    grads.LogScales,
		RawOpacities: grads.RawOpacities,
		SHCoeffs:     grads.SHCoeffs,
		RefineWeight: grads.RefineWeight,
	}
	if err := kernels.ProjectBackward(r.pool, in, out); err != nil {
		return nil, fmt.Errorf("splat: project backward: %w", err)
	}
	return grads, nil
}

func (r *Renderer) rasterizeBackward(st *RenderState, vOut []float32) (vGrads, vRefine []float32, err error) {
	nv := len(st.globalFromCompact)
	if r.gpu != nil {
		res, err := r.gpu.Backward(gpuParams(st), kernels.PackProjected(st.projected), st.compactGidFromIsect,
			st.tileOffsets, st.finalIndex, st.image.Pix, vOut)
		if err == nil {
			return res.VGrads, res.VRefine, nil
		}
		Logger().Warn("splat: GPU rasterize backward failed, falling back to CPU", "err", err)
	}

	out := kernels.RasterBackwardOutput{
		VGrads:  kernels.NewAtomicFloats(nv * kernels.GradStride),
		VRefine: kernels.NewAtomicFloats(nv * kernels.RefineStride),
	}
	in := kernels.RasterBackwardInput{
		RasterInput: kernels.RasterInput{
			Uniforms:            st.uniforms,
			Projected:           st.projected,
			CompactGidFromIsect: st.compactGidFromIsect,
			TileOffsets:         st.tileOffsets,
		},
		Image:      st.image.Pix,
		FinalIndex: st.finalIndex,
		VOut:       vOut,
	}
	if err := kernels.RasterizeBackward(r.pool, in, out); err != nil {
		return nil, nil, fmt.Errorf("splat: rasterize backward: %w", err)
	}
	return out.VGrads.Floats(), out.VRefine.Floats(), nil
}

var (
	defaultOnce     sync.Once
	defaultRenderer *Renderer
)

// Default returns the shared CPU renderer used by the package-level
// functions.
func Default() *Renderer {
	defaultOnce.Do(func() {
		defaultRenderer = NewRenderer()
	})
	return defaultRenderer
}

// Render renders with the default renderer.
func Render(ctx context.Context, s *Splats, cam Camera) (*Image, *RenderState, error) {
	return Default().Render(ctx, s, cam)
}

// RenderBackward differentiates a render of the default renderer.
func RenderBackward(ctx context.Context, st *RenderState, vOut []float32) (*SplatGrads, error) {
	return Default().RenderBackward(ctx, st, vOut)
}
