package splat

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/kernels"
)

// Camera is a pinhole camera. In camera space +x points right, +y down and
// +z forward.
type Camera struct {
	// Position is the camera center in world space.
	Position f32.Vec3

	// Rotation is the camera-to-world rotation as a quaternion (w, x, y, z).
	Rotation f32.Vec4

	// FovX and FovY are the full fields of view in radians.
	FovX, FovY float32

	// CenterUV is the principal point as a fraction of the image size.
	CenterUV f32.Vec2

	Width, Height int
}

// NewCamera returns a camera with a centered principal point.
func NewCamera(position f32.Vec3, rotation f32.Vec4, fovX, fovY float32, width, height int) Camera {
	return Camera{
		Position: position,
		Rotation: rotation,
		FovX:     fovX,
		FovY:     fovY,
		CenterUV: f32.Vec2{0.5, 0.5},
		Width:    width,
		Height:   height,
	}
}

// LookAt returns a camera at eye facing target. up is the world direction
// that appears upwards in the image.
func LookAt(eye, target, up f32.Vec3, fovX, fovY float32, width, height int) Camera {
	fwd := normalize(sub(target, eye))
	right := normalize(cross(fwd, up))
	down := cross(fwd, right)
	// Columns are the camera axes in world space.
	rot := f32.Mat3{
		right[0], down[0], fwd[0],
		right[1], down[1], fwd[1],
		right[2], down[2], fwd[2],
	}
	return NewCamera(eye, matToQuat(rot), fovX, fovY, width, height)
}

// FocalFromFov converts a field of view to a focal length in pixels.
func FocalFromFov(fov float32, pixels int) float32 {
	return 0.5 * float32(pixels) / math32.Tan(0.5*fov)
}

// FovFromFocal converts a focal length in pixels to a field of view.
func FovFromFocal(focal float32, pixels int) float32 {
	return 2 * math32.Atan(0.5*float32(pixels)/focal)
}

// Focal returns the focal lengths in pixels.
func (c Camera) Focal() f32.Vec2 {
	return f32.Vec2{FocalFromFov(c.FovX, c.Width), FocalFromFov(c.FovY, c.Height)}
}

// PrincipalPoint returns the principal point in pixels.
func (c Camera) PrincipalPoint() f32.Vec2 {
	return f32.Vec2{c.CenterUV[0] * float32(c.Width), c.CenterUV[1] * float32(c.Height)}
}

// TileBounds returns the number of raster tiles along x and y.
func (c Camera) TileBounds() (uint32, uint32) {
	tw := kernels.TileWidth
	return uint32((c.Width + tw - 1) / tw), uint32((c.Height + tw - 1) / tw)
}

// WorldToLocal returns the rotation and translation that map world points
// into camera space.
func (c Camera) WorldToLocal() (f32.Mat3, f32.Vec3) {
	q, _ := kernels.NormalizeQuat(c.Rotation)
	r := kernels.QuatToMat(q)
	// Inverse of the rigid transform: Rᵀ and -Rᵀ p.
	rt := f32.Mat3{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
	p := c.Position
	t := f32.Vec3{
		-(rt[0]*p[0] + rt[1]*p[1] + rt[2]*p[2]),
		-(rt[3]*p[0] + rt[4]*p[1] + rt[5]*p[2]),
		-(rt[6]*p[0] + rt[7]*p[1] + rt[8]*p[2]),
	}
	return rt, t
}

func (c Camera) uniforms(shDegree, numSplats int, blur float32, background f32.Vec3) *kernels.Uniforms {
	rot, trans := c.WorldToLocal()
	tbx, tby := c.TileBounds()
	return &kernels.Uniforms{
		ViewRot:     rot,
		ViewTrans:   trans,
		CamPos:      c.Position,
		Focal:       c.Focal(),
		PixelCenter: c.PrincipalPoint(),
		ImgWidth:    uint32(c.Width),
		ImgHeight:   uint32(c.Height),
		TileBoundsX: tbx,
		TileBoundsY: tby,
		SHDegree:    shDegree,
		TotalSplats: uint32(numSplats),
		Blur:        blur,
		Background:  background,
	}
}

func sub(a, b f32.Vec3) f32.Vec3 { return f32.Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func cross(a, b f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize(v f32.Vec3) f32.Vec3 {
	l := math32.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if l == 0 {
		return v
	}
	return f32.Vec3{v[0] / l, v[1] / l, v[2] / l}
}

// matToQuat converts a rotation matrix to a quaternion (w, x, y, z).
func matToQuat(m f32.Mat3) f32.Vec4 {
	tr := m[0] + m[4] + m[8]
	var q f32.Vec4
	switch {
	case tr > 0:
		s := 2 * math32.Sqrt(tr+1)
		q = f32.Vec4{0.25 * s, (m[7] - m[5]) / s, (m[2] - m[6]) / s, (m[3] - m[1]) / s}
	case m[0] > m[4] && m[0] > m[8]:
		s := 2 * math32.Sqrt(1+m[0]-m[4]-m[8])
		q = f32.Vec4{(m[7] - m[5]) / s, 0.25 * s, (m[1] + m[3]) / s, (m[2] + m[6]) / s}
	case m[4] > m[8]:
		s := 2 * math32.Sqrt(1+m[4]-m[0]-m[8])
		q = f32.Vec4{(m[2] - m[6]) / s, (m[1] + m[3]) / s, 0.25 * s, (m[5] + m[7]) / s}
	default:
		s := 2 * math32.Sqrt(1+m[8]-m[0]-m[4])
		q = f32.Vec4{(m[3] - m[1]) / s, (m[2] + m[6]) / s, (m[5] + m[7]) / s, 0.25 * s}
	}
	q, _ = kernels.NormalizeQuat(q)
	return q
}
