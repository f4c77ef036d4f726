// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"golang.org/x/image/math/f32"
)

// MaxSHDegree is the highest supported spherical harmonics degree.
const MaxSHDegree = 4

// NumSHCoeffs returns the number of SH basis functions of the given degree.
func NumSHCoeffs(degree int) int {
	return (degree + 1) * (degree + 1)
}

// SHDegreeFromCoeffs returns the degree with n basis functions, or -1.
func SHDegreeFromCoeffs(n int) int {
	for d := 0; d <= MaxSHDegree; d++ {
		if NumSHCoeffs(d) == n {
			return d
		}
	}
	return -1
}

// RGBToSH converts a color to the degree 0 coefficient that renders it.
func RGBToSH(c float32) float32 {
	return (c - 0.5) / shC0
}

const shC0 = 0.28209479177387814

var (
	shC1 = float32(0.4886025119029199)
	shC2 = [5]float32{
		1.0925484305920792, -1.0925484305920792, 0.31539156525252005,
		-1.0925484305920792, 0.5462742152960396,
	}
	shC3 = [7]float32{
		-0.5900435899266435, 2.890611442640554, -0.4570457994644658,
		0.3731763325901154, -0.4570457994644658, 1.445305721320277,
		-0.5900435899266435,
	}
	shC4 = [9]float32{
		2.5033429417967046, -1.7701307697799304, 0.9461746957575601,
		-0.6690465435572892, 0.10578554691520431, -0.6690465435572892,
		0.47308734787878004, -1.7701307697799304, 0.6258357354491761,
	}
)

// dual carries a value and its gradient with respect to the unit view
// direction, so one basis evaluation serves both passes.
type dual struct {
	v float32
	d f32.Vec3
}

func constant(v float32) dual { return dual{v: v} }

func (a dual) add(b dual) dual {
	return dual{a.v + b.v, f32.Vec3{a.d[0] + b.d[0], a.d[1] + b.d[1], a.d[2] + b.d[2]}}
}

func (a dual) sub(b dual) dual {
	return dual{a.v - b.v, f32.Vec3{a.d[0] - b.d[0], a.d[1] - b.d[1], a.d[2] - b.d[2]}}
}

func (a dual) mul(b dual) dual {
	return dual{a.v * b.v, f32.Vec3{
		a.d[0]*b.v + a.v*b.d[0],
		a.d[1]*b.v + a.v*b.d[1],
		a.d[2]*b.v + a.v*b.d[2],
	}}
}

func (a dual) scale(s float32) dual {
	return dual{a.v * s, f32.Vec3{a.d[0] * s, a.d[1] * s, a.d[2] * s}}
}

// shBasis writes the NumSHCoeffs(degree) real SH basis values of the unit
// direction n into out.
func shBasis(degree int, n f32.Vec3, out []dual) {
	out[0] = constant(shC0)
	if degree < 1 {
		return
	}
	x := dual{n[0], f32.Vec3{1, 0, 0}}
	y := dual{n[1], f32.Vec3{0, 1, 0}}
	z := dual{n[2], f32.Vec3{0, 0, 1}}

	out[1] = y.scale(-shC1)
	out[2] = z.scale(shC1)
	out[3] = x.scale(-shC1)
	if degree < 2 {
		return
	}

	xx, yy, zz := x.mul(x), y.mul(y), z.mul(z)
	xy, yz, xz := x.mul(y), y.mul(z), x.mul(z)

	out[4] = xy.scale(shC2[0])
	out[5] = yz.scale(shC2[1])
	out[6] = zz.scale(2).sub(xx).sub(yy).scale(shC2[2])
	out[7] = xz.scale(shC2[3])
	out[8] = xx.sub(yy).scale(shC2[4])
	if degree < 3 {
		return
	}

	out[9] = y.mul(xx.scale(3).sub(yy)).scale(shC3[0])
	out[10] = xy.mul(z).scale(shC3[1])
	out[11] = y.mul(zz.scale(4).sub(xx).sub(yy)).scale(shC3[2])
	out[12] = z.mul(zz.scale(2).sub(xx.scale(3)).sub(yy.scale(3))).scale(shC3[3])
	out[13] = x.mul(zz.scale(4).sub(xx).sub(yy)).scale(shC3[4])
	out[14] = z.mul(xx.sub(yy)).scale(shC3[5])
	out[15] = x.mul(xx.sub(yy.scale(3))).scale(shC3[6])
	if degree < 4 {
		return
	}

	one := constant(1)
	zz7m1 := zz.scale(7).sub(one)
	zz7m3 := zz.scale(7).sub(constant(3))
	out[16] = xy.mul(xx.sub(yy)).scale(shC4[0])
	out[17] = yz.mul(xx.scale(3).sub(yy)).scale(shC4[1])
	out[18] = xy.mul(zz7m1).scale(shC4[2])
	out[19] = yz.mul(zz7m3).scale(shC4[3])
	out[20] = zz.mul(zz.scale(35).sub(constant(30))).add(constant(3)).scale(shC4[4])
	out[21] = xz.mul(zz7m3).scale(shC4[5])
	out[22] = xx.sub(yy).mul(zz7m1).scale(shC4[6])
	out[23] = xz.mul(xx.sub(yy.scale(3))).scale(shC4[7])
	out[24] = xx.mul(xx.sub(yy.scale(3))).sub(yy.mul(xx.scale(3).sub(yy))).scale(shC4[8])
}

// viewDir returns the unit direction from the camera to mean and the
// distance between them.
func viewDir(mean, camPos f32.Vec3) (f32.Vec3, float32) {
	d := f32.Vec3{mean[0] - camPos[0], mean[1] - camPos[1], mean[2] - camPos[2]}
	l := length3(d)
	if l == 0 {
		return f32.Vec3{0, 0, 1}, 0
	}
	return f32.Vec3{d[0] / l, d[1] / l, d[2] / l}, l
}

// evalSH returns the raw SH color (before the +0.5 offset and clamp) of
// one splat with the given coefficients viewed along unit direction n.
func evalSH(degree int, coeffs []float32, n f32.Vec3) f32.Vec3 {
	var basis [25]dual
	shBasis(degree, n, basis[:])
	var rgb f32.Vec3
	for k := range NumSHCoeffs(degree) {
		b := basis[k].v
		rgb[0] += b * coeffs[k*3]
		rgb[1] += b * coeffs[k*3+1]
		rgb[2] += b * coeffs[k*3+2]
	}
	return rgb
}

// ShadeSH evaluates the displayed color max(sh + 0.5, 0).
func ShadeSH(degree int, coeffs []float32, n f32.Vec3) f32.Vec3 {
	rgb := evalSH(degree, coeffs, n)
	for i := range rgb {
		rgb[i] = max(rgb[i]+0.5, 0)
	}
	return rgb
}

// shBackward accumulates the coefficient gradients into vCoeffs for the
// given raw color gradient vRGB and returns the gradient with respect to
// the unnormalized view direction of length dirLen.
func shBackward(degree int, coeffs []float32, n f32.Vec3, dirLen float32, vRGB f32.Vec3, vCoeffs []float32) f32.Vec3 {
	var basis [25]dual
	shBasis(degree, n, basis[:])

	var vn f32.Vec3
	for k := range NumSHCoeffs(degree) {
		b := basis[k]
		vCoeffs[k*3] += b.v * vRGB[0]
		vCoeffs[k*3+1] += b.v * vRGB[1]
		vCoeffs[k*3+2] += b.v * vRGB[2]

		w := coeffs[k*3]*vRGB[0] + coeffs[k*3+1]*vRGB[1] + coeffs[k*3+2]*vRGB[2]
		vn[0] += w * b.d[0]
		vn[1] += w * b.d[1]
		vn[2] += w * b.d[2]
	}

	if degree == 0 || dirLen == 0 {
		return f32.Vec3{}
	}
	// Through the normalization n = d / |d|.
	proj := dot3(vn, n)
	inv := 1 / dirLen
	return f32.Vec3{
		(vn[0] - proj*n[0]) * inv,
		(vn[1] - proj*n[1]) * inv,
		(vn[2] - proj*n[2]) * inv,
	}
}
