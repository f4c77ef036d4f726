// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

// Matrices are row major: m[r*3+c].

func mat3Mul(a, b f32.Mat3) f32.Mat3 {
	var m f32.Mat3
	for r := range 3 {
		for c := range 3 {
			m[r*3+c] = a[r*3]*b[c] + a[r*3+1]*b[3+c] + a[r*3+2]*b[6+c]
		}
	}
	return m
}

func mat3Transpose(a f32.Mat3) f32.Mat3 {
	return f32.Mat3{
		a[0], a[3], a[6],
		a[1], a[4], a[7],
		a[2], a[5], a[8],
	}
}

func mat3MulVec(m f32.Mat3, v f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

func mat3TransposeMulVec(m f32.Mat3, v f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		m[0]*v[0] + m[3]*v[1] + m[6]*v[2],
		m[1]*v[0] + m[4]*v[1] + m[7]*v[2],
		m[2]*v[0] + m[5]*v[1] + m[8]*v[2],
	}
}

func dot3(a, b f32.Vec3) float32 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func length3(v f32.Vec3) float32 {
	return math32.Sqrt(dot3(v, v))
}

// QuatToMat returns the rotation matrix of the unit quaternion q (w, x, y, z).
func QuatToMat(q f32.Vec4) f32.Mat3 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return f32.Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// NormalizeQuat returns q scaled to unit length and the original length.
// A zero quaternion maps to the identity rotation.
func NormalizeQuat(q f32.Vec4) (f32.Vec4, float32) {
	n := math32.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		return f32.Vec4{1, 0, 0, 0}, 0
	}
	inv := 1 / n
	return f32.Vec4{q[0] * inv, q[1] * inv, q[2] * inv, q[3] * inv}, n
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Logit is the inverse of Sigmoid.
func Logit(p float32) float32 {
	return math32.Log(p / (1 - p))
}

// mat23 is a 2x3 row-major matrix.
type mat23 [6]float32

// mul3 returns a * b for a 3x3 b.
func (a mat23) mul3(b f32.Mat3) mat23 {
	var m mat23
	for r := range 2 {
		for c := range 3 {
			m[r*3+c] = a[r*3]*b[c] + a[r*3+1]*b[3+c] + a[r*3+2]*b[6+c]
		}
	}
	return m
}

// sandwich returns the symmetric 2x2 a * s * aᵀ as (xx, xy, yy).
func (a mat23) sandwich(s f32.Mat3) f32.Vec3 {
	as := a.mul3(s)
	xx := as[0]*a[0] + as[1]*a[1] + as[2]*a[2]
	xy := as[0]*a[3] + as[1]*a[4] + as[2]*a[5]
	yy := as[3]*a[3] + as[4]*a[4] + as[5]*a[5]
	return f32.Vec3{xx, xy, yy}
}

// covariance3D returns R S Sᵀ Rᵀ together with M = R S.
func covariance3D(rot f32.Mat3, scale f32.Vec3) (cov, m f32.Mat3) {
	for r := range 3 {
		for c := range 3 {
			m[r*3+c] = rot[r*3+c] * scale[c]
		}
	}
	return mat3Mul(m, mat3Transpose(m)), m
}
