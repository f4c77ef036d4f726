// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"golang.org/x/image/math/f32"

	"github.com/gogpu/splat/internal/parallel"
)

// ProjectBackwardInput holds what the projection backward pass reads.
type ProjectBackwardInput struct {
	Uniforms          *Uniforms
	Splats            SplatBuffers
	GlobalFromCompact []uint32

	// VGrads and VRefine are the RasterizeBackward outputs.
	VGrads  []float32
	VRefine []float32
}

// SplatGradBuffers receives gradients per global splat id. Splats that were
// not visible keep zero gradients.
type SplatGradBuffers struct {
	Means        []f32.Vec3
	Rotations    []f32.Vec4
	LogScales    []f32.Vec3
	RawOpacities []float32
	SHCoeffs     []float32
	RefineWeight []f32.Vec2
}

// ProjectBackward maps the screen-space gradients of every visible splat to
// its parameters. Compact ids map to distinct global ids, so every output
// element is written by one invocation and no atomics are needed.
func ProjectBackward(pool *parallel.WorkerPool, in ProjectBackwardInput, out SplatGradBuffers) error {
	n := len(in.GlobalFromCompact)
	return pool.Dispatch(parallel.WorkgroupCount(n, MainWorkgroupSize), func(wg int) {
		start := wg * MainWorkgroupSize
		end := min(start+MainWorkgroupSize, n)
		for cid := start; cid < end; cid++ {
			projectBackwardOne(&in, &out, cid)
		}
	})
}

func projectBackwardOne(in *ProjectBackwardInput, out *SplatGradBuffers, cid int) {
	u := in.Uniforms
	s := in.Splats
	gid := int(in.GlobalFromCompact[cid])

	v := in.VGrads[cid*GradStride : (cid+1)*GradStride]
	vXY := f32.Vec2{v[0], v[1]}
	vConic := f32.Vec3{v[2], v[3], v[4]}
	vRGB := f32.Vec3{v[5], v[6], v[7]}
	vOpac := v[8]

	out.RefineWeight[gid] = f32.Vec2{in.VRefine[cid*RefineStride], in.VRefine[cid*RefineStride+1]}

	mean := s.Means[gid]
	g := computeGeom(u, mean, s.Rotations[gid], s.LogScales[gid])
	cn, _, ok := conic(g.cov2d)
	if !ok {
		return
	}

	// Conic to 2D covariance: dL/dΣ = -C G C.
	a, b, c := cn[0], cn[1], cn[2]
	ga, gb, gc := vConic[0], 0.5*vConic[1], vConic[2]
	cg00 := a*ga + b*gb
	cg01 := a*gb + b*gc
	cg10 := b*ga + c*gb
	cg11 := b*gb + c*gc
	vCov := [4]float32{
		-(cg00*a + cg01*b), -(cg00*b + cg01*c),
		-(cg10*a + cg11*b), -(cg10*b + cg11*c),
	}
	// Symmetrized: Σ2 = T Σ3 Tᵀ uses each off-diagonal once per side.
	vSym := [4]float32{
		2 * vCov[0], vCov[1] + vCov[2],
		vCov[1] + vCov[2], 2 * vCov[3],
	}

	// dL/dT = (V + Vᵀ) T Σ3.
	ts := g.t.mul3(g.cov3d)
	var vT mat23
	for r := range 2 {
		for col := range 3 {
			vT[r*3+col] = vSym[r*2]*ts[col] + vSym[r*2+1]*ts[3+col]
		}
	}

	// dL/dΣ3 = Tᵀ V T.
	var vCov3 f32.Mat3
	for i := range 3 {
		for j := range 3 {
			var sum float32
			for r := range 2 {
				for k := range 2 {
					sum += g.t[r*3+i] * vCov[r*2+k] * g.t[k*3+j]
				}
			}
			vCov3[i*3+j] = sum
		}
	}

	// T = J W, so dL/dJ = dL/dT Wᵀ.
	w := u.ViewRot
	var vJ mat23
	for r := range 2 {
		for col := range 3 {
			vJ[r*3+col] = vT[r*3]*w[col*3] + vT[r*3+1]*w[col*3+1] + vT[r*3+2]*w[col*3+2]
		}
	}

	vMeanC := meanCameraGrad(u, &g, vXY, vJ)
	vMean := mat3TransposeMulVec(w, vMeanC)

	// Σ3 = M Mᵀ with M = R S.
	var vM f32.Mat3
	for i := range 3 {
		for j := range 3 {
			var sum float32
			for k := range 3 {
				sum += (vCov3[i*3+k] + vCov3[k*3+i]) * g.m[k*3+j]
			}
			vM[i*3+j] = sum
		}
	}
	var vRot f32.Mat3
	var vLogScale f32.Vec3
	for j := range 3 {
		var vs float32
		for i := range 3 {
			vRot[i*3+j] = vM[i*3+j] * g.scale[j]
			vs += g.rot[i*3+j] * vM[i*3+j]
		}
		vLogScale[j] = vs * g.scale[j]
	}
	out.LogScales[gid] = vLogScale
	out.Rotations[gid] = quatGrad(g.quat, g.quatNorm, vRot)

	// Color.
	stride := s.SHStride()
	coeffs := s.SHCoeffs[gid*stride : (gid+1)*stride]
	dir, dirLen := viewDir(mean, u.CamPos)
	raw := evalSH(s.SHDegree, coeffs, dir)
	for k := range 3 {
		if raw[k]+0.5 <= 0 {
			vRGB[k] = 0
		}
	}
	vDir := shBackward(s.SHDegree, coeffs, dir, dirLen, vRGB, out.SHCoeffs[gid*stride:(gid+1)*stride])
	vMean[0] += vDir[0]
	vMean[1] += vDir[1]
	vMean[2] += vDir[2]
	out.Means[gid] = vMean

	o := Sigmoid(s.RawOpacities[gid])
	out.RawOpacities[gid] = vOpac * o * (1 - o)
}

// meanCameraGrad returns dL/dmean_c through the projected center and the
// projection Jacobian.
func meanCameraGrad(u *Uniforms, g *splatGeom, vXY f32.Vec2, vJ mat23) f32.Vec3 {
	fx, fy := u.Focal[0], u.Focal[1]
	x, y, z := g.meanC[0], g.meanC[1], g.meanC[2]
	rz := 1 / z
	rz2 := rz * rz
	rz3 := rz2 * rz

	v := f32.Vec3{
		fx * rz * vXY[0],
		fy * rz * vXY[1],
		-(fx*x*vXY[0] + fy*y*vXY[1]) * rz2,
	}

	v[2] += -fx*rz2*vJ[0] - fy*rz2*vJ[4]
	if g.clampX {
		v[2] += fx * g.tx * rz3 * vJ[2]
	} else {
		v[0] += -fx * rz2 * vJ[2]
		v[2] += 2 * fx * g.tx * rz3 * vJ[2]
	}
	if g.clampY {
		v[2] += fy * g.ty * rz3 * vJ[5]
	} else {
		v[1] += -fy * rz2 * vJ[5]
		v[2] += 2 * fy * g.ty * rz3 * vJ[5]
	}
	return v
}

// quatGrad maps dL/dR to the raw quaternion through QuatToMat and the
// normalization of q.
func quatGrad(q f32.Vec4, norm float32, vR f32.Mat3) f32.Vec4 {
	if norm == 0 {
		return f32.Vec4{}
	}
	w, x, y, z := q[0], q[1], q[2], q[3]
	v00, v01, v02 := vR[0], vR[1], vR[2]
	v10, v11, v12 := vR[3], vR[4], vR[5]
	v20, v21, v22 := vR[6], vR[7], vR[8]

	vq := f32.Vec4{
		2 * (x*(v21-v12) + y*(v02-v20) + z*(v10-v01)),
		-4*x*(v11+v22) + 2*y*(v01+v10) + 2*z*(v02+v20) + 2*w*(v21-v12),
		-4*y*(v00+v22) + 2*x*(v01+v10) + 2*z*(v12+v21) + 2*w*(v02-v20),
		-4*z*(v00+v11) + 2*x*(v02+v20) + 2*y*(v12+v21) + 2*w*(v10-v01),
	}
	d := vq[0]*w + vq[1]*x + vq[2]*y + vq[3]*z
	inv := 1 / norm
	return f32.Vec4{
		(vq[0] - d*w) * inv,
		(vq[1] - d*x) * inv,
		(vq[2] - d*y) * inv,
		(vq[3] - d*z) * inv,
	}
}
