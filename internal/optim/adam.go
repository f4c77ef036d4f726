// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package optim implements Adam moment storage that grows and shrinks with
// the splat arena.
package optim

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/gogpu/splat/internal/parallel"
)

// Adam holds the hyperparameters of the Adam update.
type Adam struct {
	Beta1, Beta2 float32
	Eps          float32
}

// DefaultAdam returns the usual Adam hyperparameters.
func DefaultAdam() Adam {
	return Adam{Beta1: 0.9, Beta2: 0.999, Eps: 1e-15}
}

// Moments stores first and second moments for Stride floats per splat.
type Moments struct {
	M1, M2 []float32
	Stride int
}

// NewMoments returns zeroed moments for n splats.
func NewMoments(n, stride int) *Moments {
	return &Moments{
		M1:     make([]float32, n*stride),
		M2:     make([]float32, n*stride),
		Stride: stride,
	}
}

// Len returns the number of splats covered.
func (m *Moments) Len() int {
	if m.Stride == 0 {
		return 0
	}
	return len(m.M1) / m.Stride
}

// Clone returns a deep copy.
func (m *Moments) Clone() *Moments {
	return &Moments{
		M1:     append([]float32(nil), m.M1...),
		M2:     append([]float32(nil), m.M2...),
		Stride: m.Stride,
	}
}

// Gather returns the moments of the splats in idx, in that order.
func (m *Moments) Gather(idx []int) *Moments {
	out := NewMoments(len(idx), m.Stride)
	for dst, src := range idx {
		copy(out.M1[dst*m.Stride:(dst+1)*m.Stride], m.M1[src*m.Stride:(src+1)*m.Stride])
		copy(out.M2[dst*m.Stride:(dst+1)*m.Stride], m.M2[src*m.Stride:(src+1)*m.Stride])
	}
	return out
}

// Grow appends zeroed moments for n new splats.
func (m *Moments) Grow(n int) {
	m.M1 = append(m.M1, make([]float32, n*m.Stride)...)
	m.M2 = append(m.M2, make([]float32, n*m.Stride)...)
}

// Step applies one bias-corrected Adam update to params. lr is either a
// single rate or one rate per float of the stride. step counts from 1.
func (m *Moments) Step(pool *parallel.WorkerPool, cfg Adam, params, grads []float32, lr []float32, step int) error {
	if len(params) != len(m.M1) || len(grads) != len(m.M1) {
		return fmt.Errorf("optim: %d params and %d grads for %d moments", len(params), len(grads), len(m.M1))
	}
	if len(lr) != 1 && len(lr) != m.Stride {
		return fmt.Errorf("optim: %d learning rates for stride %d", len(lr), m.Stride)
	}

	bc1 := 1 - math32.Pow(cfg.Beta1, float32(step))
	bc2 := 1 - math32.Pow(cfg.Beta2, float32(step))
	const chunk = 1024

	n := len(params)
	return pool.Dispatch(parallel.WorkgroupCount(n, chunk), func(wg int) {
		start := wg * chunk
		end := min(start+chunk, n)
		for i := start; i < end; i++ {
			g := grads[i]
			m1 := cfg.Beta1*m.M1[i] + (1-cfg.Beta1)*g
			m2 := cfg.Beta2*m.M2[i] + (1-cfg.Beta2)*g*g
			m.M1[i] = m1
			m.M2[i] = m2

			rate := lr[0]
			if len(lr) > 1 {
				rate = lr[i%m.Stride]
			}
			params[i] -= rate * (m1 / bc1) / (math32.Sqrt(m2/bc2) + cfg.Eps)
		}
	})
}
