// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"sync/atomic"

	"github.com/chewxy/math32"
)

// AtomicFloats is a float32 buffer that supports concurrent accumulation.
// Adds are compare-and-swap loops on the float bits, the same scheme a GPU
// uses when it lacks native float atomics.
type AtomicFloats struct {
	bits []atomic.Uint32
}

// NewAtomicFloats returns a zeroed buffer of n floats.
func NewAtomicFloats(n int) *AtomicFloats {
	return &AtomicFloats{bits: make([]atomic.Uint32, n)}
}

// Len returns the number of floats in the buffer.
func (a *AtomicFloats) Len() int {
	return len(a.bits)
}

// Add atomically adds v to element i.
func (a *AtomicFloats) Add(i int, v float32) {
	if v == 0 {
		return
	}
	p := &a.bits[i]
	for {
		old := p.Load()
		next := math32.Float32bits(math32.Float32frombits(old) + v)
		if p.CompareAndSwap(old, next) {
			return
		}
	}
}

// Load returns element i.
func (a *AtomicFloats) Load(i int) float32 {
	return math32.Float32frombits(a.bits[i].Load())
}

// Floats returns a copy of the buffer contents.
func (a *AtomicFloats) Floats() []float32 {
	out := make([]float32, len(a.bits))
	for i := range a.bits {
		out[i] = math32.Float32frombits(a.bits[i].Load())
	}
	return out
}

// Store overwrites the buffer with vals. It must not race with Add.
func (a *AtomicFloats) Store(vals []float32) {
	for i, v := range vals {
		a.bits[i].Store(math32.Float32bits(v))
	}
}
