// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package prefixsum implements workgroup-blocked prefix sums over uint32
// arrays.
//
// The scan runs in three dispatches, the way a GPU scan does: every
// workgroup scans one block of BlockSize elements and writes its block
// total, the block totals are scanned recursively, and a final dispatch
// adds each block's offset to its elements. Sums wrap modulo 2^32.
package prefixsum

import (
	"fmt"

	"github.com/gogpu/splat/internal/parallel"
)

const (
	// ThreadsPerGroup is the number of invocations in one scan workgroup.
	ThreadsPerGroup = 256

	// ItemsPerThread is the number of elements each invocation owns.
	ItemsPerThread = 2

	// BlockSize is the number of elements scanned by one workgroup.
	BlockSize = ThreadsPerGroup * ItemsPerThread
)

// Exclusive returns the exclusive prefix sum of src and the total of all
// elements. out[0] is 0 and out[i] is the sum of src[:i].
func Exclusive(pool *parallel.WorkerPool, src []uint32) (out []uint32, total uint32, err error) {
	out = make([]uint32, len(src))
	if len(src) == 0 {
		return out, 0, nil
	}
	if err := scan(pool, src, out, false); err != nil {
		return nil, 0, err
	}
	n := len(src)
	return out, out[n-1] + src[n-1], nil
}

// Inclusive returns the inclusive prefix sum of src: out[i] is the sum of
// src[:i+1].
func Inclusive(pool *parallel.WorkerPool, src []uint32) ([]uint32, error) {
	out := make([]uint32, len(src))
	if len(src) == 0 {
		return out, nil
	}
	if err := scan(pool, src, out, true); err != nil {
		return nil, err
	}
	return out, nil
}

func scan(pool *parallel.WorkerPool, src, out []uint32, inclusive bool) error {
	n := len(src)
	blocks := parallel.WorkgroupCount(n, BlockSize)
	blockSums := make([]uint32, blocks)

	err := pool.Dispatch(blocks, func(wg int) {
		start := wg * BlockSize
		end := min(start+BlockSize, n)

		var shared [BlockSize]uint32
		copy(shared[:end-start], src[start:end])

		var sum uint32
		for i := range end - start {
			v := shared[i]
			if inclusive {
				sum += v
				out[start+i] = sum
			} else {
				out[start+i] = sum
				sum += v
			}
		}
		blockSums[wg] = sum
	})
	if err != nil {
		return fmt.Errorf("prefixsum: scan blocks: %w", err)
	}

	if blocks == 1 {
		return nil
	}

	offsets, _, err := Exclusive(pool, blockSums)
	if err != nil {
		return err
	}

	err = pool.Dispatch(blocks, func(wg int) {
		off := offsets[wg]
		if off == 0 {
			return
		}
		start := wg * BlockSize
		end := min(start+BlockSize, n)
		for i := start; i < end; i++ {
			out[i] += off
		}
	})
	if err != nil {
		return fmt.Errorf("prefixsum: add block offsets: %w", err)
	}
	return nil
}
