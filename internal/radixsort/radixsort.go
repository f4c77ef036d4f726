// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package radixsort implements a stable LSD radix argsort built from compute
// dispatches.
//
// Each pass sorts by one 4-bit digit in three dispatches: count builds a
// digit histogram per workgroup block, the histograms are laid out
// digit-major and scanned with an exclusive prefix sum, and scatter writes
// every element to its digit offset plus its rank among equal digits in the
// same block. Ranks follow input order, so every pass is stable.
package radixsort

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/splat/internal/parallel"
	"github.com/gogpu/splat/internal/prefixsum"
)

const (
	// DigitBits is the radix of one pass.
	DigitBits = 4

	// Buckets is the number of distinct digits per pass.
	Buckets = 1 << DigitBits

	// BlockSize is the number of elements handled by one workgroup.
	BlockSize = 256 * 4
)

// Argsort sorts keys by their low sortBits bits and applies the same
// permutation to vals. The inputs are not modified. Equal keys keep their
// input order.
func Argsort(pool *parallel.WorkerPool, keys, vals []uint32, sortBits int) ([]uint32, []uint32, error) {
	if len(keys) != len(vals) {
		return nil, nil, fmt.Errorf("radixsort: %d keys but %d values", len(keys), len(vals))
	}
	sortBits = min(max(sortBits, 0), 32)
	return sortPairs(pool, keys, vals, sortBits)
}

// SortPairs64 sorts 64-bit keys and their values stably. The tile and depth
// sorts of the renderer are equivalent to one SortPairs64 over the combined
// key tile<<32 | depth.
func SortPairs64(pool *parallel.WorkerPool, keys []uint64, vals []uint32) ([]uint64, []uint32, error) {
	if len(keys) != len(vals) {
		return nil, nil, fmt.Errorf("radixsort: %d keys but %d values", len(keys), len(vals))
	}
	var maxKey uint64
	for _, k := range keys {
		maxKey |= k
	}
	return sortPairs(pool, keys, vals, bits.Len64(maxKey))
}

// BitLength returns the number of bits needed to represent n.
func BitLength(n uint32) int {
	return bits.Len32(n)
}

func sortPairs[K uint32 | uint64](pool *parallel.WorkerPool, keys []K, vals []uint32, sortBits int) ([]K, []uint32, error) {
	n := len(keys)
	srcK := append([]K(nil), keys...)
	srcV := append([]uint32(nil), vals...)
	if n < 2 || sortBits == 0 {
		return srcK, srcV, nil
	}

	dstK := make([]K, n)
	dstV := make([]uint32, n)
	blocks := parallel.WorkgroupCount(n, BlockSize)
	hist := make([]uint32, Buckets*blocks)
	mask := K(1)<<uint(sortBits) - 1

	for shift := 0; shift < sortBits; shift += DigitBits {
		clear(hist)

		// Count.
		err := pool.Dispatch(blocks, func(wg int) {
			start := wg * BlockSize
			end := min(start+BlockSize, n)
			var local [Buckets]uint32
			for i := start; i < end; i++ {
				local[digit(srcK[i]&mask, shift)]++
			}
			for d := range Buckets {
				hist[d*blocks+wg] = local[d]
			}
		})
		if err != nil {
			return nil, nil, fmt.Errorf("radixsort: count pass: %w", err)
		}

		// Scan.
		offsets, _, err := prefixsum.Exclusive(pool, hist)
		if err != nil {
			return nil, nil, fmt.Errorf("radixsort: scan pass: %w", err)
		}

		// Scatter.
		err = pool.Dispatch(blocks, func(wg int) {
			start := wg * BlockSize
			end := min(start+BlockSize, n)
			var rank [Buckets]uint32
			for i := start; i < end; i++ {
				d := digit(srcK[i]&mask, shift)
				dst := offsets[int(d)*blocks+wg] + rank[d]
				rank[d]++
				dstK[dst] = srcK[i]
				dstV[dst] = srcV[i]
			}
		})
		if err != nil {
			return nil, nil, fmt.Errorf("radixsort: scatter pass: %w", err)
		}

		srcK, dstK = dstK, srcK
		srcV, dstV = dstV, srcV
	}

	return srcK, srcV, nil
}

func digit[K uint32 | uint64](k K, shift int) uint32 {
	return uint32(k>>uint(shift)) & (Buckets - 1)
}
