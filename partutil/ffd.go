// Package partutil implements the numeric helpers of SPEC_FULL.md §4.6:
// first-fit-decreasing bin packing and the balanced-dp partition used to
// assign sequences to data-parallel ranks with near-equal token counts.
//
// Grounded on base/datapack.py's ffd_check/ffd_with_result/
// min_abs_diff_partition/allocate (_examples/original_source), reimplemented
// without numba since the core has no GPU/JIT concerns — plain Go loops
// over small batches (at most a few thousand sequences per step) are fast
// enough and keep this package free of third-party dependencies, which is
// appropriate here: this is pure combinatorial arithmetic, not a concern any
// library in the example corpus specializes in.
package partutil

import "sort"

// FFDCheck reports whether the items in a can be packed into n bins each of
// capacity c, using first-fit-decreasing. It is a cheap feasibility probe
// used by dynamic batch allocators to binary-search the largest prefix of a
// sequence that still fits a fixed number of bins.
func FFDCheck(a []int32, c int32, n int) bool {
	sorted := append([]int32(nil), a...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	bins := make([]int32, n)
	for i := range bins {
		bins[i] = c
	}

	for _, size := range sorted {
		placed := false
		for i := range bins {
			if bins[i] >= size {
				bins[i] -= size
				placed = true
				break
			}
		}
		if !placed {
			return false
		}
	}
	return true
}

// FFDWithResult packs a into bins of capacity c using first-fit-decreasing,
// returning the original indices of a grouped into each bin.
func FFDWithResult(a []int32, c int32) [][]int {
	indices := make([]int, len(a))
	for i := range indices {
		indices[i] = i
	}
	sort.Slice(indices, func(i, j int) bool { return a[indices[i]] > a[indices[j]] })

	var bins []int32
	var result [][]int
	for _, idx := range indices {
		size := a[idx]
		placed := false
		for b := range bins {
			if bins[b] >= size {
				bins[b] -= size
				result[b] = append(result[b], idx)
				placed = true
				break
			}
		}
		if !placed {
			bins = append(bins, c-size)
			result = append(result, []int{idx})
		}
	}
	return result
}
