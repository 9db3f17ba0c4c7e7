package partutil

import "sort"

// Allocate is a Multifit-style dynamic batch allocator: given packed-sample
// lengths and a per-rank token capacity c, it greedily grows a window
// [startIndex, startIndex+l) as large as possible (via binary search using
// FFDCheck as the feasibility oracle) such that the window can be split into
// worldSize bins of capacity c, repeating until the remaining suffix no
// longer yields a full set of bins. It returns, for the given rank, the
// sequence indices FFD assigned to that rank's bin in each window.
//
// Grounded on base/datapack.py's `allocate`, the original's way of turning a
// token-length-ordered dataset into balanced packed batches before handing
// them to a dp group. SPEC_FULL.md §4.6 treats this as core-adjacent
// numeric code that belongs next to FFD. Neither the dataset package nor the
// DFG scheduler calls it.
func Allocate(lengths []int32, c int32, rank, worldSize int) [][]int {
	n := len(lengths)
	lengthsCumsum := make([]int64, n)
	var running int64
	for i, v := range lengths {
		running += int64(v)
		lengthsCumsum[i] = running
	}

	var result [][]int
	s := int64(0)
	startIndex := 0

	for {
		if startIndex >= n {
			break
		}
		target := s + int64(c)*int64(worldSize)
		l := 1 + searchSortedRight(lengthsCumsum[startIndex:], target)

		lo, hi := 1, l
		for hi-lo > 1 {
			mid := (lo + hi) / 2
			end := startIndex + mid
			if end > n {
				hi = mid
				continue
			}
			if FFDCheck(lengths[startIndex:end], c, worldSize) {
				lo = mid
			} else {
				hi = mid
			}
		}
		l = lo
		if startIndex+l > n {
			l = n - startIndex
		}
		if l <= 0 {
			break
		}

		batch := FFDWithResult(lengths[startIndex:startIndex+l], c)
		for i := range batch {
			for j := range batch[i] {
				batch[i][j] += startIndex
			}
		}

		if len(batch) < worldSize {
			break
		}

		startIndex += l
		s = lengthsCumsum[startIndex-1]

		result = append(result, batch[rank])
	}

	return result
}

// searchSortedRight mirrors numpy.searchsorted(a, v, side="right"): the
// index at which v would be inserted into sorted slice a to keep it sorted,
// to the right of any existing equal entries.
func searchSortedRight(a []int64, v int64) int {
	return sort.Search(len(a), func(i int) bool { return a[i] > v })
}
