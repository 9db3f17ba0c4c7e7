package partutil

import "fmt"

// MinAbsDiffPartition partitions arr into k contiguous ranges minimizing the
// maximum range sum, via O(n^2 k) dynamic programming over prefix sums,
// exactly as base/datapack.py's min_abs_diff_partition does. Ties are
// broken in favor of the earliest achievable split (the backtrack below
// scans candidate split points in increasing order and takes the first
// match, matching the Python original's `for x in range(i)` scan order).
//
// Returns k (start, end) ranges covering [0, len(arr)) in order. minSize, if
// > 0, additionally requires every range to contain at least minSize
// elements (used when balanced_dp requires a minimum number of sequences
// per rank).
func MinAbsDiffPartition(arr []int32, k int, minSize int) ([][2]int, error) {
	n := len(arr)
	if k <= 0 {
		return nil, fmt.Errorf("partutil: k must be positive, got %d", k)
	}
	if n < k*max(minSize, 1) {
		return nil, fmt.Errorf("partutil: cannot partition %d items into %d ranges of at least %d", n, k, max(minSize, 1))
	}

	prefix := make([]int64, n+1)
	for i, v := range arr {
		prefix[i+1] = prefix[i] + int64(v)
	}

	const inf = int64(1) << 62
	dp := make([][]int64, n+1)
	for i := range dp {
		dp[i] = make([]int64, k+1)
		for j := range dp[i] {
			dp[i][j] = inf
		}
	}
	valid := func(start, end int) bool { return minSize <= 0 || end-start >= minSize }

	for i := 0; i <= n; i++ {
		if valid(0, i) {
			dp[i][1] = prefix[i]
		}
	}

	for i := 1; i <= n; i++ {
		for j := 2; j <= k; j++ {
			for x := 0; x < i; x++ {
				if dp[x][j-1] == inf {
					continue
				}
				if !valid(x, i) {
					continue
				}
				cand := max64(dp[x][j-1], prefix[i]-prefix[x])
				if cand < dp[i][j] {
					dp[i][j] = cand
				}
			}
		}
	}

	if dp[n][k] == inf {
		return nil, fmt.Errorf("partutil: no feasible partition into %d ranges with minSize=%d", k, minSize)
	}

	partitions := make([][2]int, 0, k)
	i, j := n, k
	for j > 1 {
		found := false
		for x := 0; x < i; x++ {
			if dp[x][j-1] == inf || !valid(x, i) {
				continue
			}
			if dp[i][j] == max64(dp[x][j-1], prefix[i]-prefix[x]) {
				partitions = append(partitions, [2]int{x, i})
				i = x
				j--
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("partutil: backtrack failed at j=%d", j)
		}
	}
	partitions = append(partitions, [2]int{0, i})

	// reverse into ascending order
	for l, r := 0, len(partitions)-1; l < r; l, r = l+1, r-1 {
		partitions[l], partitions[r] = partitions[r], partitions[l]
	}
	return partitions, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
