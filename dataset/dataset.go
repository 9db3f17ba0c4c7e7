// Package dataset provides shard file discovery for the data-loading
// coroutine's fetch path (SPEC_FULL.md §6, supplementing the external
// fetch/store interface). It is explicitly not tokenization or
// dataset-format parsing — spec.md §1's non-goals keep that out of the
// core — only the file-enumeration step that has to happen before a real
// dataset library takes over.
//
// Grounded on registry/wf/wf.go's file.Partition: doublestar.FilepathGlob
// walking a set of glob patterns (?, *, **, [], {}) to find corpus files,
// generalized here from word-frequency text documents to dataset shard
// files of arbitrary extension, and from an ad-hoc per-pattern loop to a
// Shard struct the data-loading coroutine can sort and assign by rank.
package dataset

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Shard is one discovered dataset shard file.
type Shard struct {
	Path string
	Size int64
}

// Discover glob-matches every pattern in globs (supporting ?, *, **, [],
// {} per doublestar's syntax) and returns every matching regular file as a
// Shard, sorted by path for determinism across data-worker replicas that
// must agree on shard assignment without coordinating.
func Discover(globs []string) ([]Shard, error) {
	seen := make(map[string]struct{})
	var shards []Shard

	for _, pattern := range globs {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("dataset: bad glob pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			if _, dup := seen[path]; dup {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil, fmt.Errorf("dataset: stat %s: %w", path, err)
			}
			if info.IsDir() {
				continue
			}
			seen[path] = struct{}{}
			shards = append(shards, Shard{Path: path, Size: info.Size()})
		}
	}

	sort.Slice(shards, func(i, j int) bool { return shards[i].Path < shards[j].Path })
	return shards, nil
}

// AssignRoundRobin splits shards across worldSize data workers by simple
// round robin on sorted order, the deterministic baseline assignment used
// when per-shard token counts aren't yet known; callers with known shard
// lengths should instead drive partutil.Allocate directly (SPEC_FULL.md
// §4.6's Allocate is the token-budget-aware alternative to this).
func AssignRoundRobin(shards []Shard, worldSize int) [][]Shard {
	out := make([][]Shard, worldSize)
	for i, s := range shards {
		r := i % worldSize
		out[r] = append(out[r], s)
	}
	return out
}
