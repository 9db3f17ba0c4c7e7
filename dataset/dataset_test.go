package dataset_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsi-project/realmaster/dataset"
)

func writeShard(t *testing.T, dir, name string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644))
}

func TestDiscoverMatchesGlobsAndDedupes(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "shard-000.jsonl", 10)
	writeShard(t, dir, "shard-001.jsonl", 20)
	writeShard(t, dir, "other.txt", 5)

	shards, err := dataset.Discover([]string{
		filepath.Join(dir, "shard-*.jsonl"),
		filepath.Join(dir, "shard-000.jsonl"), // overlapping pattern, must dedupe
	})
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, filepath.Join(dir, "shard-000.jsonl"), shards[0].Path)
	assert.Equal(t, int64(10), shards[0].Size)
	assert.Equal(t, filepath.Join(dir, "shard-001.jsonl"), shards[1].Path)
}

func TestAssignRoundRobinCoversEveryShardExactlyOnce(t *testing.T) {
	shards := []dataset.Shard{{Path: "a"}, {Path: "b"}, {Path: "c"}, {Path: "d"}, {Path: "e"}}
	assigned := dataset.AssignRoundRobin(shards, 2)
	require.Len(t, assigned, 2)

	total := 0
	seen := make(map[string]bool)
	for _, rankShards := range assigned {
		for _, s := range rankShards {
			assert.False(t, seen[s.Path], "shard %s assigned twice", s.Path)
			seen[s.Path] = true
			total++
		}
	}
	assert.Equal(t, len(shards), total)
}
