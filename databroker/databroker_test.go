package databroker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsi-project/realmaster/databroker"
)

func makeSample(n int) databroker.Sample {
	lens := make([]int, n)
	recs := make([][]byte, n)
	for i := range lens {
		lens[i] = (i + 1) * 10
		recs[i] = []byte{byte(i)}
	}
	return databroker.NewSample(lens, recs)
}

func TestScatterGatherRoundTrip(t *testing.T) {
	sample := makeSample(8)
	partitions := map[int][]int{
		0: {0, 1, 2},
		1: {3, 4},
		2: {5, 6, 7},
	}

	scattered, err := databroker.ScatterTo(sample, 3, partitions)
	require.NoError(t, err)
	require.Len(t, scattered, 3)

	gathered := databroker.GatherFrom(scattered)
	assert.Equal(t, sample.InputLens, gathered.InputLens)
	assert.Equal(t, sample.Records, gathered.Records)
}

func TestScatterGatherRoundTripOtherPartitionScheme(t *testing.T) {
	sample := makeSample(6)
	partitions := map[int][]int{
		0: {5, 3, 1},
		1: {4, 2, 0},
	}
	scattered, err := databroker.ScatterTo(sample, 2, partitions)
	require.NoError(t, err)
	gathered := databroker.GatherFrom(scattered)

	// order is whatever partitions dictates; just check multiset equality
	// of lengths survives the round trip.
	assert.ElementsMatch(t, sample.InputLens, gathered.InputLens)
	assert.Len(t, gathered.InputLens, sample.NRecords())
}

func TestScatterRejectsIncompleteCover(t *testing.T) {
	sample := makeSample(4)
	_, err := databroker.ScatterTo(sample, 2, map[int][]int{0: {0, 1}})
	assert.Error(t, err)
}

func TestScatterRejectsDuplicatePosition(t *testing.T) {
	sample := makeSample(4)
	_, err := databroker.ScatterTo(sample, 2, map[int][]int{0: {0, 1, 1}, 1: {2, 3}})
	assert.Error(t, err)
}

func TestCuSeqlens(t *testing.T) {
	s := databroker.NewSample([]int{3, 5, 2}, [][]byte{{1}, {2}, {3}})
	assert.Equal(t, []int{0, 3, 8, 10}, s.CuSeqlens)
}
