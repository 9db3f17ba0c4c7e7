// Package databroker implements the scatter/gather operations of
// SPEC_FULL.md §4.6: splitting a packed sample into per-dp-rank packed
// samples aligned to a partition scheme, and concatenating dp-head replies
// back into one packed sample.
//
// Generalizes the teacher's computation.Computation interface
// (Partition/PartialCompute/Accumulate/Finalize from
// coatyio-dda-examples/compute/computation/computation.go): that interface
// already separates "split work for workers" (Partition) from "combine
// worker output" (Accumulate) exactly as this package's ScatterTo/GatherFrom
// do, just over packed tensors instead of compute-request arguments. Only
// shape/length metadata is read here, never tensor bytes (SPEC_FULL.md §3,
// Design Note 1): a Sample carries opaque per-record byte handles alongside
// the length bookkeeping the core does understand.
package databroker

import "fmt"

// Sample is one packed, sequence-first concatenation of variable-length
// records. InputLens holds each record's token length; CuSeqlens is its
// prefix-sum index (len(InputLens)+1 entries, CuSeqlens[0]==0). Records is
// the opaque per-record payload (the byte handles of buffer.AttrDescriptor,
// in record order) that scatter/gather never inspects.
type Sample struct {
	InputLens []int
	CuSeqlens []int
	Records   [][]byte
}

// NewSample builds a Sample from per-record lengths and opaque payloads,
// computing CuSeqlens.
func NewSample(inputLens []int, records [][]byte) Sample {
	cu := make([]int, len(inputLens)+1)
	for i, l := range inputLens {
		cu[i+1] = cu[i] + l
	}
	return Sample{InputLens: inputLens, CuSeqlens: cu, Records: records}
}

// NRecords is the number of packed records in the sample.
func (s Sample) NRecords() int { return len(s.InputLens) }

// ScatterTo splits sample into nDP packed samples, one per data-parallel
// rank, according to partitions: partitions[r] lists the record positions
// (into sample.Records) assigned to rank r. partitions need not be
// contiguous ranges (unlike partutil.MinAbsDiffPartition's ranges) since a
// caller may reorder positions via dataowner.Registry.ProducerMapping
// first; ScatterTo only requires that every position in [0, sample.NRecords())
// appears in exactly one partitions[r].
func ScatterTo(sample Sample, nDP int, partitions map[int][]int) ([]Sample, error) {
	if err := validateCover(sample.NRecords(), partitions); err != nil {
		return nil, err
	}

	out := make([]Sample, nDP)
	for r := 0; r < nDP; r++ {
		positions := partitions[r]
		lens := make([]int, len(positions))
		recs := make([][]byte, len(positions))
		for i, pos := range positions {
			lens[i] = sample.InputLens[pos]
			recs[i] = sample.Records[pos]
		}
		out[r] = NewSample(lens, recs)
	}
	return out, nil
}

func validateCover(n int, partitions map[int][]int) error {
	seen := make([]bool, n)
	count := 0
	for _, positions := range partitions {
		for _, pos := range positions {
			if pos < 0 || pos >= n {
				return fmt.Errorf("databroker: partition position %d out of range [0,%d)", pos, n)
			}
			if seen[pos] {
				return fmt.Errorf("databroker: partition position %d assigned more than once", pos)
			}
			seen[pos] = true
			count++
		}
	}
	if count != n {
		return fmt.Errorf("databroker: partitions cover %d of %d positions", count, n)
	}
	return nil
}

// GatherFrom concatenates samples along the sequence axis in the order
// provided, the inverse of ScatterTo for any partition scheme that covers
// [0, n). Used by the reply coroutine to recombine dp-head replies into one
// packed sample (SPEC_FULL.md §4.3).
func GatherFrom(samples []Sample) Sample {
	var lens []int
	var recs [][]byte
	for _, s := range samples {
		lens = append(lens, s.InputLens...)
		recs = append(recs, s.Records...)
	}
	return NewSample(lens, recs)
}
