// Package dataowner implements the data-owner registry (SPEC_FULL.md §4.3,
// §4.5): the mapping (buffer_index, attribute_key) -> (producer model,
// producer dp rank), used to route an RPC's input across heterogeneous
// parallelism topologies.
//
// Structurally this is the same shape as the teacher's components/tracker.go
// (a mutex-guarded map with Join/lookup/Count operations); the registry
// generalizes it from a small alive-set to the much larger per-(index,key)
// ownership map, and replaces the boolean membership test with an
// overwrite-checked Set (spec.md §8: "the producer set for any (index, key)
// is unique").
package dataowner

import (
	"fmt"
	"sync"

	"github.com/openpsi-project/realmaster/dfg"
)

// Owner identifies which model, and which of its data-parallel ranks,
// produced a given attribute.
type Owner struct {
	ModelName dfg.ModelName
	DPRank    int
}

type key struct {
	bufferIndex int
	attrKey     string
}

// Registry is the data-owner map. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	owner map[key]Owner
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{owner: make(map[key]Owner)}
}

// ErrDuplicateOwner is returned by Set when (bufferIndex, attrKey) already
// has a different owner recorded — a fatal buffer-invariant violation per
// spec.md §7/§8 ("the data-owner map has exactly one entry for (index,
// key)").
var ErrDuplicateOwner = fmt.Errorf("dataowner: duplicate producer for (index, key)")

// ErrUnknown is returned by Lookup when no owner is recorded for
// (bufferIndex, attrKey).
var ErrUnknown = fmt.Errorf("dataowner: no owner recorded")

// Set records that model/dpRank produced attrKey for bufferIndex. Setting
// the same (bufferIndex, attrKey) to the same Owner again is a no-op;
// setting it to a different Owner is rejected.
func (r *Registry) Set(bufferIndex int, attrKey string, owner Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{bufferIndex, attrKey}
	if existing, ok := r.owner[k]; ok && existing != owner {
		return fmt.Errorf("%w: index=%d key=%s existing=%+v new=%+v", ErrDuplicateOwner, bufferIndex, attrKey, existing, owner)
	}
	r.owner[k] = owner
	return nil
}

// Lookup returns the owner of (bufferIndex, attrKey).
func (r *Registry) Lookup(bufferIndex int, attrKey string) (Owner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.owner[key{bufferIndex, attrKey}]
	if !ok {
		return Owner{}, fmt.Errorf("%w: index=%d key=%s", ErrUnknown, bufferIndex, attrKey)
	}
	return o, nil
}

// Drop removes every entry for the given buffer indices, called when the
// master broadcasts clear_data_cache at a step boundary.
func (r *Registry) Drop(bufferIndices []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	toDelete := make(map[int]struct{}, len(bufferIndices))
	for _, idx := range bufferIndices {
		toDelete[idx] = struct{}{}
	}
	for k := range r.owner {
		if _, ok := toDelete[k.bufferIndex]; ok {
			delete(r.owner, k)
		}
	}
}

// ProducerMapping groups the positions (indices into a caller-supplied
// slice of buffer indices) by dp rank of their owning producer, for a
// single (producerModel, attrKey) pair. This is exactly the
// `producer_mappings[P,k]: dp_idx -> sorted list of record positions`
// structure from SPEC_FULL.md §4.5.
func (r *Registry) ProducerMapping(bufferIndices []int, attrKey string) (producer dfg.ModelName, mapping map[int][]int, err error) {
	mapping = make(map[int][]int)
	var producerSet = make(map[dfg.ModelName]struct{})

	for pos, idx := range bufferIndices {
		o, lookupErr := r.Lookup(idx, attrKey)
		if lookupErr != nil {
			return dfg.ModelName{}, nil, lookupErr
		}
		producerSet[o.ModelName] = struct{}{}
		mapping[o.DPRank] = append(mapping[o.DPRank], pos)
	}

	if len(producerSet) != 1 {
		return dfg.ModelName{}, nil, fmt.Errorf("dataowner: ambiguous producer set for key %q across batch: %d distinct producers", attrKey, len(producerSet))
	}
	for name := range producerSet {
		producer = name
	}
	for _, positions := range mapping {
		sortInts(positions)
	}
	return producer, mapping, nil
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}
