// Package dfg defines the dataflow-graph node types (ModelRPC, hooks,
// topologies) that the scheduler walks. It carries no execution logic of its
// own beyond graph construction and validation (§3, §4.3 of SPEC_FULL.md).
package dfg

import (
	"fmt"
)

// ModelName identifies one logical model role and a replica of it. Two
// replicas of the same role can be alive concurrently, e.g. while a
// parameter reallocation is in flight between them.
type ModelName struct {
	Role      string
	ReplicaID int
}

func (m ModelName) String() string {
	return fmt.Sprintf("%s@%d", m.Role, m.ReplicaID)
}

// Topology describes a 3-D parallelism shape: pipeline, tensor-model, and
// data dimensions.
type Topology struct {
	PipeDim int
	ModelDim int
	DataDim int
}

// WorldSize is the total number of shards in this topology.
func (t Topology) WorldSize() int { return t.PipeDim * t.ModelDim * t.DataDim }

// Coordinate represents the (pipe, model, data) position of a parallelism
// rank within a Topology.
type Coordinate struct {
	Pipe  int
	Model int
	Data  int
}

// CoordinateOf decomposes a flat parallelism rank into its (pipe, model,
// data) coordinate. The data index varies fastest, then model, then pipe,
// matching the convention that rank = ((pipe*ModelDim)+model)*DataDim+data.
func (t Topology) CoordinateOf(rank int) Coordinate {
	data := rank % t.DataDim
	rest := rank / t.DataDim
	model := rest % t.ModelDim
	pipe := rest / t.ModelDim
	return Coordinate{Pipe: pipe, Model: model, Data: data}
}

// RankOf is the inverse of CoordinateOf.
func (t Topology) RankOf(c Coordinate) int {
	return (c.Pipe*t.ModelDim+c.Model)*t.DataDim + c.Data
}

// DPHeadRank returns the rank that is the "dp-head" of the given data
// slice: pipe=last, model=0. Only the dp-head's reply is collected by the
// master for a given data-parallel slice.
func (t Topology) DPHeadRank(dataSlice int) int {
	return t.RankOf(Coordinate{Pipe: t.PipeDim - 1, Model: 0, Data: dataSlice})
}

// DPHeadRanks returns the dp-head rank of every data slice, in slice order.
func (t Topology) DPHeadRanks() []int {
	ranks := make([]int, t.DataDim)
	for i := range ranks {
		ranks[i] = t.DPHeadRank(i)
	}
	return ranks
}

// ModelShardID addresses one handler: a specific parallelism rank of a
// specific model replica under a specific topology.
type ModelShardID struct {
	ModelName       ModelName
	ParallelismRank int
	Topology        Topology
}

func (s ModelShardID) String() string {
	return fmt.Sprintf("%s:%d", s.ModelName, s.ParallelismRank)
}

// ShardsOf enumerates every ModelShardID of a model given its topology.
func ShardsOf(name ModelName, topo Topology) []ModelShardID {
	shards := make([]ModelShardID, topo.WorldSize())
	for r := range shards {
		shards[r] = ModelShardID{ModelName: name, ParallelismRank: r, Topology: topo}
	}
	return shards
}

// InterfaceType enumerates the three kinds of model RPC.
type InterfaceType int

const (
	GENERATE InterfaceType = iota
	INFERENCE
	TRAIN_STEP
)

func (i InterfaceType) String() string {
	switch i {
	case GENERATE:
		return "generate"
	case INFERENCE:
		return "inference"
	case TRAIN_STEP:
		return "train_step"
	default:
		return "unknown"
	}
}

// Hook is a pre/post side-effect attached to an RPC that must be executed
// by a superset of the RPC's primary handlers.
type Hook interface {
	isHook()
}

// SyncParamHook requests a parameter-reallocation collective between two
// model replicas. Exactly one of Source/Target is nil; the nil side
// defaults to the owning RPC's ModelName.
type SyncParamHook struct {
	Source *ModelName
	Target *ModelName
}

func (SyncParamHook) isHook() {}

// OffloadHook requests that the owning RPC's primary handlers offload their
// shard to host memory (or reload it) around the RPC.
type OffloadHook struct{}

func (OffloadHook) isHook() {}

// ModelRPC is one DFG node: a named, atomic invocation of an interface
// against a named model.
type ModelRPC struct {
	Name          string
	ModelName     ModelName
	InterfaceType InterfaceType

	InputKeys      []string
	OutputKeys     []string
	InputKeyRemap  map[string]string
	OutputKeyRemap map[string]string

	MinNSeqs       int
	MaxNSeqs       int
	MinNSeqsPerDP  int
	BalancedDP     bool
	MaxConcurrentCalls int

	LogReturnValue bool

	IsSrc bool
	IsDst bool

	// DataProducers overrides the default producer (the graph's single
	// source RPC) for specific input keys.
	DataProducers map[string]ModelName

	PreHooks  []Hook
	PostHooks []Hook

	// InterfaceImpl is opaque to the core: it is forwarded to whatever
	// constructs the wire payload (generation config, loss weights, ...)
	// but never inspected here, mirroring rpc.interface_impl in the
	// original source.
	InterfaceImpl any

	// resolved by NewGraph
	children []*ModelRPC
	parents  []*ModelRPC
}

// Children returns the RPCs that consume at least one of this RPC's output
// keys (after remap), resolved by NewGraph.
func (r *ModelRPC) Children() []*ModelRPC { return r.children }

// Parents returns the RPCs that produce at least one of this RPC's
// non-overridden input keys, resolved by NewGraph.
func (r *ModelRPC) Parents() []*ModelRPC { return r.parents }

// Validate checks the single-RPC invariants from spec.md §3/§8 that don't
// require the whole graph.
func (r *ModelRPC) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("dfg: RPC has empty name")
	}
	if r.MaxConcurrentCalls < 1 {
		return fmt.Errorf("dfg: RPC %s: max_concurrent_calls must be >= 1, got %d", r.Name, r.MaxConcurrentCalls)
	}
	if r.MinNSeqs > r.MaxNSeqs {
		return fmt.Errorf("dfg: RPC %s: min_n_seqs (%d) > max_n_seqs (%d)", r.Name, r.MinNSeqs, r.MaxNSeqs)
	}
	for _, h := range r.PreHooks {
		if err := validateHook(r, h); err != nil {
			return err
		}
	}
	for _, h := range r.PostHooks {
		if err := validateHook(r, h); err != nil {
			return err
		}
	}
	return nil
}

func validateHook(r *ModelRPC, h Hook) error {
	if sp, ok := h.(SyncParamHook); ok {
		if (sp.Source == nil) == (sp.Target == nil) {
			return fmt.Errorf("dfg: RPC %s: SyncParamHook requires exactly one of {source, target}", r.Name)
		}
	}
	return nil
}

// PromoteMinNSeqs raises MinNSeqs to at least the given world size, logging
// a warning via the supplied sink, per SPEC_FULL.md §8 boundary behavior
// ("An RPC with min_n_seqs < dp_size*pp_size is automatically promoted").
func (r *ModelRPC) PromoteMinNSeqs(worldSize int, warnf func(format string, args ...any)) {
	if r.MinNSeqs < worldSize {
		if warnf != nil {
			warnf("RPC %s: min_n_seqs %d < dp_size*pp_size %d, promoting", r.Name, r.MinNSeqs, worldSize)
		}
		r.MinNSeqs = worldSize
	}
}
