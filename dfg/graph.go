package dfg

import (
	"fmt"
	"sort"
)

// Graph is the set of ModelRPCs that make up one dataflow graph, indexed by
// name for lookup by the scheduler. It generalizes the teacher's
// registry.Registry (a name -> implementation map with Register/Names) from
// a fixed set of demo computations to the dynamically configured RPC set of
// one experiment.
type Graph struct {
	rpcs map[string]*ModelRPC
	src  *ModelRPC
}

// NewGraph builds and validates a Graph from a flat list of RPCs.
//
// Validation performed (spec.md §7 "Configuration error"):
//   - no duplicate RPC names
//   - exactly one is_src RPC, and at least one is_dst RPC
//   - the set of all input_keys not covered by data_producers must be
//     producible by the source RPC (spec.md §3 invariant)
//   - no producer ambiguity: at most one RPC may produce any given output
//     key (spec.md §9 Open Question, resolved as "reject such DFGs at
//     init")
//   - the graph, viewed as key-dependency edges, is acyclic
func NewGraph(rpcs []*ModelRPC) (*Graph, error) {
	g := &Graph{rpcs: make(map[string]*ModelRPC, len(rpcs))}

	for _, r := range rpcs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := g.rpcs[r.Name]; dup {
			return nil, fmt.Errorf("dfg: duplicate RPC name %q", r.Name)
		}
		g.rpcs[r.Name] = r
		if r.IsSrc {
			if g.src != nil {
				return nil, fmt.Errorf("dfg: multiple source RPCs: %s and %s", g.src.Name, r.Name)
			}
			g.src = r
		}
	}
	if g.src == nil {
		return nil, fmt.Errorf("dfg: graph has no source (is_src) RPC")
	}
	if !g.hasDst() {
		return nil, fmt.Errorf("dfg: graph has no terminal (is_dst) RPC")
	}

	producerOf, err := g.resolveProducers()
	if err != nil {
		return nil, err
	}

	if err := g.resolveParentChild(producerOf); err != nil {
		return nil, err
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

func (g *Graph) hasDst() bool {
	for _, r := range g.rpcs {
		if r.IsDst {
			return true
		}
	}
	return false
}

// resolveProducers maps every output key (after remap) to the ModelRPC
// that produces it, rejecting ambiguous output-key producers (more than one
// RPC claiming the same output key), and checks that every input key not
// overridden by DataProducers is one of those output keys.
func (g *Graph) resolveProducers() (map[string]*ModelRPC, error) {
	outputOwner := make(map[string]*ModelRPC) // output key -> producing RPC

	for _, r := range g.rpcs {
		for _, k := range r.OutputKeys {
			key := k
			if remapped, ok := r.OutputKeyRemap[k]; ok {
				key = remapped
			}
			if owner, ok := outputOwner[key]; ok && owner != r {
				return nil, fmt.Errorf("dfg: output key %q produced by both %s and %s", key, owner.Name, r.Name)
			}
			outputOwner[key] = r
		}
	}

	for _, r := range g.rpcs {
		if r.IsSrc {
			continue
		}
		for _, k := range r.InputKeys {
			if _, overridden := r.DataProducers[k]; overridden {
				continue
			}
			if _, ok := outputOwner[k]; !ok {
				// Not produced by anyone: must be producible by the source RPC.
				if !producesKey(g.src, k) {
					return nil, fmt.Errorf("dfg: RPC %s requires input key %q which no RPC produces and the source RPC %s does not provide", r.Name, k, g.src.Name)
				}
			}
		}
	}

	return outputOwner, nil
}

func producesKey(r *ModelRPC, key string) bool {
	for _, k := range r.OutputKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (g *Graph) resolveParentChild(outputOwner map[string]*ModelRPC) error {
	for _, r := range g.rpcs {
		r.children = nil
		r.parents = nil
	}
	for _, r := range g.rpcs {
		for _, k := range r.InputKeys {
			var producer *ModelRPC
			if override, ok := r.DataProducers[k]; ok {
				producer = g.byModelName(override)
			} else if owner, ok := outputOwner[k]; ok {
				producer = owner
			}
			if producer == nil || producer == r {
				continue
			}
			if !containsRPC(r.parents, producer) {
				r.parents = append(r.parents, producer)
			}
			if !containsRPC(producer.children, r) {
				producer.children = append(producer.children, r)
			}
		}
	}
	return nil
}

func (g *Graph) byModelName(name ModelName) *ModelRPC {
	for _, r := range g.rpcs {
		if r.ModelName == name {
			return r
		}
	}
	return nil
}

func containsRPC(list []*ModelRPC, r *ModelRPC) bool {
	for _, v := range list {
		if v == r {
			return true
		}
	}
	return false
}

// checkAcyclic runs a DFS-based cycle check over the parent/child edges
// resolved above.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.rpcs))

	var visit func(r *ModelRPC) error
	visit = func(r *ModelRPC) error {
		color[r.Name] = gray
		for _, c := range r.children {
			switch color[c.Name] {
			case gray:
				return fmt.Errorf("dfg: cycle detected through RPC %s -> %s", r.Name, c.Name)
			case white:
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		color[r.Name] = black
		return nil
	}

	for _, name := range g.SortedNames() {
		if color[name] == white {
			if err := visit(g.rpcs[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

// RPC looks up an RPC by name.
func (g *Graph) RPC(name string) (*ModelRPC, bool) {
	r, ok := g.rpcs[name]
	return r, ok
}

// Source returns the graph's single is_src RPC.
func (g *Graph) Source() *ModelRPC { return g.src }

// Terminals returns every is_dst RPC.
func (g *Graph) Terminals() []*ModelRPC {
	var out []*ModelRPC
	for _, name := range g.SortedNames() {
		r := g.rpcs[name]
		if r.IsDst {
			out = append(out, r)
		}
	}
	return out
}

// All returns every RPC in the graph, ordered by name for determinism.
func (g *Graph) All() []*ModelRPC {
	out := make([]*ModelRPC, 0, len(g.rpcs))
	for _, name := range g.SortedNames() {
		out = append(out, g.rpcs[name])
	}
	return out
}

// SortedNames returns every RPC name in ascending order.
func (g *Graph) SortedNames() []string {
	names := make([]string, 0, len(g.rpcs))
	for n := range g.rpcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
