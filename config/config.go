// Package config loads one experiment's configuration: its DFG definition,
// model topologies, finetune spec, save/eval frequency controls, and
// benchmark/save-root settings (SPEC_FULL.md §6 "Experiment configuration
// (ambient)").
//
// Grounded on 0xkanth-polymarket-indexer's internal/util/init.go: TOML file
// as the base layer, environment variables as an overlay, both loaded
// through github.com/knadh/koanf/v2 — the same two-provider shape, adapted
// from a single flat config map to an Experiment struct unmarshaled via
// koanf's struct tags. This generalizes spec.md §9's "global mutable
// module-level state -> confine to a single process-scope Environment
// value created once at startup and passed by reference": config.Experiment
// is that Environment value.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/openpsi-project/realmaster/dfg"
)

// TopologyConfig mirrors dfg.Topology for TOML unmarshaling.
type TopologyConfig struct {
	PipeDim  int `koanf:"pipe_dim"`
	ModelDim int `koanf:"model_dim"`
	DataDim  int `koanf:"data_dim"`
}

func (t TopologyConfig) Topology() dfg.Topology {
	return dfg.Topology{PipeDim: t.PipeDim, ModelDim: t.ModelDim, DataDim: t.DataDim}
}

// ModelConfig names one model role's replicas and their topology.
type ModelConfig struct {
	Role       string         `koanf:"role"`
	NReplicas  int            `koanf:"n_replicas"`
	Topology   TopologyConfig `koanf:"topology"`
}

// HookConfig is the tagged-sum encoding of a dfg.Hook for TOML, per
// spec.md §9's "reflection-style polymorphism -> tagged sum" redesign
// note: Type selects which of {Source, Target} (for "sync_param") is read.
type HookConfig struct {
	Type   string  `koanf:"type"` // "sync_param" | "offload"
	Source *string `koanf:"source"`
	Target *string `koanf:"target"`
}

func (h HookConfig) toHook() (dfg.Hook, error) {
	switch h.Type {
	case "sync_param":
		if (h.Source == nil) == (h.Target == nil) {
			return nil, fmt.Errorf("config: sync_param hook requires exactly one of source/target")
		}
		var hook dfg.SyncParamHook
		if h.Source != nil {
			name := parseModelName(*h.Source)
			hook.Source = &name
		}
		if h.Target != nil {
			name := parseModelName(*h.Target)
			hook.Target = &name
		}
		return hook, nil
	case "offload":
		return dfg.OffloadHook{}, nil
	default:
		return nil, fmt.Errorf("config: unknown hook type %q", h.Type)
	}
}

// parseModelName parses "role" or "role@replica" into a dfg.ModelName.
func parseModelName(s string) dfg.ModelName {
	role, replica := s, 0
	if i := strings.IndexByte(s, '@'); i >= 0 {
		role = s[:i]
		fmt.Sscanf(s[i+1:], "%d", &replica)
	}
	return dfg.ModelName{Role: role, ReplicaID: replica}
}

// RPCConfig is the TOML shape of one dfg.ModelRPC.
type RPCConfig struct {
	Name          string `koanf:"name"`
	Model         string `koanf:"model"`
	InterfaceType string `koanf:"interface_type"` // "generate" | "inference" | "train_step"

	InputKeys      []string          `koanf:"input_keys"`
	OutputKeys     []string          `koanf:"output_keys"`
	InputKeyRemap  map[string]string `koanf:"input_key_remap"`
	OutputKeyRemap map[string]string `koanf:"output_key_remap"`

	MinNSeqs           int  `koanf:"min_n_seqs"`
	MaxNSeqs           int  `koanf:"max_n_seqs"`
	MinNSeqsPerDP      int  `koanf:"min_n_seqs_per_dp"`
	BalancedDP         bool `koanf:"balanced_dp"`
	MaxConcurrentCalls int  `koanf:"max_concurrent_calls"`
	LogReturnValue     bool `koanf:"log_return_value"`

	IsSrc bool `koanf:"is_src"`
	IsDst bool `koanf:"is_dst"`

	DataProducers map[string]string `koanf:"data_producers"`

	PreHooks  []HookConfig `koanf:"pre_hooks"`
	PostHooks []HookConfig `koanf:"post_hooks"`
}

func interfaceTypeOf(s string) (dfg.InterfaceType, error) {
	switch s {
	case "generate":
		return dfg.GENERATE, nil
	case "inference":
		return dfg.INFERENCE, nil
	case "train_step":
		return dfg.TRAIN_STEP, nil
	default:
		return 0, fmt.Errorf("config: unknown interface_type %q", s)
	}
}

// ToModelRPC builds the dfg.ModelRPC this config describes. maxConcurrent
// defaults to 1 when unset, mirroring spec.md §3's "max_concurrent_calls
// (>= 1)" invariant.
func (c RPCConfig) ToModelRPC() (*dfg.ModelRPC, error) {
	it, err := interfaceTypeOf(c.InterfaceType)
	if err != nil {
		return nil, fmt.Errorf("config: RPC %s: %w", c.Name, err)
	}
	maxConcurrent := c.MaxConcurrentCalls
	if maxConcurrent == 0 {
		maxConcurrent = 1
	}

	dataProducers := make(map[string]dfg.ModelName, len(c.DataProducers))
	for k, v := range c.DataProducers {
		dataProducers[k] = parseModelName(v)
	}

	rpc := &dfg.ModelRPC{
		Name:               c.Name,
		ModelName:          parseModelName(c.Model),
		InterfaceType:      it,
		InputKeys:          c.InputKeys,
		OutputKeys:         c.OutputKeys,
		InputKeyRemap:      c.InputKeyRemap,
		OutputKeyRemap:     c.OutputKeyRemap,
		MinNSeqs:           c.MinNSeqs,
		MaxNSeqs:           c.MaxNSeqs,
		MinNSeqsPerDP:      c.MinNSeqsPerDP,
		BalancedDP:         c.BalancedDP,
		MaxConcurrentCalls: maxConcurrent,
		LogReturnValue:     c.LogReturnValue,
		IsSrc:              c.IsSrc,
		IsDst:              c.IsDst,
		DataProducers:      dataProducers,
	}
	for _, h := range c.PreHooks {
		hook, err := h.toHook()
		if err != nil {
			return nil, fmt.Errorf("config: RPC %s: pre_hooks: %w", c.Name, err)
		}
		rpc.PreHooks = append(rpc.PreHooks, hook)
	}
	for _, h := range c.PostHooks {
		hook, err := h.toHook()
		if err != nil {
			return nil, fmt.Errorf("config: RPC %s: post_hooks: %w", c.Name, err)
		}
		rpc.PostHooks = append(rpc.PostHooks, hook)
	}
	return rpc, nil
}

// FreqCtlConfig mirrors driver/timeutil.EpochStepTimeFreqCtl's thresholds.
type FreqCtlConfig struct {
	FreqEpoch int `koanf:"freq_epoch"`
	FreqStep  int `koanf:"freq_step"`
	FreqSec   int `koanf:"freq_sec"`
}

// Experiment is the full configuration object referenced throughout
// SPEC_FULL.md: DFG definition, model topologies, FinetuneSpec fields,
// save/eval frequency controls, benchmark_steps, and MODEL_SAVE_ROOT.
type Experiment struct {
	Experiment string `koanf:"experiment"`
	Trial      string `koanf:"trial"`

	Models []ModelConfig `koanf:"models"`
	RPCs   []RPCConfig   `koanf:"rpcs"`

	BatchSizePerDevice int `koanf:"batch_size_per_device"`
	StepsPerEpoch      int `koanf:"steps_per_epoch"`
	TotalTrainEpochs   int `koanf:"total_train_epochs"`

	BufferMaxSize int `koanf:"buffer_max_size"`

	SaveFreq FreqCtlConfig `koanf:"save_freq"`
	EvalFreq FreqCtlConfig `koanf:"eval_freq"`

	BenchmarkSteps int `koanf:"benchmark_steps"`

	ModelSaveRoot string `koanf:"model_save_root"`

	DataWorkerAddrs  []string `koanf:"data_worker_addrs"`
	ModelWorkerAddrs []string `koanf:"model_worker_addrs"`

	DatasetGlobs []string `koanf:"dataset_globs"`
}

// Load reads an Experiment from a TOML file at path, then overlays any
// matching environment variables: the REALMASTER_ prefix is dropped, the
// rest is lower-cased, and a SAVE_FREQ_ or EVAL_FREQ_ prefix selects that
// table, so REALMASTER_SAVE_FREQ_FREQ_STEP sets save_freq.freq_step and
// REALMASTER_BENCHMARK_STEPS sets benchmark_steps.
func Load(path string) (*Experiment, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if err := k.Load(env.Provider("REALMASTER_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "REALMASTER_"))
		for _, table := range []string{"save_freq_", "eval_freq_"} {
			if strings.HasPrefix(s, table) {
				return strings.TrimSuffix(table, "_") + "." + strings.TrimPrefix(s, table)
			}
		}
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment overlay: %w", err)
	}

	var exp Experiment
	if err := k.Unmarshal("", &exp); err != nil {
		return nil, fmt.Errorf("config: unmarshaling experiment: %w", err)
	}
	return &exp, nil
}

// Graph builds and validates the dfg.Graph described by the experiment's
// RPCs.
func (e *Experiment) Graph() (*dfg.Graph, error) {
	rpcs := make([]*dfg.ModelRPC, 0, len(e.RPCs))
	for _, c := range e.RPCs {
		rpc, err := c.ToModelRPC()
		if err != nil {
			return nil, err
		}
		rpcs = append(rpcs, rpc)
	}
	return dfg.NewGraph(rpcs)
}

// Topologies resolves every configured model role's topology, expanded
// across its replicas, keyed by dfg.ModelName.
func (e *Experiment) Topologies() map[dfg.ModelName]dfg.Topology {
	out := make(map[dfg.ModelName]dfg.Topology)
	for _, m := range e.Models {
		n := m.NReplicas
		if n < 1 {
			n = 1
		}
		for r := 0; r < n; r++ {
			out[dfg.ModelName{Role: m.Role, ReplicaID: r}] = m.Topology.Topology()
		}
	}
	return out
}
