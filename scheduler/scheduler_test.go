package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsi-project/realmaster/buffer"
	"github.com/openpsi-project/realmaster/dataowner"
	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/scheduler"
	"github.com/openpsi-project/realmaster/stream"
)

func singleShardTopo() dfg.Topology { return dfg.Topology{PipeDim: 1, ModelDim: 1, DataDim: 1} }

// twoRPCGraph wires a single-RPC source "gen" into a terminal "train" RPC,
// both running on single-shard models, the minimal shape exercising one
// full request/reply round trip including buffer amendment and the
// train-count signal.
func twoRPCGraph(t *testing.T) *dfg.Graph {
	t.Helper()
	gen := &dfg.ModelRPC{
		Name: "gen", ModelName: dfg.ModelName{Role: "actor"}, InterfaceType: dfg.GENERATE,
		OutputKeys: []string{"seq"}, MinNSeqs: 1, MaxNSeqs: 100, MaxConcurrentCalls: 1, IsSrc: true,
	}
	train := &dfg.ModelRPC{
		Name: "train", ModelName: dfg.ModelName{Role: "actor"}, InterfaceType: dfg.TRAIN_STEP,
		InputKeys: []string{"seq"}, MinNSeqs: 1, MaxNSeqs: 100, MaxConcurrentCalls: 1, IsDst: true,
	}
	g, err := dfg.NewGraph([]*dfg.ModelRPC{gen, train})
	require.NoError(t, err)
	return g
}

func putPrompts(t *testing.T, b *buffer.Buffer, n int) []int {
	t.Helper()
	items := make([]struct {
		Attrs  map[string]buffer.AttrDescriptor
		SeqLen int
	}, n)
	for i := range items {
		items[i].Attrs = map[string]buffer.AttrDescriptor{}
		items[i].SeqLen = 8
	}
	idxs, err := b.PutBatch(items)
	require.NoError(t, err)
	return idxs
}

func TestSchedulerRunsOneStepEndToEnd(t *testing.T) {
	g := twoRPCGraph(t)
	buf := buffer.New(g, 0)
	putPrompts(t, buf, 4)
	registry := dataowner.New()

	topos := scheduler.ModelTopos{
		dfg.ModelName{Role: "actor"}: singleShardTopo(),
	}

	broker := stream.NewBroker()
	master := broker.Client()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	actorHandler := dfg.ModelShardID{ModelName: dfg.ModelName{Role: "actor"}, ParallelismRank: 0, Topology: singleShardTopo()}
	stream.RunHandler(ctx, broker.Client(), actorHandler, func(ctx context.Context, req stream.Payload) (any, error) {
		if req.HandleName == stream.HandleEmpty {
			return nil, nil
		}
		dt, ok := req.Data.(scheduler.DataTransferEnvelope)
		require.True(t, ok)
		keys := dt.Keys
		if len(keys) == 0 {
			keys = []string{"seq"}
		}
		return replyResultFor(keys, len(dt.BufferIndices), dt.BufferIndices), nil
	})

	s := scheduler.New(g, buf, registry, master, topos)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-s.TrainCount():
	case err := <-errCh:
		t.Fatalf("scheduler exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for train count signal")
	}

	cancel()
}

// replyResultFor is a local alias matching scheduler's unexported
// replyResult shape via the same field layout, since workers in a real
// deployment only ever exchange the fields, not the type identity.
func replyResultFor(keys []string, n int, bufferIdx []int) any {
	type replyResult struct {
		Keys      []string
		Seqlens   []int
		Attrs     map[string][][]byte
		BufferIdx []int
	}
	seqlens := make([]int, n)
	for i := range seqlens {
		seqlens[i] = 8
	}
	return replyResult{Keys: keys, Seqlens: seqlens, BufferIdx: bufferIdx}
}

// TestResolveHooksSyncParamCreatesDistinctSideParticipants covers
// SPEC_FULL.md §4.4's primary multi-shard use case: a SyncParamHook whose
// "other side" has more than one shard, none of which are already among
// the RPC's main handlers. Each side-participant must get its own Payload
// with distinct, non-empty request/SYN/ACK ids, or a shared broker read
// cursor misroutes one worker's replies to another's wait.
func TestResolveHooksSyncParamCreatesDistinctSideParticipants(t *testing.T) {
	target := dfg.ModelName{Role: "critic"}
	rpc := &dfg.ModelRPC{
		Name: "train", ModelName: dfg.ModelName{Role: "actor"}, InterfaceType: dfg.TRAIN_STEP,
		MaxConcurrentCalls: 1, IsSrc: true, IsDst: true,
		PreHooks: []dfg.Hook{dfg.SyncParamHook{Target: &target}},
	}
	actorTopo := singleShardTopo()
	targetTopo := dfg.Topology{PipeDim: 1, ModelDim: 1, DataDim: 2}
	topos := scheduler.ModelTopos{rpc.ModelName: actorTopo, target: targetTopo}

	mainHandlers := dfg.ShardsOf(rpc.ModelName, actorTopo)
	payloads := make(map[dfg.ModelShardID]*stream.Payload, len(mainHandlers))
	for _, h := range mainHandlers {
		p := stream.NewRequest(h, stream.HandleTrainStep, nil)
		payloads[h] = &p
	}

	require.NoError(t, scheduler.ResolveHooks(rpc, payloads, topos, mainHandlers, true))

	otherHandlers := dfg.ShardsOf(target, targetTopo)
	require.Len(t, otherHandlers, 2)

	seen := make(map[string]dfg.ModelShardID)
	for _, h := range otherHandlers {
		p, ok := payloads[h]
		require.True(t, ok, "missing side-participant payload for %v", h)
		require.NotEmpty(t, p.ID)
		require.NotEmpty(t, p.SynReplyID)
		require.NotEmpty(t, p.AckReplyID)
		assert.Equal(t, stream.HandleEmpty, p.HandleName)
		assert.Contains(t, p.PreHooks, stream.HookParamRealloc)

		for field, id := range map[string]string{"id": p.ID, "syn": p.SynReplyID, "ack": p.AckReplyID} {
			key := field + ":" + id
			if prior, dup := seen[key]; dup {
				t.Fatalf("handler %v and %v share %s id %q", prior, h, field, id)
			}
			seen[key] = h
		}
	}

	mainPayload := payloads[mainHandlers[0]]
	assert.Contains(t, mainPayload.PreHooks, stream.HookParamRealloc)
}

// TestResolveHooksOffloadOnlyAppliesToMainHandlers covers the simpler
// OffloadHook path: it appends to every main handler's own payload and
// creates no side-participants.
func TestResolveHooksOffloadOnlyAppliesToMainHandlers(t *testing.T) {
	rpc := &dfg.ModelRPC{
		Name: "gen", ModelName: dfg.ModelName{Role: "actor"}, InterfaceType: dfg.GENERATE,
		MaxConcurrentCalls: 1, IsSrc: true, IsDst: true,
		PostHooks: []dfg.Hook{dfg.OffloadHook{}},
	}
	topo := singleShardTopo()
	topos := scheduler.ModelTopos{rpc.ModelName: topo}
	mainHandlers := dfg.ShardsOf(rpc.ModelName, topo)
	payloads := make(map[dfg.ModelShardID]*stream.Payload, len(mainHandlers))
	for _, h := range mainHandlers {
		p := stream.NewRequest(h, stream.HandleGenerate, nil)
		payloads[h] = &p
	}

	require.NoError(t, scheduler.ResolveHooks(rpc, payloads, topos, mainHandlers, false))

	require.Len(t, payloads, len(mainHandlers))
	for _, h := range mainHandlers {
		assert.Contains(t, payloads[h].PostHooks, stream.HookOffload)
	}
}

func TestTwoRPCGraphRejectsCycles(t *testing.T) {
	a := &dfg.ModelRPC{
		Name: "a", ModelName: dfg.ModelName{Role: "a"}, InterfaceType: dfg.INFERENCE,
		InputKeys: []string{"y"}, OutputKeys: []string{"x"}, MinNSeqs: 1, MaxNSeqs: 1, MaxConcurrentCalls: 1, IsSrc: true,
	}
	b := &dfg.ModelRPC{
		Name: "b", ModelName: dfg.ModelName{Role: "b"}, InterfaceType: dfg.INFERENCE,
		InputKeys: []string{"x"}, OutputKeys: []string{"y"}, MinNSeqs: 1, MaxNSeqs: 1, MaxConcurrentCalls: 1, IsDst: true,
	}
	_, err := dfg.NewGraph([]*dfg.ModelRPC{a, b})
	assert.Error(t, err)
}
