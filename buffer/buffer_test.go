package buffer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsi-project/realmaster/buffer"
	"github.com/openpsi-project/realmaster/dfg"
)

func chainGraph(t *testing.T) *dfg.Graph {
	t.Helper()
	gen := &dfg.ModelRPC{
		Name: "gen", ModelName: dfg.ModelName{Role: "actor"}, InterfaceType: dfg.GENERATE,
		OutputKeys: []string{"seq"}, MinNSeqs: 1, MaxNSeqs: 100, MaxConcurrentCalls: 1, IsSrc: true,
	}
	ref := &dfg.ModelRPC{
		Name: "ref", ModelName: dfg.ModelName{Role: "ref"}, InterfaceType: dfg.INFERENCE,
		InputKeys: []string{"seq"}, OutputKeys: []string{"ref_logp"}, MinNSeqs: 1, MaxNSeqs: 100, MaxConcurrentCalls: 1,
	}
	train := &dfg.ModelRPC{
		Name: "train", ModelName: dfg.ModelName{Role: "actor"}, InterfaceType: dfg.TRAIN_STEP,
		InputKeys: []string{"seq", "ref_logp"}, MinNSeqs: 1, MaxNSeqs: 100, MaxConcurrentCalls: 1, IsDst: true,
	}
	g, err := dfg.NewGraph([]*dfg.ModelRPC{gen, ref, train})
	require.NoError(t, err)
	return g
}

func singleRPCGraph(t *testing.T) *dfg.Graph {
	t.Helper()
	train := &dfg.ModelRPC{
		Name: "train", ModelName: dfg.ModelName{Role: "actor"}, InterfaceType: dfg.TRAIN_STEP,
		MinNSeqs: 16, MaxNSeqs: 16, MaxConcurrentCalls: 1, IsSrc: true, IsDst: true,
	}
	g, err := dfg.NewGraph([]*dfg.ModelRPC{train})
	require.NoError(t, err)
	return g
}

func putN(t *testing.T, b *buffer.Buffer, n int, seqLen int) []int {
	t.Helper()
	items := make([]struct {
		Attrs  map[string]buffer.AttrDescriptor
		SeqLen int
	}, n)
	for i := range items {
		items[i].Attrs = map[string]buffer.AttrDescriptor{}
		items[i].SeqLen = seqLen
	}
	idxs, err := b.PutBatch(items)
	require.NoError(t, err)
	return idxs
}

func TestSingleRPCTrainingConsumesAll(t *testing.T) {
	g := singleRPCGraph(t)
	b := buffer.New(g, 0)
	idxs := putN(t, b, 16, 128)
	require.Len(t, idxs, 16)

	batch, err := b.GetBatchForRPC(context.Background(), g.Source(), 1)
	require.NoError(t, err)
	assert.Len(t, batch.Indices, 16)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, batch.Indices)
	assert.Equal(t, 16, b.Len()) // records still present until dropped
	require.NoError(t, b.DropIndices(batch.Indices))
	assert.Equal(t, 0, b.Len())
}

func TestProducerConsumerChain(t *testing.T) {
	g := chainGraph(t)
	b := buffer.New(g, 0)
	idxs := putN(t, b, 8, 64)

	gen, _ := g.RPC("gen")
	ref, _ := g.RPC("ref")
	train, _ := g.RPC("train")

	genBatch, err := b.GetBatchForRPC(context.Background(), gen, 1)
	require.NoError(t, err)
	assert.Len(t, genBatch.Indices, 8)

	// ref is not ready until gen amends "seq".
	done := make(chan buffer.Batch, 1)
	go func() {
		batch, err := b.GetBatchForRPC(context.Background(), ref, 1)
		if err != nil {
			close(done)
			return
		}
		done <- batch
	}()

	select {
	case <-done:
		t.Fatal("ref RPC should not be ready before seq is produced")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.AmendBatch(idxs,
		mkAmend(idxs, []string{"seq"}, 64),
		func(string, int) buffer.AttrDescriptor { return buffer.AttrDescriptor{} }))

	refBatch := <-done
	assert.Len(t, refBatch.Indices, 8)

	require.NoError(t, b.AmendBatch(idxs,
		mkAmend(idxs, []string{"ref_logp"}, 64),
		func(string, int) buffer.AttrDescriptor { return buffer.AttrDescriptor{} }))

	trainBatch, err := b.GetBatchForRPC(context.Background(), train, 1)
	require.NoError(t, err)
	assert.Len(t, trainBatch.Indices, 8)
}

func mkAmend(idxs []int, keys []string, seqLen int) []struct {
	Keys   []string
	SeqLen int
} {
	out := make([]struct {
		Keys   []string
		SeqLen int
	}, len(idxs))
	for i := range out {
		out[i] = struct {
			Keys   []string
			SeqLen int
		}{Keys: keys, SeqLen: seqLen}
	}
	return out
}

func TestBalancedDPRoundsDownToMultiple(t *testing.T) {
	g := singleRPCGraph(t)
	train, _ := g.RPC("train")
	train.BalancedDP = true
	train.MinNSeqs = 1
	train.MaxNSeqs = 100

	b := buffer.New(g, 0)
	putN(t, b, 10, 32) // 10 is not a multiple of dp_size=3

	batch, err := b.GetBatchForRPC(context.Background(), train, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, len(batch.Indices)%3)
	assert.Equal(t, 9, len(batch.Indices))
}

func TestBufferFull(t *testing.T) {
	g := singleRPCGraph(t)
	b := buffer.New(g, 4)
	_, err := b.PutBatch([]struct {
		Attrs  map[string]buffer.AttrDescriptor
		SeqLen int
	}{{Attrs: map[string]buffer.AttrDescriptor{}, SeqLen: 1}, {Attrs: map[string]buffer.AttrDescriptor{}, SeqLen: 1},
		{Attrs: map[string]buffer.AttrDescriptor{}, SeqLen: 1}, {Attrs: map[string]buffer.AttrDescriptor{}, SeqLen: 1},
		{Attrs: map[string]buffer.AttrDescriptor{}, SeqLen: 1}})
	assert.ErrorIs(t, err, buffer.ErrBufferFull)
}

func TestNotifyWakesMultipleWaiters(t *testing.T) {
	g := singleRPCGraph(t)
	train, _ := g.RPC("train")
	train.MinNSeqs = 1
	train.MaxNSeqs = 1
	b := buffer.New(g, 0)

	var wg sync.WaitGroup
	results := make([]buffer.Batch, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batch, err := b.GetBatchForRPC(context.Background(), train, 1)
			if err == nil {
				results[i] = batch
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, b.Waiters())

	putN(t, b, 3, 8)
	b.Notify(3)

	wg.Wait()
	total := 0
	for _, r := range results {
		total += len(r.Indices)
	}
	assert.Equal(t, 3, total)
}

func TestAmendUnknownIndexFails(t *testing.T) {
	g := singleRPCGraph(t)
	b := buffer.New(g, 0)
	err := b.AmendBatch([]int{42}, mkAmend([]int{42}, []string{"x"}, 1),
		func(string, int) buffer.AttrDescriptor { return buffer.AttrDescriptor{} })
	assert.ErrorIs(t, err, buffer.ErrUnknownIndex)
}
