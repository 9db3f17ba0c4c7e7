package stream_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/stream"
)

func shard(role string, rank int) dfg.ModelShardID {
	return dfg.ModelShardID{ModelName: dfg.ModelName{Role: role}, ParallelismRank: rank}
}

func TestPollNonBlockingReturnsNoMessage(t *testing.T) {
	broker := stream.NewBroker()
	c := broker.Client()

	_, err := c.Poll(context.Background(), stream.ExactID("nope"), false)
	assert.ErrorIs(t, err, stream.ErrNoMessage)
}

func TestRequestAllSingleHandlerExecutesInOrder(t *testing.T) {
	broker := stream.NewBroker()
	master := broker.Client()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var executed []int
	h := shard("actor", 0)
	stream.RunHandler(ctx, broker.Client(), h, func(ctx context.Context, req stream.Payload) (any, error) {
		executed = append(executed, req.Data.(int))
		return req.Data, nil
	})

	for i := 0; i < 3; i++ {
		p := stream.NewRequest(h, stream.HandleGenerate, i)
		ids, err := stream.RequestAll(ctx, master, []stream.Payload{p})
		require.NoError(t, err)
		reply, err := stream.AwaitResponse(ctx, master, ids[0])
		require.NoError(t, err)
		assert.Equal(t, i, reply.Data)
	}

	assert.Equal(t, []int{0, 1, 2}, executed)
}

func TestRequestAllBlocksOnSynBeforeAck(t *testing.T) {
	broker := stream.NewBroker()
	master := broker.Client()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h1, h2 := shard("gen", 0), shard("gen", 1)
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	stream.RunHandler(ctx, broker.Client(), h1, func(ctx context.Context, req stream.Payload) (any, error) {
		record("h1")
		return "ok1", nil
	})
	stream.RunHandler(ctx, broker.Client(), h2, func(ctx context.Context, req stream.Payload) (any, error) {
		record("h2")
		return "ok2", nil
	})

	p1 := stream.NewRequest(h1, stream.HandleGenerate, "x")
	p2 := stream.NewRequest(h2, stream.HandleGenerate, "y")
	ids, err := stream.RequestAll(ctx, master, []stream.Payload{p1, p2})
	require.NoError(t, err)

	replies, err := stream.AwaitAll(ctx, master, ids)
	require.NoError(t, err)
	assert.Equal(t, "ok1", replies[0].Data)
	assert.Equal(t, "ok2", replies[1].Data)
	mu.Lock()
	assert.Len(t, order, 2)
	mu.Unlock()
}
