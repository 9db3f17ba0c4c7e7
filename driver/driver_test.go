package driver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsi-project/realmaster/buffer"
	"github.com/openpsi-project/realmaster/dataowner"
	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/driver"
	"github.com/openpsi-project/realmaster/driver/timeutil"
	"github.com/openpsi-project/realmaster/scheduler"
	"github.com/openpsi-project/realmaster/stream"
)

func singleShardTopo() dfg.Topology { return dfg.Topology{PipeDim: 1, ModelDim: 1, DataDim: 1} }

// singleRPCGraph mirrors SPEC_FULL.md §8 scenario 1: a lone train RPC that
// is both the graph's source and its only terminal.
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

func putRecords(t *testing.T, b *buffer.Buffer, n int) {
	t.Helper()
	items := make([]struct {
		Attrs  map[string]buffer.AttrDescriptor
		SeqLen int
	}, n)
	for i := range items {
		items[i].Attrs = map[string]buffer.AttrDescriptor{}
		items[i].SeqLen = 128
	}
	_, err := b.PutBatch(items)
	require.NoError(t, err)
}

// TestSingleRPCTrainingOneStep runs SPEC_FULL.md §8 scenario 1 end to end:
// 16 records of length 128, min_n_seqs=max_n_seqs=16, max_concurrent_calls=1.
// One step must consume all 16 records, reach global step 1, and broadcast
// clear_data_cache with exactly those 16 indices.
func TestSingleRPCTrainingOneStep(t *testing.T) {
	graph := singleRPCGraph(t)
	buf := buffer.New(graph, 0)
	putRecords(t, buf, 16)
	registry := dataowner.New()

	actorName := dfg.ModelName{Role: "actor"}
	topos := scheduler.ModelTopos{actorName: singleShardTopo()}

	broker := stream.NewBroker()
	master := broker.Client()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var clearedIndices []int
	clearSeen := make(chan struct{}, 1)

	handler := dfg.ModelShardID{ModelName: actorName, ParallelismRank: 0, Topology: singleShardTopo()}
	stream.RunHandler(ctx, broker.Client(), handler, func(ctx context.Context, req stream.Payload) (any, error) {
		switch req.HandleName {
		case stream.HandleClearDataCache:
			clearedIndices = req.Data.([]int)
			select {
			case clearSeen <- struct{}{}:
			default:
			}
			return nil, nil
		case stream.HandleInitialize:
			return nil, nil
		default:
			return nil, nil
		}
	})

	sched := scheduler.New(graph, buf, registry, master, topos)
	d := driver.New(driver.Config{
		Graph: graph, Buffer: buf, Registry: registry, Client: master,
		Scheduler: sched, Topologies: topos, Loader: &driver.StaticLoader{},
		FinetuneSpec:   driver.FinetuneSpec{TotalTrainEpochs: 1000},
		SaveFreq:       *timeutil.New(0, 0, 0),
		EvalFreq:       *timeutil.New(0, 0, 0),
		BenchmarkSteps: 1,
	})

	err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, driver.Completed, d.State())
	assert.Len(t, d.Stats.StepDurations, 1)

	select {
	case <-clearSeen:
	case <-time.After(time.Second):
		t.Fatal("clear_data_cache was never observed")
	}
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, clearedIndices)
}

func TestFreqCtlFiresOnFirstCheckThenByStepInterval(t *testing.T) {
	ctl := timeutil.New(0, 2, 0)
	now := time.Now()
	assert.True(t, ctl.Check(1, 1, now))
	assert.False(t, ctl.Check(1, 2, now))
	assert.True(t, ctl.Check(1, 3, now))
}
