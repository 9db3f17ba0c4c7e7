package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/openpsi-project/realmaster/dataowner"
	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/partutil"
	"github.com/openpsi-project/realmaster/rlog"
)

// childBackpressureRetryInterval mirrors master_worker.py's
// `await asyncio.sleep(0.1)` spin while waiting for a slow child RPC to
// catch up.
const childBackpressureRetryInterval = 100 * time.Millisecond

// runRequestCoroutine is one RPC's request coroutine: it repeatedly
// acquires a concurrency slot, waits for its children not to fall behind,
// pulls a batch from the buffer, computes the producer/target partition
// mapping, dispatches the batch to every participating worker, and hands
// the dispatch result to a reply coroutine via ctrl.mailbox. The slot
// acquired here is released by the paired reply coroutine once it has
// collected every response for this batch, not by this coroutine — exactly
// as can_do_rpc.release() happens in model_rpc_reply_func, not in
// model_rpc_request_func, in the original.
func (s *Scheduler) runRequestCoroutine(ctx context.Context, rpc *dfg.ModelRPC) error {
	log := rlog.New("scheduler.request", rpc.Name)
	ctrl := s.controls[rpc.Name]
	topo := s.topos[rpc.ModelName]
	handlers := dfg.ShardsOf(rpc.ModelName, topo)

	consumed := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := ctrl.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		if err := s.awaitChildrenNotBehind(ctx, rpc, &consumed); err != nil {
			ctrl.sem.Release(1)
			return err
		}

		batch, err := s.buf.GetBatchForRPC(ctx, rpc, topo.DataDim)
		if err != nil {
			ctrl.sem.Release(1)
			return err
		}
		consumed += len(batch.SeqLens)

		if rpc.IsSrc {
			s.mu.Lock()
			for _, idx := range batch.Indices {
				s.trainingBufferIndices[idx] = struct{}{}
			}
			s.mu.Unlock()
		}
		s.recordDataAmount(rpc, batch.SeqLens)

		dpSize := topo.DataDim
		minPerDP := 1
		if rpc.BalancedDP {
			if len(batch.SeqLens)%dpSize != 0 {
				ctrl.sem.Release(1)
				return fmt.Errorf("scheduler: %s: balanced_dp batch of %d not divisible by dp_size %d", rpc.Name, len(batch.SeqLens), dpSize)
			}
			minPerDP = len(batch.SeqLens) / dpSize
		}

		seqlens32 := toInt32(batch.SeqLens)
		partitions, err := partutil.MinAbsDiffPartition(seqlens32, dpSize, minPerDP)
		if err != nil {
			ctrl.sem.Release(1)
			return fmt.Errorf("scheduler: %s: partitioning batch: %w", rpc.Name, err)
		}
		targetMapping := make(map[int][]int, len(partitions))
		for dpIdx, rng := range partitions {
			idxs := make([]int, 0, rng[1]-rng[0])
			for i := rng[0]; i < rng[1]; i++ {
				idxs = append(idxs, i)
			}
			targetMapping[dpIdx] = idxs
		}

		for dpIdx, rng := range partitions {
			for i := rng[0]; i < rng[1]; i++ {
				for _, k := range rpc.OutputKeys {
					outKey := k
					if remapped, ok := rpc.OutputKeyRemap[k]; ok {
						outKey = remapped
					}
					if err := s.registry.Set(batch.Indices[i], outKey, dataowner.Owner{ModelName: rpc.ModelName, DPRank: dpIdx}); err != nil {
						ctrl.sem.Release(1)
						return fmt.Errorf("scheduler: %s: recording output owner: %w", rpc.Name, err)
					}
				}
			}
		}

		producerNames, producerMappings, err := BuildProducerMappings(s.registry, rpc, batch.Indices)
		if err != nil {
			ctrl.sem.Release(1)
			return err
		}
		producerHandlers := make(map[dfg.ModelName][]dfg.ModelShardID, len(producerNames))
		for _, name := range producerNames {
			if _, ok := producerHandlers[name]; ok {
				continue
			}
			producerHandlers[name] = dfg.ShardsOf(name, s.topos[name])
		}

		dispatch, err := ScatterTensorToWorkers(ctx, s.client, rpc, s.topos, producerNames, producerHandlers,
			producerMappings, targetMapping, batch.Indices, batch.SeqLens, handlers)
		if err != nil {
			ctrl.sem.Release(1)
			return err
		}

		dpHeads := make([]dfg.ModelShardID, 0, dpSize)
		reqIDs := make([]string, 0, dpSize)
		for _, rank := range topo.DPHeadRanks() {
			h := dfg.ModelShardID{ModelName: rpc.ModelName, ParallelismRank: rank, Topology: topo}
			dpHeads = append(dpHeads, h)
			reqIDs = append(reqIDs, dispatch.mainIDByHandler[h])
		}

		select {
		case ctrl.mailbox <- requestEnvelope{
			reqIDs:      reqIDs,
			otherReqIDs: dispatch.otherIDs,
			dpHeads:     dpHeads,
			bufferIdx:   batch.Indices,
		}:
		case <-ctx.Done():
			ctrl.sem.Release(1)
			return ctx.Err()
		}

		log.Debugf("dispatched batch of %d sequences", len(batch.SeqLens))
	}
}

func toInt32(xs []int) []int32 {
	out := make([]int32, len(xs))
	for i, x := range xs {
		out[i] = int32(x)
	}
	return out
}

// awaitChildrenNotBehind blocks while any child RPC would be over-consumed
// by admitting another batch, mirroring the "ensure parent RPCs will not be
// over-consumed" spin loop in model_rpc_request_func (the comment there is
// backwards relative to the code: the code protects children, not parents).
func (s *Scheduler) awaitChildrenNotBehind(ctx context.Context, rpc *dfg.ModelRPC, consumed *int) error {
	for {
		behind := false
		for _, child := range rpc.Children() {
			childCtrl := s.controls[child.Name]
			if *consumed >= (childCtrl.traversalCount()+1)*child.MaxNSeqs {
				behind = true
				break
			}
		}
		if !behind {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(childBackpressureRetryInterval):
		}
	}
}

func (s *Scheduler) recordDataAmount(rpc *dfg.ModelRPC, seqlens []int) {
	switch rpc.InterfaceType {
	case dfg.GENERATE:
		minNewTokens := 0
		if cfg, ok := rpc.InterfaceImpl.(GenerateConfig); ok {
			minNewTokens = cfg.MinNewTokens
		}
		s.dataAmount.recordGenerate(seqlens, minNewTokens)
	case dfg.INFERENCE:
		s.dataAmount.recordInference(seqlens)
	case dfg.TRAIN_STEP:
		s.dataAmount.recordTrain(seqlens)
	}
}

// GenerateConfig is the minimal shape recordDataAmount reads out of
// rpc.InterfaceImpl for GENERATE rpcs, for throughput accounting; the rest
// of the generation configuration is opaque and forwarded to the worker
// untouched, as rpc.interface_impl is in the original.
type GenerateConfig struct {
	MinNewTokens int
}
