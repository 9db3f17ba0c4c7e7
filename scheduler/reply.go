package scheduler

import (
	"context"
	"fmt"

	"github.com/openpsi-project/realmaster/buffer"
	"github.com/openpsi-project/realmaster/databroker"
	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/rlog"
	"github.com/openpsi-project/realmaster/stream"
)

// runReplyCoroutine pulls dispatched-batch envelopes off ctrl.mailbox, waits
// for every side-participant's empty-handle reply (hook execution only,
// carrying no data), then every dp-head's real reply; releases the
// concurrency slot the paired request coroutine acquired for this batch
// and bumps the traversal counter; and then, for a terminal RPC, signals
// step completion, or otherwise gathers the dp-head packed results back
// into one sample and amends the buffer.
// Grounded 1:1 on model_rpc_reply_func.
func (s *Scheduler) runReplyCoroutine(ctx context.Context, rpc *dfg.ModelRPC) error {
	log := rlog.New("scheduler.reply", rpc.Name)
	ctrl := s.controls[rpc.Name]

	for {
		var env requestEnvelope
		select {
		case env = <-ctrl.mailbox:
		case <-ctx.Done():
			return ctx.Err()
		}

		if _, err := stream.AwaitAll(ctx, s.client, env.otherReqIDs); err != nil {
			ctrl.sem.Release(1)
			return fmt.Errorf("scheduler: %s: awaiting side-participant replies: %w", rpc.Name, err)
		}

		responses, err := stream.AwaitAll(ctx, s.client, env.reqIDs)
		if err != nil {
			ctrl.sem.Release(1)
			return fmt.Errorf("scheduler: %s: awaiting dp-head replies: %w", rpc.Name, err)
		}

		ctrl.sem.Release(1)
		ctrl.incrementTraversal()

		if rpc.IsDst {
			select {
			case s.trainCount <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			log.Debugf("terminal RPC completed one traversal")
			continue
		}

		if err := s.amendFromResponses(rpc, env, responses); err != nil {
			return fmt.Errorf("scheduler: %s: amending buffer: %w", rpc.Name, err)
		}
		log.Debugf("amended buffer for %d sequences", len(env.bufferIdx))
	}
}

// replyResult is the shape a worker's reply.Data is expected to unmarshal
// into for a non-terminal RPC: either a descriptor-carrying sample (keys
// produced, per-record seqlen, and opaque attribute handles) grouped by
// dp rank in dp-head order, matching dataparallel.PackedParallelDataBroker.
// gather_from's input shape in the original.
type replyResult struct {
	Keys      []string
	Seqlens   []int
	Attrs     map[string][][]byte
	BufferIdx []int
}

func (s *Scheduler) amendFromResponses(rpc *dfg.ModelRPC, env requestEnvelope, responses []stream.Payload) error {
	var samples []databroker.Sample
	var keys []string
	var bufferIdx []int
	for _, r := range responses {
		rr, ok := r.Data.(replyResult)
		if !ok {
			return fmt.Errorf("unexpected reply payload shape from %v", r.Handler)
		}
		if keys == nil {
			keys = rr.Keys
		}
		bufferIdx = append(bufferIdx, rr.BufferIdx...)

		recs := make([][]byte, len(rr.Seqlens))
		samples = append(samples, databroker.NewSample(rr.Seqlens, recs))
	}
	gathered := databroker.GatherFrom(samples)

	amendments := make([]struct {
		Keys   []string
		SeqLen int
	}, gathered.NRecords())
	for i := range amendments {
		amendments[i].Keys = keys
		amendments[i].SeqLen = gathered.InputLens[i]
	}

	return s.buf.AmendBatch(bufferIdx, amendments, func(key string, recordPos int) buffer.AttrDescriptor {
		return buffer.AttrDescriptor{Handle: gathered.Records[recordPos]}
	})
}
