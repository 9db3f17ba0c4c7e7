// Package scheduler drives the DFG: one request coroutine and one or more
// reply coroutines per ModelRPC, coordinating through golang.org/x/sync's
// semaphore.Weighted (bounding MaxConcurrentCalls) and errgroup.Group
// (supervising the whole coroutine fleet), exactly as components/worker.go
// supervises its partial-compute goroutines with errgroup in the teacher.
//
// Grounded on reallm/system/master_worker.py's model_rpc_request_func /
// model_rpc_reply_func / _attach_payloads_with_hooks / scatter_tensor_to_mws.
package scheduler

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/openpsi-project/realmaster/dfg"
)

// InterfaceDataAmount accumulates per-step throughput statistics across
// every RPC coroutine, for telemetry reporting (SPEC_FULL.md §4.3 /
// Design Note 5). Grounded on InterfaceDataAmount in master_worker.py.
type InterfaceDataAmount struct {
	mu sync.Mutex

	TrainBatchSizes []int
	TrainSeqlens    [][]int

	InfBatchSizes []int
	InfSeqlens    [][]int

	GenBatchSizes []int
	PromptLens    [][]int
	GenLen        []int
}

func (d *InterfaceDataAmount) recordTrain(seqlens []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.TrainBatchSizes = append(d.TrainBatchSizes, len(seqlens))
	d.TrainSeqlens = append(d.TrainSeqlens, append([]int(nil), seqlens...))
}

func (d *InterfaceDataAmount) recordInference(seqlens []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InfBatchSizes = append(d.InfBatchSizes, len(seqlens))
	d.InfSeqlens = append(d.InfSeqlens, append([]int(nil), seqlens...))
}

func (d *InterfaceDataAmount) recordGenerate(seqlens []int, minNewTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.GenBatchSizes = append(d.GenBatchSizes, len(seqlens))
	d.PromptLens = append(d.PromptLens, append([]int(nil), seqlens...))
	d.GenLen = append(d.GenLen, minNewTokens)
}

// InterfaceDataAmountSnapshot is a point-in-time, lock-free copy of
// InterfaceDataAmount's counters, safe to hand to telemetry.RecordStepStats
// without holding the accumulator's mutex across the call.
type InterfaceDataAmountSnapshot struct {
	TrainBatchSizes []int
	TrainSeqlens    [][]int
	InfBatchSizes   []int
	InfSeqlens      [][]int
	GenBatchSizes   []int
	PromptLens      [][]int
	GenLen          []int
}

// Snapshot copies the current counters out.
func (d *InterfaceDataAmount) Snapshot() InterfaceDataAmountSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return InterfaceDataAmountSnapshot{
		TrainBatchSizes: append([]int(nil), d.TrainBatchSizes...),
		TrainSeqlens:    append([][]int(nil), d.TrainSeqlens...),
		InfBatchSizes:   append([]int(nil), d.InfBatchSizes...),
		InfSeqlens:      append([][]int(nil), d.InfSeqlens...),
		GenBatchSizes:   append([]int(nil), d.GenBatchSizes...),
		PromptLens:      append([][]int(nil), d.PromptLens...),
		GenLen:          append([]int(nil), d.GenLen...),
	}
}

// Clear resets all per-step counters; called at epoch/step boundaries by
// the driver after flushing to telemetry.
func (d *InterfaceDataAmount) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.TrainBatchSizes, d.TrainSeqlens = nil, nil
	d.InfBatchSizes, d.InfSeqlens = nil, nil
	d.GenBatchSizes, d.PromptLens, d.GenLen = nil, nil, nil
}

// requestEnvelope is what a request coroutine hands off to its paired reply
// coroutine once it has posted a batch: the request ids it must await, the
// side-participant ids that only carry hook payloads, and the dp-head
// handler order to extract from responses. Grounded on the
// (req_ids, other_req_ids, tik) tuple model_rpc_request_func pushes onto
// its request_queue in the original.
type requestEnvelope struct {
	reqIDs      []string
	otherReqIDs []string
	dpHeads     []dfg.ModelShardID
	bufferIdx   []int
}

// rpcControl holds the per-RPC shared state a request/reply coroutine pair
// needs: the concurrency semaphore, a traversal counter (for child
// back-pressure), and the mailbox connecting request to reply. Grounded on
// RPCCorountineControl's per-coroutine fields in master_worker.py.
type rpcControl struct {
	mailbox chan requestEnvelope
	sem     *semaphore.Weighted

	mu        sync.Mutex
	traversal int
}

func (c *rpcControl) traversalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traversal
}

func (c *rpcControl) incrementTraversal() {
	c.mu.Lock()
	c.traversal++
	c.mu.Unlock()
}
