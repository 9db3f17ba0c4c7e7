package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/openpsi-project/realmaster/buffer"
	"github.com/openpsi-project/realmaster/dataowner"
	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/stream"
)

// Scheduler wires one request coroutine and MaxConcurrentCalls reply
// coroutines per ModelRPC in a Graph, supervised by a single
// errgroup.Group, generalizing
// components/coordinator.go's single partitionAccumulate goroutine (one
// compute request) to an arbitrary DFG of many concurrently traversing
// RPCs sharing a sequence buffer and data-owner registry.
type Scheduler struct {
	graph    *dfg.Graph
	buf      *buffer.Buffer
	registry *dataowner.Registry
	client   stream.Client
	topos    ModelTopos

	controls   map[string]*rpcControl
	dataAmount *InterfaceDataAmount

	mu                     sync.Mutex
	trainingBufferIndices  map[int]struct{}
	trainCount             chan struct{}
}

// New builds a Scheduler for the given graph, with one rpcControl (and its
// concurrency semaphore/mailbox) per RPC.
func New(graph *dfg.Graph, buf *buffer.Buffer, registry *dataowner.Registry, client stream.Client, topos ModelTopos) *Scheduler {
	s := &Scheduler{
		graph:                 graph,
		buf:                   buf,
		registry:              registry,
		client:                client,
		topos:                 topos,
		controls:              make(map[string]*rpcControl),
		dataAmount:            &InterfaceDataAmount{},
		trainingBufferIndices: make(map[int]struct{}),
		trainCount:            make(chan struct{}, 1),
	}
	for _, rpc := range graph.All() {
		s.controls[rpc.Name] = &rpcControl{
			mailbox: make(chan requestEnvelope, rpc.MaxConcurrentCalls),
			sem:     semaphore.NewWeighted(int64(rpc.MaxConcurrentCalls)),
		}
	}
	return s
}

// DataAmount returns the shared per-step throughput accumulator.
func (s *Scheduler) DataAmount() *InterfaceDataAmount { return s.dataAmount }

// TrainCount is signalled once per completed traversal of a destination
// (rpc.IsDst) RPC; the driver reads from it to detect step completion.
func (s *Scheduler) TrainCount() <-chan struct{} { return s.trainCount }

// TrainingBufferIndices returns a snapshot of every buffer index the
// graph's source RPC has admitted into the current step, used by the
// driver's clear_data_cache broadcast.
func (s *Scheduler) TrainingBufferIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.trainingBufferIndices))
	for idx := range s.trainingBufferIndices {
		out = append(out, idx)
	}
	return out
}

// ClearTrainingBufferIndices empties the admitted-index set, called by the
// driver once it has broadcast clear_data_cache for the current step.
func (s *Scheduler) ClearTrainingBufferIndices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainingBufferIndices = make(map[int]struct{})
}

// Run starts every RPC's request coroutine and its MaxConcurrentCalls reply
// coroutines (all draining the RPC's one mailbox) under one
// errgroup.Group bound to ctx, and blocks until the group returns — either
// because ctx was cancelled or because one coroutine failed, in which case
// every other coroutine is cancelled too. This mirrors the teacher's use of
// errgroup-style fail-fast supervision generalized from one compute
// request to the whole DFG traversal.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, rpc := range s.graph.All() {
		rpc := rpc
		g.Go(func() error { return s.runRequestCoroutine(ctx, rpc) })
		for i := 0; i < rpc.MaxConcurrentCalls; i++ {
			g.Go(func() error { return s.runReplyCoroutine(ctx, rpc) })
		}
	}
	return g.Wait()
}
