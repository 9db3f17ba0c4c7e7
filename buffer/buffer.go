// Package buffer implements the asynchronous sequence buffer (SPEC_FULL.md
// §4.2): the rendezvous point between data producers (the data-loading
// coroutine) and data consumers (RPC request coroutines).
//
// The teacher's components/tracker.go guards a small set of ids behind a
// sync.RWMutex; the sequence buffer generalizes that shape to a much larger,
// continuously-amended record set, adding a sync.Cond so that a bulk insert
// can wake every waiter that just became satisfiable in one broadcast,
// exactly as SPEC_FULL.md §4.2 calls for.
package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/openpsi-project/realmaster/dfg"
)

// AttrDescriptor is an opaque tensor descriptor: the core only ever reads
// shape/length metadata from it (SPEC_FULL.md §3, Design Note 1).
type AttrDescriptor struct {
	DType string
	Shape []int
	Handle []byte
}

// Record is one sequence record: a buffer index, its growing attribute map,
// its packed length, and the set of RPCs that still owe it an attribute.
type Record struct {
	BufferIndex int
	Attributes  map[string]AttrDescriptor
	SeqLen      int
	PendingRPCs map[string]struct{}
}

func (r *Record) readyFor(rpc *dfg.ModelRPC) bool {
	if _, pending := r.PendingRPCs[rpc.Name]; !pending {
		return false
	}
	for _, k := range rpc.InputKeys {
		if _, ok := r.Attributes[k]; !ok {
			return false
		}
	}
	return true
}

// NewRecord is a constructor for inbound records, as produced by the data
// loader: it stamps every RPC in the graph, including the source RPC
// itself, as pending for this record. The source RPC carries no input
// keys, so readyFor trivially passes its attribute check — but it still
// needs its own PendingRPCs entry, exactly like every other RPC, so that
// GetBatchForRPC's `delete(rec.PendingRPCs, rpc.Name)` can mark "already
// consumed by this RPC" and stop the same record being handed to it twice.
func NewRecord(bufferIndex int, attrs map[string]AttrDescriptor, seqLen int, graph *dfg.Graph) *Record {
	r := &Record{
		BufferIndex: bufferIndex,
		Attributes:  attrs,
		SeqLen:      seqLen,
		PendingRPCs: make(map[string]struct{}),
	}
	for _, rpc := range graph.All() {
		r.PendingRPCs[rpc.Name] = struct{}{}
	}
	return r
}

// ErrBufferFull is returned by PutBatch when the buffer is at capacity; the
// caller is expected to retry (spec.md §4.2: "size is advisory").
var ErrBufferFull = fmt.Errorf("buffer: full")

// ErrUnknownIndex is returned by AmendBatch/DropIndices for an index the
// buffer does not hold; this is a fatal buffer-invariant violation per
// spec.md §7.
var ErrUnknownIndex = fmt.Errorf("buffer: unknown buffer index")

// Batch is the result of GetBatchForRPC: the buffer indices chosen and
// their packed lengths, in the same order.
type Batch struct {
	Indices []int
	SeqLens []int
}

// Buffer is the async sequence buffer. All methods are safe for concurrent
// use.
type Buffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	maxSize int
	nextIdx int
	records map[int]*Record
	graph   *dfg.Graph
	nWaiters int // informational: count of currently blocked GetBatchForRPC calls
}

// New creates an empty Buffer bound to the given DFG (used to compute
// PendingRPCs for newly inserted records) with the given advisory capacity.
func New(graph *dfg.Graph, maxSize int) *Buffer {
	b := &Buffer{
		maxSize: maxSize,
		records: make(map[int]*Record),
		graph:   graph,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// PutBatch atomically inserts records built from the given (attrs, seqlen)
// pairs, assigning them fresh, monotonically increasing buffer indices, and
// returns those indices in insertion order. Fails with ErrBufferFull if
// inserting would exceed maxSize (maxSize <= 0 means unbounded).
func (b *Buffer) PutBatch(items []struct {
	Attrs  map[string]AttrDescriptor
	SeqLen int
}) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxSize > 0 && len(b.records)+len(items) > b.maxSize {
		return nil, ErrBufferFull
	}

	indices := make([]int, len(items))
	for i, item := range items {
		idx := b.nextIdx
		b.nextIdx++
		rec := NewRecord(idx, item.Attrs, item.SeqLen, b.graph)
		b.records[idx] = rec
		indices[i] = idx
	}
	b.cond.Broadcast()
	return indices, nil
}

// GetBatchForRPC blocks until at least rpc.MinNSeqs ready records exist,
// then returns up to rpc.MaxNSeqs of them (FIFO by buffer index, lowest
// index first), removing "rpc is pending" from each chosen record. If
// rpc.BalancedDP is set the returned count is rounded down to a multiple of
// dpSize. This is a suspension point (spec.md §5): it returns ctx.Err()
// as soon as ctx is cancelled, even while parked in cond.Wait, exactly as
// stream/inmemclient.go's Poll does for its own blocking wait.
func (b *Buffer) GetBatchForRPC(ctx context.Context, rpc *dfg.ModelRPC, dpSize int) (Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nWaiters++
	defer func() { b.nWaiters-- }()

	for {
		ready := b.readyIndicesLocked(rpc)
		if len(ready) >= rpc.MinNSeqs {
			n := len(ready)
			if n > rpc.MaxNSeqs {
				n = rpc.MaxNSeqs
			}
			if rpc.BalancedDP && dpSize > 0 {
				n -= n % dpSize
			}
			if n > 0 {
				chosen := ready[:n]
				seqlens := make([]int, n)
				for i, idx := range chosen {
					rec := b.records[idx]
					delete(rec.PendingRPCs, rpc.Name)
					seqlens[i] = rec.SeqLen
				}
				return Batch{Indices: chosen, SeqLens: seqlens}, nil
			}
		}
		if ctx.Err() != nil {
			return Batch{}, ctx.Err()
		}

		woken := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				b.cond.Broadcast()
				b.mu.Unlock()
			case <-woken:
			}
		}()
		b.cond.Wait()
		close(woken)
		if ctx.Err() != nil {
			return Batch{}, ctx.Err()
		}
	}
}

// readyIndicesLocked returns every buffer index ready for rpc, sorted
// ascending (FIFO tie-break per spec.md §4.2). Caller must hold b.mu.
func (b *Buffer) readyIndicesLocked(rpc *dfg.ModelRPC) []int {
	var ready []int
	for idx, rec := range b.records {
		if rec.readyFor(rpc) {
			ready = append(ready, idx)
		}
	}
	// Simple insertion sort is fine: buffers are bounded by maxSize, which
	// in practice is small (thousands), and this runs on every suspension.
	for i := 1; i < len(ready); i++ {
		v := ready[i]
		j := i - 1
		for j >= 0 && ready[j] > v {
			ready[j+1] = ready[j]
			j--
		}
		ready[j+1] = v
	}
	return ready
}

// AmendBatch adds the given keyed attributes to each listed index's
// attribute map. keysAndSeqLen pairs a produced key set with the seqlen
// reported by the worker for that record (the worker may grow a sequence,
// e.g. a generate RPC appending generated tokens).
func (b *Buffer) AmendBatch(indices []int, keysAndSeqLen []struct {
	Keys   []string
	SeqLen int
}, descriptorsByKey func(key string, recordPos int) AttrDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(indices) != len(keysAndSeqLen) {
		return fmt.Errorf("buffer: AmendBatch: %d indices but %d amendments", len(indices), len(keysAndSeqLen))
	}

	for i, idx := range indices {
		rec, ok := b.records[idx]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownIndex, idx)
		}
		amend := keysAndSeqLen[i]
		rec.SeqLen = amend.SeqLen
		for _, k := range amend.Keys {
			rec.Attributes[k] = descriptorsByKey(k, i)
		}
	}
	b.cond.Broadcast()
	return nil
}

// DropIndices removes the given buffer indices permanently. Buffer indices
// are never reused within a run (spec.md GLOSSARY "Buffer index").
func (b *Buffer) DropIndices(indices []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, idx := range indices {
		if _, ok := b.records[idx]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownIndex, idx)
		}
		delete(b.records, idx)
	}
	return nil
}

// Notify wakes up to n waiting GetBatchForRPC calls without any state
// change, used by the data-loading coroutine after a bulk PutBatch to make
// sure every RPC's waiter re-checks readiness even when Go's Cond.Broadcast
// from PutBatch itself raced a waiter registering after the insert.
func (b *Buffer) Notify(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.cond.Signal()
	}
}

// Len returns the current number of live records, for tests and metrics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Waiters returns the number of goroutines currently blocked in
// GetBatchForRPC, for tests and metrics.
func (b *Buffer) Waiters() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nWaiters
}
