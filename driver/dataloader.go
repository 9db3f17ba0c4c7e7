package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openpsi-project/realmaster/buffer"
	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/stream"
)

// bufferFullRetryInterval mirrors childBackpressureRetryInterval in
// scheduler/request.go: the fixed sleep between PutBatch retries when the
// sequence buffer reports itself full (spec.md §4.2: "size is advisory...
// the implementer may fail put_batch with BufferFull and retry").
const bufferFullRetryInterval = 100 * time.Millisecond

// BatchItem is one record fetched from a data worker, in the shape
// buffer.Buffer.PutBatch expects.
type BatchItem struct {
	Attrs  map[string]buffer.AttrDescriptor
	SeqLen int
}

// DataBatch is the decoded shape of a "fetch" reply's Data (SPEC_FULL.md
// §6: "fetch: data out: DataBatch{epoch:int, data:map}").
type DataBatch struct {
	Epoch int
	Items []BatchItem
}

// DataLoader pulls the next batch of sequences into the buffer, reporting
// whether doing so crossed an epoch boundary. The driver invokes it once
// per step from its step-loop goroutine while the scheduler's RPC
// coroutines keep running on the same stream client; StreamDataLoader
// waits for its reply with stream.AwaitResponse's non-blocking polls.
type DataLoader interface {
	FetchNextBatch(ctx context.Context) (epochChanged bool, err error)
}

// StreamDataLoader is the production DataLoader: it issues a blocking
// "fetch" request/reply round trip to the data worker named by Handler and
// inserts whatever comes back into Buf.
type StreamDataLoader struct {
	Client  stream.Client
	Handler dfg.ModelShardID
	Buf     *buffer.Buffer

	lastEpoch    int
	sawFirstFetch bool
}

// FetchNextBatch implements DataLoader.
func (l *StreamDataLoader) FetchNextBatch(ctx context.Context) (bool, error) {
	req := stream.NewRequest(l.Handler, stream.HandleFetch, nil)
	if _, err := stream.RequestAll(ctx, l.Client, []stream.Payload{req}); err != nil {
		return false, fmt.Errorf("driver: fetch: %w", err)
	}
	reply, err := stream.AwaitResponse(ctx, l.Client, req.ID)
	if err != nil {
		return false, fmt.Errorf("driver: fetch: awaiting reply: %w", err)
	}
	batch, ok := reply.Data.(DataBatch)
	if !ok {
		return false, fmt.Errorf("driver: fetch: unexpected reply payload shape from %v", reply.Handler)
	}

	epochChanged := l.sawFirstFetch && batch.Epoch != l.lastEpoch
	l.lastEpoch = batch.Epoch
	l.sawFirstFetch = true

	if len(batch.Items) == 0 {
		return epochChanged, nil
	}

	items := make([]struct {
		Attrs  map[string]buffer.AttrDescriptor
		SeqLen int
	}, len(batch.Items))
	for i, it := range batch.Items {
		items[i].Attrs = it.Attrs
		items[i].SeqLen = it.SeqLen
	}

	for {
		indices, err := l.Buf.PutBatch(items)
		if err == nil {
			l.Buf.Notify(len(indices))
			return epochChanged, nil
		}
		if !errors.Is(err, buffer.ErrBufferFull) {
			return epochChanged, fmt.Errorf("driver: inserting fetched batch: %w", err)
		}
		select {
		case <-ctx.Done():
			return epochChanged, ctx.Err()
		case <-time.After(bufferFullRetryInterval):
		}
	}
}

// StaticLoader is a DataLoader for tests and single-epoch benchmark runs:
// the buffer is pre-populated by the caller before Run starts, and the
// loader itself never fetches or signals an epoch boundary.
type StaticLoader struct{}

// FetchNextBatch implements DataLoader.
func (l *StaticLoader) FetchNextBatch(ctx context.Context) (bool, error) {
	return false, nil
}
