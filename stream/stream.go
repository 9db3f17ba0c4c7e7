// Package stream defines the reliable, named-handler request/reply channel
// contract every model/data worker is addressed through (SPEC_FULL.md
// §4.1), including the three-phase handshake (SYN reply -> ACK -> final
// reply) that guarantees collective requests land in the same order on
// every worker they address.
//
// The contract is deliberately small: SPEC_FULL.md treats the concrete RPC
// transport as an external collaborator. Two implementations live in this
// module: inmemclient (an in-process reference broker used by the stream,
// scheduler and driver tests) and ddaclient (a production implementation
// riding on github.com/coatyio/dda's Action/Event pub-sub, generalizing
// components/coordinator.go's announce/track machinery from a fixed
// protocol to the generic handler/handle_name protocol below).
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpsi-project/realmaster/dfg"
)

// HandleName enumerates every worker RPC handle named in SPEC_FULL.md §6.
type HandleName string

const (
	HandleSpec            HandleName = "spec"
	HandleModelConfig     HandleName = "model_config"
	HandleInitialize      HandleName = "initialize"
	HandleFetch           HandleName = "fetch"
	HandleStore           HandleName = "store"
	HandleGenerate        HandleName = "generate"
	HandleInference       HandleName = "inference"
	HandleTrainStep       HandleName = "train_step"
	HandleEvaluate        HandleName = "evaluate"
	HandleSave            HandleName = "save"
	HandleEmpty           HandleName = "empty"
	HandleAck             HandleName = "ack"
	HandleClearDataCache  HandleName = "clear_data_cache"
)

// HookID enumerates the hook ids carried on a Payload (SPEC_FULL.md §6
// "Hook ids (data format)").
type HookID string

const (
	HookParamRealloc HookID = "param_realloc"
	HookOffload      HookID = "offload"
	HookDataTransfer HookID = "data_transfer"
)

// Payload is one posted request or reply. Every posted payload implicitly
// carries SynReplyID and AckReplyID: the worker replies on SynReplyID as
// soon as it has enqueued the request locally, the master posts back on
// AckReplyID, and only then does the worker execute and reply on ID
// (SPEC_FULL.md §4.1).
type Payload struct {
	ID         string
	SynReplyID string
	AckReplyID string

	Handler    dfg.ModelShardID
	HandleName HandleName
	Data       any

	PreHooks      []HookID
	PreHookData   []any
	PostHooks     []HookID
	PostHookData  []any
}

// NewRequest builds a Payload addressed to handler with fresh ID/SynReplyID/
// AckReplyID.
func NewRequest(handler dfg.ModelShardID, handleName HandleName, data any) Payload {
	return Payload{
		ID:         uuid.NewString(),
		SynReplyID: uuid.NewString(),
		AckReplyID: uuid.NewString(),
		Handler:    handler,
		HandleName: handleName,
		Data:       data,
	}
}

// AddPreHook appends a pre-hook and its data to the payload.
func (p *Payload) AddPreHook(id HookID, data any) {
	p.PreHooks = append(p.PreHooks, id)
	p.PreHookData = append(p.PreHookData, data)
}

// AddPostHook appends a post-hook and its data to the payload.
func (p *Payload) AddPostHook(id HookID, data any) {
	p.PostHooks = append(p.PostHooks, id)
	p.PostHookData = append(p.PostHookData, data)
}

// ErrNoMessage is returned by Poll when block is false and no matching
// reply is currently available.
var ErrNoMessage = errors.New("stream: no message")

// Client is the reliable request/reply channel to the worker fleet.
type Client interface {
	// Post enqueues payload addressed to payload.Handler and returns its
	// request id (normally payload.ID, echoed back for convenience).
	Post(payload Payload) (requestID string, err error)

	// Poll returns the next reply whose id satisfies match. If block is
	// false and nothing matches yet, it returns ErrNoMessage immediately.
	Poll(ctx context.Context, match func(id string) bool, block bool) (Payload, error)
}

// ExactID returns a match predicate for Poll matching exactly one id.
func ExactID(id string) func(string) bool {
	return func(candidate string) bool { return candidate == id }
}

// ExactIDs returns a match predicate for Poll matching any of the given ids.
func ExactIDs(ids []string) func(string) bool {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(candidate string) bool {
		_, ok := set[candidate]
		return ok
	}
}

// pollInterval is the fixed sleep between non-blocking poll attempts in
// AwaitResponse, per SPEC_FULL.md §5 ("_awaitable_response... polls-then-
// sleeps a small fixed interval").
var pollInterval = 10 * time.Millisecond

// AwaitResponse is a suspension point: it polls non-blockingly for a reply
// matching id, sleeping pollInterval between attempts, until ctx is done or
// a reply arrives. This is the Go equivalent of the original's
// _awaitable_response coroutine.
func AwaitResponse(ctx context.Context, c Client, id string) (Payload, error) {
	for {
		p, err := c.Poll(ctx, ExactID(id), false)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNoMessage) {
			return Payload{}, err
		}
		select {
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// AwaitAll awaits a reply for every id in ids, in any completion order, and
// returns them indexed by ids' order.
func AwaitAll(ctx context.Context, c Client, ids []string) ([]Payload, error) {
	out := make([]Payload, len(ids))
	errCh := make(chan error, len(ids))
	for i, id := range ids {
		i, id := i, id
		go func() {
			p, err := AwaitResponse(ctx, c, id)
			if err != nil {
				errCh <- err
				return
			}
			out[i] = p
			errCh <- nil
		}()
	}
	var firstErr error
	for range ids {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// RequestAll posts every payload, then runs the three-phase handshake: it
// blocks for every SYN reply (guaranteeing every addressed worker has
// locally enqueued its request before any of them is allowed to proceed),
// then posts the ACK for each, unblocking execution in the exact order the
// payloads were posted. This is the Go equivalent of request_all() in the
// original master_worker.py, generalized from "same handle_type for every
// handler" to arbitrary per-payload handle names (needed once hooks attach
// differing handle names such as "empty" to side-participant workers).
func RequestAll(ctx context.Context, c Client, payloads []Payload) ([]string, error) {
	ids := make([]string, len(payloads))
	synIDs := make([]string, len(payloads))
	for i, p := range payloads {
		if _, err := c.Post(p); err != nil {
			return nil, fmt.Errorf("stream: RequestAll: post %s to %s: %w", p.HandleName, p.Handler, err)
		}
		ids[i] = p.ID
		synIDs[i] = p.SynReplyID
	}

	if _, err := AwaitAll(ctx, c, synIDs); err != nil {
		return nil, fmt.Errorf("stream: RequestAll: awaiting SYN replies: %w", err)
	}

	for _, p := range payloads {
		ack := Payload{ID: p.AckReplyID, Handler: p.Handler, HandleName: HandleAck}
		if _, err := c.Post(ack); err != nil {
			return nil, fmt.Errorf("stream: RequestAll: posting ACK to %s: %w", p.Handler, err)
		}
	}

	return ids, nil
}
