package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/openpsi-project/realmaster/dfg"
)

// Broker is an in-process reference implementation of the request/reply
// channel: every Payload posted to it is appended to a single shared log,
// and every Client obtained from it (via Broker.Client) polls that same log
// filtering on match predicates. It exists for unit tests and for running
// the whole master/worker protocol single-process (SPEC_FULL.md's
// "reference in-memory stream implementation").
//
// Grounded on components/common.go's role/id conventions and the teacher's
// channel-backed mailbox pattern in components/worker.go, generalized from
// one fixed pi/fac/wf protocol to the arbitrary handler/handle_name
// addressing stream.Payload carries.
type Broker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	log     []Payload
	readPos map[*inmemClient]int
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	b := &Broker{readPos: make(map[*inmemClient]int)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

type inmemClient struct {
	b *Broker
}

// Client returns a new handle onto the broker. Every handle sees every
// payload ever posted to the broker, starting from the moment the handle
// was created; callers that only care about replies addressed to them
// should filter with a match predicate, as Poll requires.
func (b *Broker) Client() Client {
	c := &inmemClient{b: b}
	b.mu.Lock()
	b.readPos[c] = len(b.log)
	b.mu.Unlock()
	return c
}

func (c *inmemClient) Post(p Payload) (string, error) {
	b := c.b
	b.mu.Lock()
	b.log = append(b.log, p)
	b.cond.Broadcast()
	b.mu.Unlock()
	return p.ID, nil
}

func (c *inmemClient) Poll(ctx context.Context, match func(string) bool, block bool) (Payload, error) {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		pos := b.readPos[c]
		for i := pos; i < len(b.log); i++ {
			if match(b.log[i].ID) {
				b.readPos[c] = i + 1
				return b.log[i], nil
			}
		}
		if !block {
			return Payload{}, ErrNoMessage
		}
		if ctx.Err() != nil {
			return Payload{}, ctx.Err()
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
			return Payload{}, ctx.Err()
		}
	}
}

// HandlerFunc is a fake worker's request handler: given the request
// payload, it returns the data to reply with. Registered handlers run the
// full three-phase handshake (SYN, wait for ACK, execute, reply) so tests
// exercising scheduler/driver code observe the same ordering guarantees a
// real worker provides.
type HandlerFunc func(ctx context.Context, req Payload) (any, error)

// RunHandler starts a goroutine that services every request addressed to
// handler on c, until ctx is cancelled. It is the in-memory stand-in for a
// real worker process's handle loop.
func RunHandler(ctx context.Context, c Client, handler dfg.ModelShardID, fn HandlerFunc) {
	// The broker is a flat shared log: this handler's own SYN and final
	// reply posts carry the same Handler field as incoming requests (the
	// broker has no sender/receiver distinction), so the loop must not
	// mistake its own replies for new work. dispatched tracks every id this
	// handler has already started serving, under both its request id and
	// its SYN-reply id, so either echo is recognized and skipped.
	dispatched := make(map[string]struct{})
	go func() {
		for {
			req, err := c.Poll(ctx, func(id string) bool { return true }, true)
			if err != nil {
				return
			}
			if req.Handler != handler || req.HandleName == HandleAck {
				continue
			}
			if _, ok := dispatched[req.ID]; ok {
				continue
			}
			dispatched[req.ID] = struct{}{}
			dispatched[req.SynReplyID] = struct{}{}
			go serveOne(ctx, c, req, fn)
		}
	}()
}

func serveOne(ctx context.Context, c Client, req Payload, fn HandlerFunc) {
	if _, err := c.Post(Payload{ID: req.SynReplyID, Handler: req.Handler}); err != nil {
		return
	}
	if _, err := AwaitResponse(ctx, c, req.AckReplyID); err != nil {
		return
	}
	data, err := fn(ctx, req)
	if err != nil {
		data = fmt.Errorf("stream: handler error: %w", err)
	}
	_, _ = c.Post(Payload{ID: req.ID, Handler: req.Handler, HandleName: req.HandleName, Data: data})
}
