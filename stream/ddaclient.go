package stream

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	stubs "github.com/coatyio/dda/apis/grpc/stubs/golang"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/openpsi-project/realmaster/dfg"
	"github.com/openpsi-project/realmaster/rlog"
)

// ActionTypeDispatch is the DDA action type every Payload is published
// under; the handler identity and handle name travel inside the action's
// Id/Context rather than as distinct DDA action types, so a single
// subscription receives the entire protocol. This generalizes the
// teacher's one-action-type-per-RPC convention (ActionTypeCompute in
// components/common.go) to SPEC_FULL.md's open-ended handle_name set.
const ActionTypeDispatch = "com.openpsi.realmaster.dispatch"

// DDAClient implements Client over a github.com/coatyio/dda sidecar's gRPC
// communication service, adapted from components/coordinator.go's
// openGrpcClient/performPartialComputation: every Post publishes a DDA
// Action of type ActionTypeDispatch, and every incoming payload, replies
// included, arrives as an Action of that type through SubscribeAction; the
// ActionResults published in response are empty acknowledgements and carry
// no reply data. The SYN/ACK/reply trio this module adds on top
// of a plain request/response is carried as three independent Posts
// sharing the same dispatch channel, distinguished by the ids embedded in
// the wire-encoded envelope.
type DDAClient struct {
	id     string
	client stubs.ComServiceClient
	closer func()

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []Payload
}

type wireEnvelope struct {
	ID         string
	SynReplyID string
	AckReplyID string
	Handler    dfg.ModelShardID
	HandleName HandleName
	Data       any
	PreHooks   []HookID
	PostHooks  []HookID
}

// DialDDAClient connects to the co-located DDA sidecar at address and
// starts the background subscription that feeds Poll's backlog. Grounded
// on components/coordinator.go's openGrpcClient and trackCoordinators.
func DialDDAClient(ctx context.Context, address string, componentID string) (*DDAClient, error) {
	log := rlog.New("stream.ddaclient", componentID)

	var opts []grpc.DialOption
	opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	log.Infof("connecting to DDA sidecar at %s", address)
	conn, err := grpc.Dial(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("stream: dial DDA sidecar %s: %w", address, err)
	}

	c := &DDAClient{
		id:     componentID,
		client: stubs.NewComServiceClient(conn),
		closer: func() { _ = conn.Close() },
	}
	c.cond = sync.NewCond(&c.mu)

	if err := c.subscribe(ctx, log); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying gRPC connection.
func (c *DDAClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *DDAClient) subscribe(ctx context.Context, log *rlog.Component) error {
	stream, err := c.client.SubscribeAction(ctx, &stubs.SubscriptionFilter{Type: ActionTypeDispatch})
	if err != nil {
		return fmt.Errorf("stream: subscribe dispatch actions: %w", err)
	}

	go func() {
		for {
			ac, err := stream.Recv()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					log.Errorf("dispatch subscription ended: %v", err)
				}
				return
			}
			var env wireEnvelope
			if err := gob.NewDecoder(bytes.NewReader(ac.Action.Params)).Decode(&env); err != nil {
				log.Errorf("decoding dispatch envelope: %v", err)
				continue
			}
			c.mu.Lock()
			c.backlog = append(c.backlog, Payload{
				ID: env.ID, SynReplyID: env.SynReplyID, AckReplyID: env.AckReplyID,
				Handler: env.Handler, HandleName: env.HandleName, Data: env.Data,
			})
			c.cond.Broadcast()
			c.mu.Unlock()

			if _, err := c.client.PublishActionResult(context.Background(), &stubs.ActionResultCorrelated{
				CorrelationId: ac.CorrelationId,
				Result:        &stubs.ActionResult{Context: c.id, Data: nil},
			}); err != nil {
				log.Errorf("acking dispatch action: %v", err)
			}
		}
	}()
	return nil
}

// Post publishes payload as a DDA Action of type ActionTypeDispatch and
// returns immediately; replies surface later through Poll via the
// background subscription started by DialDDAClient.
func (c *DDAClient) Post(p Payload) (string, error) {
	var buf bytes.Buffer
	env := wireEnvelope{
		ID: p.ID, SynReplyID: p.SynReplyID, AckReplyID: p.AckReplyID,
		Handler: p.Handler, HandleName: p.HandleName, Data: p.Data,
		PreHooks: p.PreHooks, PostHooks: p.PostHooks,
	}
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return "", fmt.Errorf("stream: encoding payload %s: %w", p.ID, err)
	}

	act := &stubs.Action{
		Type:   ActionTypeDispatch,
		Id:     p.ID,
		Source: c.id,
		Params: buf.Bytes(),
	}
	stream, err := c.client.PublishAction(context.Background(), act)
	if err != nil {
		return "", fmt.Errorf("stream: publishing action %s: %w", p.ID, err)
	}
	_, _ = stream.Header() // await dda-suback before returning, as the teacher does
	return p.ID, nil
}

// Poll drains the background subscription backlog for a payload matching
// match, blocking (if requested) until one arrives or ctx is cancelled.
func (c *DDAClient) Poll(ctx context.Context, match func(id string) bool, block bool) (Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		for i, p := range c.backlog {
			if match(p.ID) {
				c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
				return p, nil
			}
		}
		if !block {
			return Payload{}, ErrNoMessage
		}
		if ctx.Err() != nil {
			return Payload{}, ctx.Err()
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-done:
			}
		}()
		c.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			return Payload{}, ctx.Err()
		}
	}
}
