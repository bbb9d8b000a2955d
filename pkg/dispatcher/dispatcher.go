// Package dispatcher implements the Inbound Dispatcher: it decodes
// Request envelopes delivered on a server's inbound RPC subject, routes
// them to a registered handler by route, and guarantees exactly one reply
// per delivery (spec.md ยง4.5).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pitaya-cluster/pitaya/pkg/clustererr"
	"github.com/pitaya-cluster/pitaya/pkg/clusterproto"
	"github.com/pitaya-cluster/pitaya/pkg/route"
	"github.com/pitaya-cluster/pitaya/pkg/transport"
)

const logPrefix = "dispatcher:dispatch"

// Handler processes one decoded inbound RPC and returns either a payload
// or a structured error. It must not panic; a panic is recovered and
// converted to a PIT-500 so a single faulty handler cannot take down its
// worker.
type Handler func(ctx context.Context, req *clusterproto.Request) ([]byte, *clustererr.Error)

// Dispatcher routes inbound RPCs to one of two method tables: handlers for
// `sys` RPCs (session-carrying) and remotes for `user` RPCs. Both tables
// are one-shot, populated before Subscribe is called; there is no support
// for re-registration once running.
type Dispatcher struct {
	handlers map[string]Handler
	remotes  map[string]Handler

	requestTimeout time.Duration

	inFlight sync.WaitGroup
}

// New creates a Dispatcher. requestTimeout is the per-RPC wall-clock
// budget, measured from delivery to reply; handlers that have not
// responded by then receive a PIT-504 on the caller's behalf and their
// eventual late reply is discarded.
func New(requestTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		handlers:       make(map[string]Handler),
		remotes:        make(map[string]Handler),
		requestTimeout: requestTimeout,
	}
}

// RegisterHandler adds a `sys` handler for "service.method". Must be
// called before Subscribe; panics on a duplicate registration since that
// is always a configuration bug.
func (d *Dispatcher) RegisterHandler(serviceMethod string, h Handler) {
	if _, exists := d.handlers[serviceMethod]; exists {
		panic(fmt.Sprintf("%s - duplicate handler registration for %s", logPrefix, serviceMethod))
	}
	d.handlers[serviceMethod] = h
}

// RegisterRemote adds a `user` handler for "service.method". Same
// one-shot discipline as RegisterHandler.
func (d *Dispatcher) RegisterRemote(serviceMethod string, h Handler) {
	if _, exists := d.remotes[serviceMethod]; exists {
		panic(fmt.Sprintf("%s - duplicate remote registration for %s", logPrefix, serviceMethod))
	}
	d.remotes[serviceMethod] = h
}

// HandleDelivery returns a transport.Handler that decodes, routes,
// enforces the per-RPC deadline, and emits exactly one reply onto the
// delivery's reply subject before returning; a delivery with no reply
// subject gets no reply.
func (d *Dispatcher) HandleDelivery(pub publisher) transport.Handler {
	return func(ctx context.Context, delivery transport.Delivery) {
		d.dispatch(ctx, pub, delivery)
	}
}

// Subscribe opens the durable subscription on subject with the given
// worker pool size, wiring deliveries through dispatch. This is the
// Dispatcher's own half of the start-up order in spec.md ยง4.6
// ("Dispatcher.subscribe"); worker_pool_size should be the server's
// configured server_max_number_of_rpcs.
func (d *Dispatcher) Subscribe(tr *transport.Transport, subject string, workerPoolSize int) (*transport.Subscription, error) {
	return tr.Subscribe(subject, workerPoolSize, d.HandleDelivery(tr))
}

// publisher is the subset of *transport.Transport the Dispatcher needs to
// send a reply; an interface so tests can intercept replies directly.
type publisher interface {
	Publish(subject string, payload []byte) error
}

// Drain blocks until every delivery handed to dispatch has emitted its
// reply, or until ctx is done, whichever comes first. It reports whether
// the drain completed before ctx expired (spec.md ยง4.6 step 2).
func (d *Dispatcher) Drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, pub publisher, delivery transport.Delivery) {
	d.inFlight.Add(1)
	defer d.inFlight.Done()

	var req clusterproto.Request
	if err := json.Unmarshal(delivery.Data, &req); err != nil {
		d.reply(pub, delivery.Reply, nil, clustererr.BadRequest("malformed request"))
		return
	}

	r, err := route.Parse(req.Msg.Route)
	if err != nil {
		d.reply(pub, delivery.Reply, nil, clustererr.BadRequest(err.Error()))
		return
	}

	table := d.remotes
	if req.Type == clusterproto.RpcTypeSys {
		table = d.handlers
	}
	handler, ok := table[r.ServiceMethod()]
	if !ok {
		d.reply(pub, delivery.Reply, nil, clustererr.NotFound(fmt.Sprintf("remote/handler not found: %s", r.ServiceMethod())))
		return
	}

	data, cerr := d.invoke(ctx, handler, &req)
	d.reply(pub, delivery.Reply, data, cerr)
}

// invoke runs handler under the per-RPC deadline and recovers a handler
// panic into a PIT-500. If the deadline fires first, invoke returns a
// PIT-504 immediately; the handler's goroutine is left to finish on its
// own and its result, once ready, is discarded by resultCh going unread.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, req *clusterproto.Request) ([]byte, *clustererr.Error) {
	type result struct {
		data []byte
		err  *clustererr.Error
	}

	resultCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: clustererr.Internal(fmt.Sprintf("handler panic: %v", r))}
			}
		}()
		data, cerr := handler(ctx, req)
		resultCh <- result{data: data, err: cerr}
	}()

	if d.requestTimeout <= 0 {
		res := <-resultCh
		return res.data, res.err
	}

	timer := time.NewTimer(d.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.data, res.err
	case <-timer.C:
		return nil, clustererr.Timeout(fmt.Sprintf("handler for %s exceeded request_timeout_ms", req.Msg.Route))
	}
}

func (d *Dispatcher) reply(pub publisher, replySubject string, data []byte, cerr *clustererr.Error) {
	if replySubject == "" {
		return
	}
	resp := &clusterproto.Response{Data: data, Error: cerr}
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode reply: %v", logPrefix, err))
		return
	}
	if err := pub.Publish(replySubject, payload); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish reply to %s: %v", logPrefix, replySubject, err))
	}
}
