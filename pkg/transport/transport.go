package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"

	"github.com/pitaya-cluster/pitaya/pkg/clustererr"
	"github.com/pitaya-cluster/pitaya/pkg/clusterproto"
)

const transportLogPrefix = "transport:transport"

// Delivery is a single inbound message handed to a Subscribe handler.
type Delivery struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler processes one Delivery. It runs inside one of the subscription's
// worker_pool_size concurrent slots.
type Handler func(ctx context.Context, d Delivery)

// Transport wraps a NATS connection with the three primitives the RPC
// Router and Inbound Dispatcher need: request/reply with a deadline,
// fire-and-forget publish, and bounded-concurrency durable subscription
// (spec.md ยง4.3).
type Transport struct {
	nc      *comms.Conn
	pending *semaphore.Weighted
}

// New wraps nc. maxPendingMsgs bounds the number of outstanding Request
// calls system-wide; exceeding it returns a Backpressure error immediately
// instead of queuing.
func New(nc *comms.Conn, maxPendingMsgs int) *Transport {
	return &Transport{
		nc:      nc,
		pending: semaphore.NewWeighted(int64(maxPendingMsgs)),
	}
}

// Request blocks until a single reply is received on a unique inbox
// subject or deadline elapses. It fails fast with a Backpressure error if
// max_pending_msgs outstanding requests are already in flight, and with a
// TransportDisconnected error if the connection is not currently up.
func (t *Transport) Request(ctx context.Context, subject string, payload []byte, deadline time.Duration) ([]byte, error) {
	if !t.pending.TryAcquire(1) {
		return nil, clustererr.Backpressure("max_pending_msgs exceeded")
	}
	defer t.pending.Release(1)

	if !t.IsConnected() {
		return nil, clustererr.TransportDisconnected("connection is not up")
	}

	reqCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	msg, err := t.nc.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, comms.ErrTimeout) {
			return nil, clustererr.Timeout(fmt.Sprintf("no reply on %s within deadline", subject))
		}
		return nil, clustererr.TransportDisconnected(err.Error())
	}
	return msg.Data, nil
}

// Publish is fire-and-forget; it returns synchronously on any transport
// error and never queues for later retry.
func (t *Transport) Publish(subject string, payload []byte) error {
	if t.nc.IsClosed() {
		return clustererr.TransportDisconnected("connection closed")
	}
	if err := t.nc.Publish(subject, payload); err != nil {
		return clustererr.TransportDisconnected(err.Error())
	}
	return nil
}

// Subscription is a durable subscription created by Subscribe.
type Subscription struct {
	sub *comms.Subscription
	sem *semaphore.Weighted
}

// Unsubscribe stops delivering new messages. Workers already running
// continue to run; callers that need to wait for them should do so
// separately (the Inbound Dispatcher's drain step, spec.md ยง4.6).
func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe opens a durable subscription on subject. Deliveries are handed
// to up to workerPoolSize concurrent invocations of handler; a delivery
// that arrives when all worker_pool_size slots are occupied is rejected
// immediately with a PIT-503 "server busy" reply rather than queued,
// matching spec.md ยง4.3's backpressure contract.
func (t *Transport) Subscribe(subject string, workerPoolSize int, handler Handler) (*Subscription, error) {
	sem := semaphore.NewWeighted(int64(workerPoolSize))

	sub, err := t.nc.Subscribe(subject, func(msg *comms.Msg) {
		d := Delivery{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}

		if !sem.TryAcquire(1) {
			t.replyBusy(d)
			return
		}
		go func() {
			defer sem.Release(1)
			handler(context.Background(), d)
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", transportLogPrefix, subject, err)
	}

	return &Subscription{sub: sub, sem: sem}, nil
}

func (t *Transport) replyBusy(d Delivery) {
	if d.Reply == "" {
		return
	}
	resp := &clusterproto.Response{Error: clustererr.ServerBusy("server is overloaded")}
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode busy response: %v", transportLogPrefix, err))
		return
	}
	if err := t.nc.Publish(d.Reply, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish busy response: %v", transportLogPrefix, err))
	}
}

// IsConnected reports whether the underlying connection currently believes
// itself connected (as opposed to disconnected-and-reconnecting or closed).
func (t *Transport) IsConnected() bool {
	return t.nc.Status() == comms.CONNECTED
}

// Close closes the underlying connection without draining it.
func (t *Transport) Close() {
	t.nc.Close()
}

// Conn exposes the underlying NATS connection for components (Discovery
// Agent notifications, diagnostics) that need lower-level access.
func (t *Transport) Conn() *comms.Conn {
	return t.nc
}
