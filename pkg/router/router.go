// Package router implements the RPC Router: it resolves outbound targets
// in the Registry, encodes/decodes the wire envelopes, and allocates
// process-unique request IDs (spec.md ยง4.4).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pitaya-cluster/pitaya/pkg/clustererr"
	"github.com/pitaya-cluster/pitaya/pkg/clusterproto"
	"github.com/pitaya-cluster/pitaya/pkg/descriptor"
	"github.com/pitaya-cluster/pitaya/pkg/registry"
	"github.com/pitaya-cluster/pitaya/pkg/transport"
)

const logPrefix = "router:router"

// requester is the subset of *transport.Transport the Router depends on.
// It is an interface so tests can substitute a fake without a NATS server.
type requester interface {
	Request(ctx context.Context, subject string, payload []byte, deadline time.Duration) ([]byte, error)
	Publish(subject string, payload []byte) error
}

// Router resolves targets in the Registry and speaks the Request/Response
// wire envelopes over a Transport. It owns request ID allocation; the
// pending-reply table itself is the transport's own inbox table (NATS's
// built-in request/reply), per spec.md ยง4.4's "either discipline" note.
type Router struct {
	transport requester
	registry  *registry.Registry

	nextID uint64
	closed atomic.Bool
}

// New creates a Router bound to tr and reg.
func New(tr *transport.Transport, reg *registry.Registry) *Router {
	return &Router{transport: tr, registry: reg}
}

// nextRequestID returns a process-unique, monotonically increasing request
// ID. Starts at 1 so 0 can mean "unset" in callers that zero-initialize.
func (r *Router) nextRequestID() uint64 {
	return atomic.AddUint64(&r.nextID, 1)
}

// Close stops the Router from accepting new outbound requests; calls made
// after Close fail immediately with TransportDisconnected. Requests
// already in flight are unaffected (spec.md ยง4.6 step 3).
func (r *Router) Close() {
	r.closed.Store(true)
}

// SendByID sends an RPC to the (kind, id) server directly.
func (r *Router) SendByID(ctx context.Context, kind, id, route string, rpcType clusterproto.RpcType, session *clusterproto.Session, data []byte, timeout time.Duration) ([]byte, *clustererr.Error) {
	if r.closed.Load() {
		return nil, clustererr.TransportDisconnected(fmt.Sprintf("%s - router is shutting down", logPrefix))
	}
	target, ok := r.registry.ByID(kind, id)
	if !ok {
		return nil, clustererr.NoServersAvailable(fmt.Sprintf("no server registered for %s/%s", kind, id))
	}
	return r.send(ctx, target, route, rpcType, session, data, timeout)
}

// SendByKind sends an RPC to a uniformly-random server of the given kind.
func (r *Router) SendByKind(ctx context.Context, kind, route string, rpcType clusterproto.RpcType, session *clusterproto.Session, data []byte, timeout time.Duration) ([]byte, *clustererr.Error) {
	if r.closed.Load() {
		return nil, clustererr.TransportDisconnected(fmt.Sprintf("%s - router is shutting down", logPrefix))
	}
	target, ok := r.registry.Pick(kind)
	if !ok {
		return nil, clustererr.NoServersAvailable(fmt.Sprintf("no servers available for kind %q", kind))
	}
	return r.send(ctx, target, route, rpcType, session, data, timeout)
}

func (r *Router) send(ctx context.Context, target descriptor.ServerDescriptor, route string, rpcType clusterproto.RpcType, session *clusterproto.Session, data []byte, timeout time.Duration) ([]byte, *clustererr.Error) {
	req := &clusterproto.Request{
		Type:    rpcType,
		Session: session,
		Msg: clusterproto.Message{
			Kind:  clusterproto.MessageKindRequest,
			ID:    r.nextRequestID(),
			Route: route,
			Data:  data,
		},
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, clustererr.Internal(fmt.Sprintf("failed to encode request: %v", err))
	}

	subject := transport.ServerRPCSubject(target.Kind, target.ID)
	replyBytes, err := r.transport.Request(ctx, subject, payload, timeout)
	if err != nil {
		if ce, ok := err.(*clustererr.Error); ok {
			return nil, ce
		}
		return nil, clustererr.Internal(err.Error())
	}

	var resp clusterproto.Response
	if err := json.Unmarshal(replyBytes, &resp); err != nil {
		return nil, clustererr.Internal(fmt.Sprintf("failed to decode response: %v", err))
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Data, nil
}

// SendPush publishes a user push; it is fire-and-forget, there is no reply
// to wait on and no request ID is allocated.
func (r *Router) SendPush(userID string, data []byte) *clustererr.Error {
	if r.closed.Load() {
		return clustererr.TransportDisconnected(fmt.Sprintf("%s - router is shutting down", logPrefix))
	}
	if err := r.transport.Publish(transport.UserPushSubject(userID), data); err != nil {
		if ce, ok := err.(*clustererr.Error); ok {
			return ce
		}
		return clustererr.Internal(err.Error())
	}
	return nil
}

// SendKick requests that the given frontend server disconnect userID's
// session, waiting for an (empty-payload) ack with the same timeout as a
// regular RPC.
func (r *Router) SendKick(ctx context.Context, frontendServerID, userID string, timeout time.Duration) *clustererr.Error {
	if r.closed.Load() {
		return clustererr.TransportDisconnected(fmt.Sprintf("%s - router is shutting down", logPrefix))
	}
	req := &clusterproto.Request{
		Type: clusterproto.RpcTypeSys,
		Msg: clusterproto.Message{
			Kind: clusterproto.MessageKindRequest,
			ID:   r.nextRequestID(),
			Data: []byte(userID),
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return clustererr.Internal(fmt.Sprintf("failed to encode kick request: %v", err))
	}

	replyBytes, err := r.transport.Request(ctx, transport.UserKickSubject(frontendServerID), payload, timeout)
	if err != nil {
		if ce, ok := err.(*clustererr.Error); ok {
			return ce
		}
		return clustererr.Internal(err.Error())
	}

	var resp clusterproto.Response
	if err := json.Unmarshal(replyBytes, &resp); err != nil {
		return clustererr.Internal(fmt.Sprintf("failed to decode kick ack: %v", err))
	}
	return resp.Error
}
