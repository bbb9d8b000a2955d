// Package clusterevents defines the ServerAdded/ServerRemoved notification
// stream the Discovery Agent feeds to subscribers (spec.md ยง4.1), and the
// publisher interfaces used to fan it out.
package clusterevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/pitaya-cluster/pitaya/pkg/descriptor"
)

const logPrefix = "clusterevents:publisher"

// Kind distinguishes a membership addition from a removal.
type Kind int32

const (
	ServerAdded Kind = iota
	ServerRemoved
)

func (k Kind) String() string {
	if k == ServerRemoved {
		return "removed"
	}
	return "added"
}

// Event is a single Registry delta: a peer joined or left.
type Event struct {
	Kind       Kind
	Descriptor descriptor.ServerDescriptor
}

// Publisher fans out Registry deltas. Implementations must not block the
// Discovery Agent's watch loop for long; a slow or full subscriber is the
// subscriber's problem, not the watch loop's.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoOpPublisher discards every event. Useful when a process embeds the
// cluster core without caring about membership notifications.
type NoOpPublisher struct{}

func (NoOpPublisher) Publish(context.Context, Event) error { return nil }

// CallbackPublisher invokes a function for every event. This module uses it
// only in tests; no foreign-binding adapter is built here.
type CallbackPublisher struct {
	callback func(ctx context.Context, event Event) error
}

// NewCallbackPublisher wraps cb as a Publisher.
func NewCallbackPublisher(cb func(ctx context.Context, event Event) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

func (p *CallbackPublisher) Publish(ctx context.Context, event Event) error {
	return p.callback(ctx, event)
}

// ChannelPublisher delivers events onto a buffered Go channel, the
// in-language equivalent of the async ClusterEvent stream called for by
// Design Note 9. A full channel drops the event rather than blocking the
// watch loop — a slow consumer misses notifications, it does not stall
// discovery.
type ChannelPublisher struct {
	ch chan Event
}

// NewChannelPublisher creates a ChannelPublisher with the given buffer
// size.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan Event, buffer)}
}

// Events returns the channel subscribers should range over.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

func (p *ChannelPublisher) Publish(_ context.Context, event Event) error {
	select {
	case p.ch <- event:
	default:
		slog.Warn(fmt.Sprintf("%s - subscriber channel full, dropping %s event for %s", logPrefix, event.Kind, event.Descriptor.Key()))
	}
	return nil
}

// Close releases the underlying channel. Callers must stop publishing
// before calling Close.
func (p *ChannelPublisher) Close() {
	close(p.ch)
}

// NatsPublisherOpts configures NatsPublisher.
type NatsPublisherOpts struct {
	// Subject overrides the default cluster-notification subject.
	Subject string
}

const defaultClusterEventSubject = "pitaya/cluster/events"

// NatsPublisher republishes membership deltas onto a NATS subject so other
// processes (metrics collectors, admin tooling) can observe cluster churn
// without holding a direct Registry reference.
type NatsPublisher struct {
	nc      *comms.Conn
	subject string
}

// NewNatsPublisher creates a NatsPublisher. Pass nil for opts to use the
// default subject.
func NewNatsPublisher(nc *comms.Conn, opts *NatsPublisherOpts) *NatsPublisher {
	subject := defaultClusterEventSubject
	if opts != nil && opts.Subject != "" {
		subject = opts.Subject
	}
	return &NatsPublisher{nc: nc, subject: subject}
}

type wireEvent struct {
	Kind string                        `json:"kind"`
	Server descriptor.ServerDescriptor `json:"server"`
}

func (p *NatsPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(wireEvent{Kind: event.Kind.String(), Server: event.Descriptor})
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", logPrefix, err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", logPrefix, p.subject, err))
		return err
	}
	return nil
}
