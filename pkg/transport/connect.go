// Package transport is the thin adapter over the NATS pub/sub bus that the
// RPC Router and Inbound Dispatcher build on: request/reply with timeout,
// fire-and-forget publish, and durable subscription with bounded worker
// concurrency (spec.md ยง4.3).
package transport

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const connectLogPrefix = "transport:connect"

// Connect dials the NATS cluster at url and installs handlers that report
// reconnect transitions for the Lifecycle Controller's
// metrics hook (spec.md ยง4.3, "the transport reports reconnect transitions
// to the Lifecycle Controller for metrics").
//
// The initial connect is attempted once and its failure is returned;
// maxReconnectionAttempts and the 250ms wait between attempts apply only to
// reconnects after a connection has been established.
func Connect(url, name string, connectionTimeout time.Duration, maxReconnectionAttempts int, onStateChange func(StateChange)) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - connecting to NATS at %s as %s", connectLogPrefix, url, name))

	report := func(s State) {
		if onStateChange != nil {
			onStateChange(StateChange{State: s})
		}
	}

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(connectionTimeout),
		comms.ReconnectWait(250*time.Millisecond),
		comms.MaxReconnects(maxReconnectionAttempts),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - disconnected: %v", connectLogPrefix, err))
			report(StateDisconnected)
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - reconnected to %s", connectLogPrefix, nc.ConnectedUrl()))
			report(StateConnected)
		}),
		comms.ClosedHandler(func(*comms.Conn) {
			slog.Info(fmt.Sprintf("%s - connection closed", connectLogPrefix))
			report(StateClosed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to NATS: %w", connectLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - connected to NATS at %s", connectLogPrefix, nc.ConnectedUrl()))
	report(StateConnected)
	return nc, nil
}

// State is a coarse connection state reported to the Lifecycle Controller.
type State int32

const (
	StateConnected State = iota
	StateDisconnected
	StateClosed
)

// StateChange is delivered to the onStateChange callback passed to Connect.
type StateChange struct {
	State State
}
