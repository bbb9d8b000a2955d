package discovery

import "sync/atomic"

// State is the Discovery Agent's lifecycle state machine:
// Init -> Starting -> Active -> {Degraded <-> Active} -> Stopping -> Stopped
// (spec.md ยง4.1).
type State int32

const (
	StateInit State = iota
	StateStarting
	StateActive
	StateDegraded
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) Load() State    { return State(b.v.Load()) }
func (b *stateBox) Store(s State)  { b.v.Store(int32(s)) }
