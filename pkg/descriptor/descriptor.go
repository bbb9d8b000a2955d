// Package descriptor holds the ServerDescriptor and LocalServer types
// exchanged through the discovery directory.
package descriptor

import "fmt"

// ServerDescriptor is the immutable snapshot of a peer published in the
// discovery directory. It is created when a peer's entry is observed and
// destroyed when its lease expires or it withdraws; updates replace the
// whole value atomically, they never mutate one in place.
type ServerDescriptor struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Hostname string `json:"hostname"`
	Frontend bool   `json:"frontend"`
	Metadata string `json:"metadata"`
}

// Validate checks the non-empty-id/non-empty-kind invariant from spec.md
// ยง3.
func (d *ServerDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor: id must not be empty")
	}
	if d.Kind == "" {
		return fmt.Errorf("descriptor: kind must not be empty")
	}
	return nil
}

// Key returns the (kind, id) identity used to index descriptors in the
// Registry and in the discovery directory.
func (d *ServerDescriptor) Key() Key {
	return Key{Kind: d.Kind, ID: d.ID}
}

// Key is the (kind, id) pair that uniquely identifies a server.
type Key struct {
	Kind string
	ID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.ID)
}

// LocalServer is this process's own descriptor plus the lease token it
// holds in the discovery directory. It is created at start-up and
// destroyed at shutdown; between those points only its lease is mutated.
type LocalServer struct {
	Descriptor ServerDescriptor
	LeaseID    int64
}
