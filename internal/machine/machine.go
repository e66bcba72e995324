// Package machine defines the contract between the rollback engine and the
// hierarchical workflow machines it guards.
package machine

import (
	"context"

	"github.com/google/uuid"
)

// RootHistoryKey is the history memory key for a machine's own history
// pseudo-state.
const RootHistoryKey = "@root"

// Kind tells which variant a State is.
type Kind int

const (
	KindLeaf Kind = iota
	KindSubmachine
	KindOrthogonal
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindSubmachine:
		return "submachine"
	case KindOrthogonal:
		return "orthogonal"
	default:
		return "unknown"
	}
}

// State is the active (or declared) state of a machine. Which of IDs,
// Submachine and Regions are populated depends on Kind.
type State struct {
	ID   string
	Kind Kind

	// IDs is the root-to-leaf id chain of a submachine state.
	IDs        []string
	Submachine Machine

	// Regions are the orthogonal regions in declaration order.
	Regions []Machine
}

// Machine is a hierarchical state machine that can be observed and reset.
// Implementations must be safe for concurrent observation; mutation is
// serialized by the caller.
type Machine interface {
	ID() string
	InstanceID() uuid.UUID

	State() State
	// States returns every state reachable from the machine, descending into
	// submachines.
	States() []State
	Variables() map[string]any
	// History reports the state remembered by the machine's own history
	// pseudo-state. ok is false when the machine has none.
	History() (remembered string, ok bool)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Reset stops the machine, applies the snapshot to it and every nested
	// region, and starts it again.
	Reset(ctx context.Context, s *Snapshot) error
}
