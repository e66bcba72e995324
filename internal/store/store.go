// Package store persists machine snapshots keyed by machine id.
package store

import (
	"context"
	"errors"

	"github.com/linkflow/flowguard/internal/machine"
)

var (
	ErrNotFound  = errors.New("store: state machine not found")
	ErrCorrupted = errors.New("store: snapshot checksum mismatch")
	ErrEmptyID   = errors.New("store: empty machine id")
)

// Store is a durable key/value store of snapshots. Writes replace any
// previous snapshot for the id.
type Store interface {
	Write(ctx context.Context, id string, snap *machine.Snapshot) error
	// Read returns ErrNotFound when no snapshot exists for id.
	Read(ctx context.Context, id string) (*machine.Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// checksum is a djb2-style hash of the encoded snapshot.
func checksum(data []byte) []byte {
	var sum uint32
	for _, b := range data {
		sum = (sum << 5) + sum + uint32(b)
	}
	return []byte{
		byte(sum >> 24),
		byte(sum >> 16),
		byte(sum >> 8),
		byte(sum),
	}
}
