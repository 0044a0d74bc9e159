// Package storage provides the durable snapshot store behind the
// persistence adapter. The gateway never inspects the bytes it moves.
package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrClosed   = errors.New("snapshot store closed")
)

// SnapshotStore is the pass-through blob bridge the document engine loads
// and stores named snapshots through.
type SnapshotStore interface {
	// Load returns the last stored snapshot for name, or ErrNotFound.
	Load(ctx context.Context, name string) ([]byte, error)
	// Store replaces the snapshot for name.
	Store(ctx context.Context, name string, blob []byte) error

	Close() error
}
