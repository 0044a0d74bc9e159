// Package doc defines the gateway's view of the external document engine.
// Content merging is the engine's business; the gateway moves opaque bytes.
package doc

import "context"

// Engine opens named collaborative documents. One document instance exists
// per name at a time; Open returns the live instance when one is already
// open.
type Engine interface {
	Open(ctx context.Context, name string) (Handle, error)
}

// Handle is one live document instance.
type Handle interface {
	// ApplyUpdate merges one client-produced update into the document.
	// The update is merged in memory before ApplyUpdate returns, so a
	// connection may be reaped immediately afterwards without losing
	// the write.
	ApplyUpdate(ctx context.Context, update []byte) error

	// State serializes the current document for a late joiner.
	State() []byte

	// Size is the serialized document size in bytes.
	Size() int64

	// Subscribe registers fn to run after each applied update and
	// returns its detach function. Callback panics are contained.
	Subscribe(fn func()) (detach func())

	// Release persists outstanding state and drops the in-memory
	// instance. The handle is unusable afterwards.
	Release(ctx context.Context) error
}
