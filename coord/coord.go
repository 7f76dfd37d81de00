// Package coord defines the coordination namespace consumed by the contest
// package: a hierarchy of nodes supporting persistent and ephemeral-sequential
// creation, ordered child listings, and one-shot change notifications.
//
// The production implementation is backed by etcd, see Connect. Tests use the
// in-memory implementation in coordtest.
package coord

import (
	"context"
)

// Mode selects how a node is created.
type Mode int

const (
	// Persistent nodes outlive the creating session.
	Persistent Mode = iota

	// EphemeralSequential nodes are removed when the creating session ends.
	// The given path is treated as a name prefix; the service appends a
	// zero-padded sequence number that is strictly increasing and unique
	// under the parent, so children sort lexicographically in creation order.
	EphemeralSequential
)

// NodeEvent is delivered at most once per existence watch. After delivery the
// watch is consumed and must be re-registered to keep observing.
type NodeEvent struct {
	// Path is the node the watch was registered against.
	Path string
	// Deleted is true when the node was removed, false for a data change.
	Deleted bool
}

// ChildEvent is delivered at most once per children watch and signals that the
// set of children under Path changed.
type ChildEvent struct {
	Path string
}

// Client is a session with the coordination service. All mutating and reading
// calls are bounded by the configured call timeout and return ErrTimeout when
// it elapses.
//
// A Client is safe for concurrent use. Closing the session removes any
// ephemeral nodes it owns.
type Client interface {
	// Create makes a new node and returns its actual path, which differs
	// from the requested path for EphemeralSequential nodes.
	// Returns ErrAlreadyExists if a Persistent node is already present, and
	// ErrNotFound if the parent of a sequential node does not exist.
	Create(ctx context.Context, path string, data []byte, mode Mode) (string, error)

	// Get returns the data stored at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes the node at path. version smaller than zero deletes
	// unconditionally; otherwise the delete only succeeds if the node's
	// current version matches. Returns ErrNotFound if the node is absent.
	Delete(ctx context.Context, path string, version int64) error

	// Children returns the names of the children of path, sorted
	// lexicographically (for sequential nodes this is creation order).
	Children(ctx context.Context, path string) ([]string, error)

	// ChildrenWatch is Children plus a one-shot watch: the returned channel
	// delivers a single ChildEvent when the child set next changes, then
	// closes. The channel may also close without an event if the watch is
	// lost; consumers treat any close as the watch being consumed.
	ChildrenWatch(ctx context.Context, path string) ([]string, <-chan ChildEvent, error)

	// Exists reports whether a node is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// ExistsWatch is Exists plus a one-shot watch on the specific node: the
	// returned channel delivers a single NodeEvent on the next change to
	// that node (creation or deletion), then closes. The channel may also
	// close without an event if the watch is lost; consumers treat any
	// close as the watch being consumed.
	ExistsWatch(ctx context.Context, path string) (bool, <-chan NodeEvent, error)

	// Close ends the session. The service removes any ephemeral nodes owned
	// by it and cancels outstanding watches.
	Close() error
}
