// Package gateway defines the typed boundary to the remote resource
// server and its HTTP implementation.
//
// The sync engine consumes the remote store only through the Gateway
// interface. The wire protocol, serialization, and request timeouts all
// live here; the rest of the core sees snapshots and classified errors.
package gateway

import (
	"context"
	"time"

	"github.com/tidemark-app/tidemark/internal/record"
)

// Gateway is the request contract the sync engine consumes.
//
// Every call returns a classified error on failure: transient errors
// (network, timeout, server overload) are retried with backoff, while
// permanent errors (not found, validation) surface the record to the
// user instead of retrying forever. See RemoteError.
type Gateway interface {
	// FetchAll returns the remote store's current view of every record.
	FetchAll(ctx context.Context) ([]record.RemoteSnapshot, error)

	// FetchSince returns records changed at or after the given time.
	// Gateways that cannot answer incrementally may return the full set.
	FetchSince(ctx context.Context, since time.Time) ([]record.RemoteSnapshot, error)

	// Create stores a new record remotely and returns the snapshot
	// carrying the authoritative id and updated_at.
	Create(ctx context.Context, fields record.Fields) (record.RemoteSnapshot, error)

	// Update applies a field diff to an existing remote record and
	// returns the resulting snapshot.
	Update(ctx context.Context, id string, diff record.Fields) (record.RemoteSnapshot, error)

	// Delete removes a record remotely. Deleting a record the remote
	// no longer has succeeds (idempotent).
	Delete(ctx context.Context, id string) error
}
