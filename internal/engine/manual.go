package engine

import (
	"context"
	"fmt"

	"github.com/tidemark-app/tidemark/internal/record"
	"github.com/tidemark-app/tidemark/internal/resolve"
)

// ErrNotConflicted is returned by ResolveConflict for records that are
// not awaiting resolution.
var ErrNotConflicted = fmt.Errorf("record is not in conflict")

// ResolveConflict applies an explicit user decision to a deferred
// conflict. This is the only way a record leaves the conflict state.
//
// KeepLocal re-arms the local version for pushing, KeepRemote adopts
// the held snapshot, and Merge combines both sides with the standard
// per-field policy. Defer is not a valid input here; the record is
// already deferred.
func (e *Engine) ResolveConflict(ctx context.Context, id string, decision resolve.Decision) error {
	rec, err := e.store.GetContext(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != record.StatusConflict || rec.ConflictSnapshot == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotConflicted, id, rec.Status)
	}

	snap := *rec.ConflictSnapshot
	now := e.now()

	switch decision {
	case resolve.KeepLocal:
		out := rec.Clone()
		out.Status = record.StatusPendingUpdate
		out.ConflictSnapshot = nil
		out.RemoteUpdatedAt = &snap.UpdatedAt
		out.LocalUpdatedAt = &now
		out.NeedsAttention = false
		out.PermFailures = 0
		return e.store.UpsertContext(ctx, out)

	case resolve.KeepRemote:
		return e.store.UpsertContext(ctx, record.FromSnapshot(snap, now))

	case resolve.Merge:
		merged := resolve.MergeForResolution(rec, snap)
		out := rec.Clone()
		out.Fields = merged
		out.ConflictSnapshot = nil
		out.RemoteUpdatedAt = &snap.UpdatedAt
		out.NeedsAttention = false
		out.PermFailures = 0
		if merged.Equal(snap.Fields) {
			out.Status = record.StatusSynced
			out.LastSyncedAt = &now
			out.LocalUpdatedAt = nil
		} else {
			out.Status = record.StatusPendingUpdate
			out.LocalUpdatedAt = &now
		}
		return e.store.UpsertContext(ctx, out)

	default:
		return fmt.Errorf("decision %s cannot resolve a conflict", decision)
	}
}
