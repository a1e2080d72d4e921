// Package resolve implements conflict resolution between a locally
// modified record and a competing remote snapshot.
//
// The resolver is a pure function over its inputs: given the same local
// record, remote snapshot, and clock it always returns the same
// decision. All state transitions that follow from a decision are the
// sync engine's responsibility.
package resolve

import (
	"time"

	"github.com/tidemark-app/tidemark/internal/record"
)

// Decision is the outcome of resolving one conflict.
type Decision int

const (
	// KeepLocal discards the remote change; the local version is
	// (re-)pushed on the next push pass.
	KeepLocal Decision = iota
	// KeepRemote discards the local change; the remote version becomes
	// the new local truth.
	KeepRemote
	// Merge combines both sides field by field; the merged record is a
	// new local change unless it matches the remote exactly.
	Merge
	// Defer hands the conflict to the user. The record stays in
	// conflict with its snapshot retained and is excluded from
	// automatic pushes until resolved explicitly.
	Defer
)

// String returns a human-readable decision name.
func (d Decision) String() string {
	switch d {
	case KeepLocal:
		return "keep-local"
	case KeepRemote:
		return "keep-remote"
	case Merge:
		return "merge"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Resolution carries the decision plus, for Merge, the combined fields.
type Resolution struct {
	Decision Decision
	// Merged is populated only for Merge decisions.
	Merged record.Fields
}

// DefaultGraceWindow is how recent a local edit must be to win a
// conflict unconditionally. A local edit this fresh is assumed to
// reflect active user intent that a racing pull must not clobber.
const DefaultGraceWindow = 5 * time.Minute

// Resolver decides conflicts deterministically.
type Resolver struct {
	// GraceWindow overrides DefaultGraceWindow when positive.
	GraceWindow time.Duration

	// Now overrides the clock; nil means time.Now. Tests use this to
	// pin the grace window.
	Now func() time.Time
}

func (r *Resolver) graceWindow() time.Duration {
	if r.GraceWindow > 0 {
		return r.GraceWindow
	}
	return DefaultGraceWindow
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve maps (local record, remote snapshot) to a resolution.
//
// Policy, in order:
//  1. Local edit within the grace window: KeepLocal.
//  2. Remote strictly newer than the local edit: KeepRemote.
//  3. Otherwise Merge: scalar fields take the side with the later
//     timestamp, set fields take the union of both sides.
//
// Defer is never produced by this policy; it exists as the named
// terminal for conflicts the user must adjudicate manually.
func (r *Resolver) Resolve(local *record.Record, remote record.RemoteSnapshot) Resolution {
	localAt := time.Time{}
	if local.LocalUpdatedAt != nil {
		localAt = *local.LocalUpdatedAt
	}

	if !localAt.IsZero() && r.now().Sub(localAt) < r.graceWindow() {
		return Resolution{Decision: KeepLocal}
	}

	if remote.UpdatedAt.After(localAt) {
		return Resolution{Decision: KeepRemote}
	}

	return Resolution{
		Decision: Merge,
		Merged:   mergeFields(local.Fields, localAt, remote.Fields, remote.UpdatedAt),
	}
}

// MergeForResolution merges a conflicted record with a competing
// snapshot using the standard per-field policy. It backs explicit
// user-driven merge resolutions, where the grace window no longer
// applies.
func MergeForResolution(local *record.Record, remote record.RemoteSnapshot) record.Fields {
	localAt := time.Time{}
	if local.LocalUpdatedAt != nil {
		localAt = *local.LocalUpdatedAt
	}
	return mergeFields(local.Fields, localAt, remote.Fields, remote.UpdatedAt)
}

// mergeFields combines two field maps. Set-valued fields take the union
// of both sides; every other kind takes the side whose record-level
// timestamp is later (ties go to local, since the merge branch is only
// reached when the remote is not strictly newer).
func mergeFields(local record.Fields, localAt time.Time, remote record.Fields, remoteAt time.Time) record.Fields {
	localWins := !remoteAt.After(localAt)

	out := make(record.Fields, len(local)+len(remote))
	for name, v := range remote {
		out[name] = v
	}
	for name, lv := range local {
		rv, inRemote := out[name]
		if !inRemote {
			out[name] = lv
			continue
		}
		if lv.Kind == record.KindSet && rv.Kind == record.KindSet {
			if merged, err := lv.Union(rv); err == nil {
				out[name] = merged
				continue
			}
		}
		if localWins {
			out[name] = lv
		}
	}
	return out.Clone()
}
