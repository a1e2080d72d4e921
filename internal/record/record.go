// Package record defines the cached entity model for the sync core.
//
// A Record is a locally cached copy of a remote entity (a task or a note)
// plus the sync metadata needed to reconcile it with the remote store:
// when it last changed locally, when the remote last asserted a change,
// and which reconciliation state it is in.
package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known field names used by the CLI and merge policy.
// The field map is open; these are just the names the task/notes
// domain agrees on.
const (
	FieldTitle    = "title"
	FieldNotes    = "notes"
	FieldStatus   = "status"
	FieldPriority = "priority"
	FieldDue      = "due"
	FieldTags     = "tags"
)

// Status values for the well-known status field.
const (
	StatusOpen = "open"
	StatusDone = "done"
)

// SyncStatus is the reconciliation state of a record relative to the
// remote store. A record has exactly one status at any time; only the
// sync engine and conflict resolver may change it.
type SyncStatus string

const (
	// StatusSynced means local and remote agree as of LastSyncedAt.
	StatusSynced SyncStatus = "synced"
	// StatusPendingCreate means the record was created locally and the
	// remote has no copy yet. The ID may be a temporary local identifier
	// until the first successful push returns the authoritative one.
	StatusPendingCreate SyncStatus = "pending_create"
	// StatusPendingUpdate means the record was modified locally after
	// the last sync.
	StatusPendingUpdate SyncStatus = "pending_update"
	// StatusPendingDelete means the record was deleted locally and is
	// retained as a tombstone until the remote confirms deletion.
	StatusPendingDelete SyncStatus = "pending_delete"
	// StatusConflict means a pull discovered a remote version while the
	// record had unresolved local changes. The competing remote version
	// is held in ConflictSnapshot until resolved.
	StatusConflict SyncStatus = "conflict"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusSynced, StatusPendingCreate, StatusPendingUpdate, StatusPendingDelete, StatusConflict:
		return true
	}
	return false
}

// Pending reports whether the status represents an unpushed local change.
func (s SyncStatus) Pending() bool {
	switch s {
	case StatusPendingCreate, StatusPendingUpdate, StatusPendingDelete:
		return true
	}
	return false
}

// RemoteSnapshot is the remote store's view of a record at a point in
// time. It is the only wire shape the core owns; transport and
// serialization belong to the gateway.
type RemoteSnapshot struct {
	ID        string    `json:"id"`
	Fields    Fields    `json:"fields"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is a versioned snapshot of a domain entity plus per-record
// sync metadata.
type Record struct {
	// ID uniquely identifies the record across local and remote stores
	// once assigned by the remote. Locally created records carry a
	// temporary local identifier until their first successful push.
	ID string `json:"id"`

	// Fields holds the entity's attribute values.
	Fields Fields `json:"fields"`

	// LocalUpdatedAt is the time of the last local mutation, if any.
	LocalUpdatedAt *time.Time `json:"local_updated_at,omitempty"`

	// RemoteUpdatedAt is the last update time asserted by the remote
	// store, if known.
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`

	// LastSyncedAt is the time of the last successful reconciliation.
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	// Status is the record's reconciliation state.
	Status SyncStatus `json:"sync_status"`

	// ConflictSnapshot holds the competing remote version while
	// Status == StatusConflict, and must be nil otherwise.
	ConflictSnapshot *RemoteSnapshot `json:"conflict_snapshot,omitempty"`

	// NeedsAttention marks a pending record that the remote rejected
	// permanently too many times. It is excluded from automatic pushes
	// until the user edits it again.
	NeedsAttention bool `json:"needs_attention,omitempty"`

	// PermFailures counts consecutive permanent remote rejections of
	// this record's pending change. Persisted with the record so the
	// bound holds across process restarts; reset to zero on a
	// successful push or a fresh local edit.
	PermFailures int `json:"perm_failures,omitempty"`
}

// localIDPrefix marks temporary identifiers assigned to records created
// locally before the remote has issued an authoritative id.
const localIDPrefix = "local-"

// NewLocalID returns a fresh temporary identifier for a locally created
// record. Local ids are never reused and never pushed as-is; the first
// successful create replaces them with the remote's authoritative id.
func NewLocalID() string {
	return localIDPrefix + uuid.New().String()
}

// IsLocalID reports whether id is a temporary local identifier.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Validate checks structural invariants. It is called by the store on
// every write so a corrupt record can never be persisted.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown sync status %q", r.Status)
	}
	if err := r.Fields.Validate(); err != nil {
		return fmt.Errorf("invalid fields: %w", err)
	}
	// ConflictSnapshot is non-nil exactly when the record is in conflict.
	if r.Status == StatusConflict && r.ConflictSnapshot == nil {
		return fmt.Errorf("conflict record requires a conflict snapshot")
	}
	if r.Status != StatusConflict && r.ConflictSnapshot != nil {
		return fmt.Errorf("conflict snapshot present on %s record", r.Status)
	}
	if r.Status == StatusPendingCreate && r.RemoteUpdatedAt != nil {
		return fmt.Errorf("pending_create record cannot carry a remote timestamp")
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	out.Fields = r.Fields.Clone()
	out.LocalUpdatedAt = cloneTime(r.LocalUpdatedAt)
	out.RemoteUpdatedAt = cloneTime(r.RemoteUpdatedAt)
	out.LastSyncedAt = cloneTime(r.LastSyncedAt)
	if r.ConflictSnapshot != nil {
		snap := *r.ConflictSnapshot
		snap.Fields = r.ConflictSnapshot.Fields.Clone()
		out.ConflictSnapshot = &snap
	}
	return &out
}

// Title returns the well-known title field, or "" if unset.
func (r *Record) Title() string {
	return r.Fields[FieldTitle].Text
}

// Tags returns the well-known tags field members, or nil if unset.
func (r *Record) Tags() []string {
	return r.Fields[FieldTags].Set
}

// Done reports whether the well-known status field is "done".
func (r *Record) Done() bool {
	return r.Fields[FieldStatus].Text == StatusDone
}

// FromSnapshot builds a synced record from a remote snapshot.
func FromSnapshot(snap RemoteSnapshot, syncedAt time.Time) *Record {
	updated := snap.UpdatedAt
	synced := syncedAt
	return &Record{
		ID:              snap.ID,
		Fields:          snap.Fields.Clone(),
		RemoteUpdatedAt: &updated,
		LastSyncedAt:    &synced,
		Status:          StatusSynced,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
