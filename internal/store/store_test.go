package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidemark-app/tidemark/internal/record"
)

// setupTestStore creates a temporary store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

// testRecord builds a minimal valid record.
func testRecord(t *testing.T, id string, status record.SyncStatus) *record.Record {
	t.Helper()

	now := time.Now()
	rec := &record.Record{
		ID: id,
		Fields: record.Fields{
			record.FieldTitle: record.TextValue("Test " + id),
			record.FieldTags:  record.SetValue("test"),
		},
		Status: status,
	}
	if status != record.StatusSynced {
		rec.LocalUpdatedAt = &now
	}
	if status == record.StatusConflict {
		rec.ConflictSnapshot = &record.RemoteSnapshot{
			ID:        id,
			Fields:    record.Fields{record.FieldTitle: record.TextValue("remote")},
			UpdatedAt: now,
		}
	}
	return rec
}

func TestUpsertAndGet(t *testing.T) {
	st := setupTestStore(t)

	rec := testRecord(t, "task-1", record.StatusSynced)
	if err := st.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := st.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title() != rec.Title() {
		t.Errorf("got title %q, want %q", got.Title(), rec.Title())
	}
	if got.Status != record.StatusSynced {
		t.Errorf("got status %s, want synced", got.Status)
	}
}

func TestFailureMetadataRoundTrip(t *testing.T) {
	st := setupTestStore(t)

	rec := testRecord(t, "task-1", record.StatusPendingUpdate)
	rec.NeedsAttention = true
	rec.PermFailures = 2
	if err := st.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := st.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.NeedsAttention {
		t.Error("needs-attention flag lost on round trip")
	}
	if got.PermFailures != 2 {
		t.Errorf("got %d permanent failures, want 2", got.PermFailures)
	}
}

func TestGetNotFound(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertRejectsInvalidRecord(t *testing.T) {
	st := setupTestStore(t)

	// Conflict status without a snapshot violates the invariant.
	rec := &record.Record{ID: "bad", Status: record.StatusConflict}
	if err := st.Upsert(rec); err == nil {
		t.Error("expected error for invalid record")
	}

	if _, err := st.Get("bad"); !errors.Is(err, ErrNotFound) {
		t.Error("invalid record must not be persisted")
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	st := setupTestStore(t)

	rec := testRecord(t, "task-1", record.StatusSynced)
	if err := st.Upsert(rec); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	rec.Fields[record.FieldTitle] = record.TextValue("renamed")
	if err := st.Upsert(rec); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	all, err := st.List(ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 record, got %d", len(all))
	}
	if all[0].Title() != "renamed" {
		t.Errorf("update not applied: %q", all[0].Title())
	}
}

func TestListHidesTombstonesByDefault(t *testing.T) {
	st := setupTestStore(t)

	if err := st.Upsert(testRecord(t, "live", record.StatusSynced)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := st.Upsert(testRecord(t, "dead", record.StatusPendingDelete)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	visible, err := st.List(ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != "live" {
		t.Errorf("default view should hide tombstones, got %d records", len(visible))
	}

	all, err := st.List(ListOptions{IncludeTombstones: true})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 records with tombstones, got %d", len(all))
	}
}

func TestListByTag(t *testing.T) {
	st := setupTestStore(t)

	work := testRecord(t, "work-1", record.StatusSynced)
	work.Fields[record.FieldTags] = record.SetValue("work", "urgent")
	home := testRecord(t, "home-1", record.StatusSynced)
	home.Fields[record.FieldTags] = record.SetValue("home")

	for _, rec := range []*record.Record{work, home} {
		if err := st.Upsert(rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	got, err := st.List(ListOptions{Tag: "work"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "work-1" {
		t.Errorf("tag filter returned wrong records: %v", got)
	}
}

func TestPendingRecords(t *testing.T) {
	st := setupTestStore(t)

	for _, rec := range []*record.Record{
		testRecord(t, "synced-1", record.StatusSynced),
		testRecord(t, "create-1", record.StatusPendingCreate),
		testRecord(t, "update-1", record.StatusPendingUpdate),
		testRecord(t, "delete-1", record.StatusPendingDelete),
		testRecord(t, "conflict-1", record.StatusConflict),
	} {
		if err := st.Upsert(rec); err != nil {
			t.Fatalf("Upsert %s failed: %v", rec.ID, err)
		}
	}

	pending, err := st.PendingRecords()
	if err != nil {
		t.Fatalf("PendingRecords failed: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("expected 4 unsynced records, got %d", len(pending))
	}
	for _, rec := range pending {
		if rec.Status == record.StatusSynced {
			t.Errorf("synced record %s returned as pending", rec.ID)
		}
	}
}

func TestConflictSnapshotRoundTrip(t *testing.T) {
	st := setupTestStore(t)

	rec := testRecord(t, "conflicted", record.StatusConflict)
	if err := st.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := st.Get("conflicted")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ConflictSnapshot == nil {
		t.Fatal("conflict snapshot lost in round trip")
	}
	if got.ConflictSnapshot.Fields[record.FieldTitle].Text != "remote" {
		t.Error("conflict snapshot fields corrupted")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	st := setupTestStore(t)

	rec := testRecord(t, "gone", record.StatusSynced)
	if err := st.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := st.Delete("gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := st.Delete("gone"); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
	if _, err := st.Get("gone"); !errors.Is(err, ErrNotFound) {
		t.Error("record still present after delete")
	}
}

func TestRemapID(t *testing.T) {
	st := setupTestStore(t)

	tempID := record.NewLocalID()
	rec := testRecord(t, tempID, record.StatusPendingCreate)
	if err := st.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	now := time.Now()
	authoritative := rec.Clone()
	authoritative.ID = "task-100"
	authoritative.Status = record.StatusSynced
	authoritative.LastSyncedAt = &now
	authoritative.RemoteUpdatedAt = &now
	authoritative.LocalUpdatedAt = nil

	if err := st.RemapID(context.Background(), tempID, authoritative); err != nil {
		t.Fatalf("RemapID failed: %v", err)
	}

	// No duplicate under the temporary id.
	if _, err := st.Get(tempID); !errors.Is(err, ErrNotFound) {
		t.Error("temporary record still present after remap")
	}

	got, err := st.Get("task-100")
	if err != nil {
		t.Fatalf("authoritative record missing after remap: %v", err)
	}
	if got.Status != record.StatusSynced {
		t.Errorf("got status %s, want synced", got.Status)
	}

	all, err := st.List(ListOptions{IncludeTombstones: true})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly 1 record after remap, got %d", len(all))
	}
}

func TestRemapIDRejectsSameID(t *testing.T) {
	st := setupTestStore(t)

	rec := testRecord(t, "task-1", record.StatusSynced)
	if err := st.RemapID(context.Background(), "task-1", rec); err == nil {
		t.Error("expected error remapping an id onto itself")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	st := setupTestStore(t)

	// Fresh store has a zero cursor.
	c, err := st.LoadCursor()
	if err != nil {
		t.Fatalf("LoadCursor failed: %v", err)
	}
	if c.LastPullAt != nil || c.LastPushAt != nil {
		t.Error("fresh store should have a zero cursor")
	}

	pullAt := time.Now().Add(-time.Minute).UTC()
	pushAt := time.Now().UTC()
	if err := st.SaveCursor(Cursor{LastPullAt: &pullAt, LastPushAt: &pushAt}); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}

	got, err := st.LoadCursor()
	if err != nil {
		t.Fatalf("LoadCursor failed: %v", err)
	}
	if got.LastPullAt == nil || !got.LastPullAt.Equal(pullAt) {
		t.Error("pull time lost in round trip")
	}
	if got.LastPushAt == nil || !got.LastPushAt.Equal(pushAt) {
		t.Error("push time lost in round trip")
	}

	// Saving again overwrites the singleton row.
	later := pushAt.Add(time.Hour)
	if err := st.SaveCursor(Cursor{LastPullAt: &later}); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}
	got, err = st.LoadCursor()
	if err != nil {
		t.Fatalf("LoadCursor failed: %v", err)
	}
	if got.LastPushAt != nil {
		t.Error("overwritten cursor should drop push time")
	}
}

func TestCounts(t *testing.T) {
	st := setupTestStore(t)

	for _, rec := range []*record.Record{
		testRecord(t, "a", record.StatusSynced),
		testRecord(t, "b", record.StatusSynced),
		testRecord(t, "c", record.StatusPendingUpdate),
	} {
		if err := st.Upsert(rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	counts, err := st.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[record.StatusSynced] != 2 {
		t.Errorf("expected 2 synced, got %d", counts[record.StatusSynced])
	}
	if counts[record.StatusPendingUpdate] != 1 {
		t.Errorf("expected 1 pending_update, got %d", counts[record.StatusPendingUpdate])
	}
}
