package record

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestValidateRequiresID(t *testing.T) {
	r := &Record{Status: StatusSynced}
	if err := r.Validate(); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestValidateConflictSnapshotInvariant(t *testing.T) {
	snap := &RemoteSnapshot{ID: "r1", UpdatedAt: time.Now()}

	tests := []struct {
		name    string
		status  SyncStatus
		snap    *RemoteSnapshot
		wantErr bool
	}{
		{"conflict with snapshot", StatusConflict, snap, false},
		{"conflict without snapshot", StatusConflict, nil, true},
		{"synced with snapshot", StatusSynced, snap, true},
		{"synced without snapshot", StatusSynced, nil, false},
		{"pending with snapshot", StatusPendingUpdate, snap, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{ID: "r1", Status: tt.status, ConflictSnapshot: tt.snap}
			err := r.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRejectsUnknownStatus(t *testing.T) {
	r := &Record{ID: "r1", Status: SyncStatus("bogus")}
	if err := r.Validate(); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestLocalIDs(t *testing.T) {
	id := NewLocalID()
	if !IsLocalID(id) {
		t.Errorf("NewLocalID returned %q, not recognized as local", id)
	}
	if IsLocalID("task-42") {
		t.Error("remote-style id misclassified as local")
	}
	if other := NewLocalID(); other == id {
		t.Error("local ids must be unique")
	}
}

func TestStatusPending(t *testing.T) {
	pending := []SyncStatus{StatusPendingCreate, StatusPendingUpdate, StatusPendingDelete}
	for _, s := range pending {
		if !s.Pending() {
			t.Errorf("%s should be pending", s)
		}
	}
	for _, s := range []SyncStatus{StatusSynced, StatusConflict} {
		if s.Pending() {
			t.Errorf("%s should not be pending", s)
		}
	}
}

func TestSetValueNormalization(t *testing.T) {
	v := SetValue("work", "urgent", "work")
	want := []string{"urgent", "work"}
	if len(v.Set) != len(want) {
		t.Fatalf("got %v, want %v", v.Set, want)
	}
	for i := range want {
		if v.Set[i] != want[i] {
			t.Errorf("got %v, want %v", v.Set, want)
		}
	}
}

func TestValueUnion(t *testing.T) {
	a := SetValue("work", "urgent")
	b := SetValue("work", "review")

	merged, err := a.Union(b)
	if err != nil {
		t.Fatalf("Union failed: %v", err)
	}

	want := SetValue("work", "urgent", "review")
	if !merged.Equal(want) {
		t.Errorf("got %v, want %v", merged.Set, want.Set)
	}

	if _, err := a.Union(TextValue("nope")); err == nil {
		t.Error("expected error for union with non-set value")
	}
}

func TestValueJSONOmitsUnsetTime(t *testing.T) {
	data, err := json.Marshal(TextValue("groceries"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "time") {
		t.Errorf("text value serialized a time payload: %s", data)
	}

	var round Value
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !round.Equal(TextValue("groceries")) {
		t.Errorf("got %+v after round trip", round)
	}

	data, err = json.Marshal(DateValue(time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), "2026-03-09") {
		t.Errorf("date value lost its time payload: %s", data)
	}
}

func TestFieldsApplyDoesNotMutateReceiver(t *testing.T) {
	base := Fields{FieldTitle: TextValue("before")}
	out := base.Apply(Fields{FieldTitle: TextValue("after")})

	if base[FieldTitle].Text != "before" {
		t.Error("Apply mutated the receiver")
	}
	if out[FieldTitle].Text != "after" {
		t.Error("Apply did not apply the diff")
	}
}

func TestFieldsEqual(t *testing.T) {
	a := Fields{
		FieldTitle: TextValue("buy milk"),
		FieldTags:  SetValue("errand"),
	}
	b := Fields{
		FieldTitle: TextValue("buy milk"),
		FieldTags:  SetValue("errand"),
	}
	if !a.Equal(b) {
		t.Error("identical field maps should be equal")
	}

	b[FieldTags] = SetValue("errand", "urgent")
	if a.Equal(b) {
		t.Error("differing field maps should not be equal")
	}
}

func TestFromSnapshot(t *testing.T) {
	now := time.Now()
	snap := RemoteSnapshot{
		ID:        "task-7",
		Fields:    Fields{FieldTitle: TextValue("water plants")},
		UpdatedAt: now.Add(-time.Hour),
	}

	r := FromSnapshot(snap, now)
	if r.Status != StatusSynced {
		t.Errorf("expected synced, got %s", r.Status)
	}
	if r.RemoteUpdatedAt == nil || !r.RemoteUpdatedAt.Equal(snap.UpdatedAt) {
		t.Error("remote timestamp not carried over")
	}
	if err := r.Validate(); err != nil {
		t.Errorf("snapshot-built record invalid: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	r := &Record{
		ID:             "r1",
		Fields:         Fields{FieldTags: SetValue("a")},
		LocalUpdatedAt: &now,
		Status:         StatusPendingUpdate,
	}

	c := r.Clone()
	c.Fields[FieldTags] = SetValue("a", "b")
	*c.LocalUpdatedAt = now.Add(time.Hour)

	if len(r.Fields[FieldTags].Set) != 1 {
		t.Error("clone shares field storage with original")
	}
	if !r.LocalUpdatedAt.Equal(now) {
		t.Error("clone shares timestamp storage with original")
	}
}
