package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidemark-app/tidemark/internal/record"
)

// Stub is an in-memory Gateway used by tests and by offline demos.
//
// It behaves like a well-formed remote store: creates assign sequential
// authoritative ids, updates bump updated_at, deletes are idempotent.
// Failures can be scripted per record id via FailWith.
type Stub struct {
	mu      sync.Mutex
	records map[string]record.RemoteSnapshot
	nextID  int
	now     func() time.Time

	// failures maps record id (or "" for collection-level ops) to the
	// error every matching call should return.
	failures map[string]error

	// Calls counts gateway invocations by operation name.
	Calls map[string]int
}

// NewStub creates an empty stub gateway.
func NewStub() *Stub {
	return &Stub{
		records:  make(map[string]record.RemoteSnapshot),
		failures: make(map[string]error),
		Calls:    make(map[string]int),
		now:      time.Now,
	}
}

// SetClock overrides the stub's clock.
func (s *Stub) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Seed inserts a snapshot directly into the stub's remote state.
func (s *Stub) Seed(snap record.RemoteSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[snap.ID] = snap
}

// FailWith scripts an error for operations targeting the given id.
// Use id "" to fail collection-level fetches. Pass nil to clear.
func (s *Stub) FailWith(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, id)
		return
	}
	s.failures[id] = err
}

// Snapshot returns the stub's current view of a record.
func (s *Stub) Snapshot(id string) (record.RemoteSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.records[id]
	return snap, ok
}

// Len returns the number of remote records.
func (s *Stub) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// FetchAll implements Gateway.FetchAll.
func (s *Stub) FetchAll(ctx context.Context) ([]record.RemoteSnapshot, error) {
	return s.fetch("fetch_all", time.Time{})
}

// FetchSince implements Gateway.FetchSince.
func (s *Stub) FetchSince(ctx context.Context, since time.Time) ([]record.RemoteSnapshot, error) {
	return s.fetch("fetch_since", since)
}

func (s *Stub) fetch(op string, since time.Time) ([]record.RemoteSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls[op]++

	if err := s.failures[""]; err != nil {
		return nil, err
	}

	var out []record.RemoteSnapshot
	for _, snap := range s.records {
		if !since.IsZero() && snap.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, cloneSnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create implements Gateway.Create.
func (s *Stub) Create(ctx context.Context, fields record.Fields) (record.RemoteSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["create"]++

	if err := s.failures[""]; err != nil {
		return record.RemoteSnapshot{}, err
	}

	s.nextID++
	snap := record.RemoteSnapshot{
		ID:        fmt.Sprintf("task-%d", s.nextID),
		Fields:    fields.Clone(),
		UpdatedAt: s.now(),
	}
	s.records[snap.ID] = snap
	return cloneSnapshot(snap), nil
}

// Update implements Gateway.Update.
func (s *Stub) Update(ctx context.Context, id string, diff record.Fields) (record.RemoteSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["update"]++

	if err := s.failures[id]; err != nil {
		return record.RemoteSnapshot{}, err
	}

	snap, ok := s.records[id]
	if !ok {
		return record.RemoteSnapshot{}, &RemoteError{Op: "update", ID: id, Class: Permanent, Status: 404, Err: fmt.Errorf("no such record")}
	}

	snap.Fields = snap.Fields.Apply(diff)
	snap.UpdatedAt = s.now()
	s.records[id] = snap
	return cloneSnapshot(snap), nil
}

// Delete implements Gateway.Delete.
func (s *Stub) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["delete"]++

	if err := s.failures[id]; err != nil {
		return err
	}

	delete(s.records, id)
	return nil
}

func cloneSnapshot(snap record.RemoteSnapshot) record.RemoteSnapshot {
	snap.Fields = snap.Fields.Clone()
	return snap
}
