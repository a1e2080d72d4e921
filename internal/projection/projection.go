// Package projection exposes the live, locally-merged view of records
// to the presentation layer.
//
// Reads come straight from the local store and never touch the network.
// Mutations are optimistic: they are applied to the store synchronously
// (the caller sees its own edit immediately) and a best-effort sync
// nudge follows. A failed push never rolls a mutation back; the record
// simply stays pending until a later run succeeds.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tidemark-app/tidemark/internal/engine"
	"github.com/tidemark-app/tidemark/internal/record"
	"github.com/tidemark-app/tidemark/internal/resolve"
	"github.com/tidemark-app/tidemark/internal/store"
)

// ErrRecordDeleted is returned when mutating a record that is already
// tombstoned.
var ErrRecordDeleted = errors.New("record is pending deletion")

// Filter selects which records an observer sees. The zero value is the
// default view: every record except tombstones.
type Filter struct {
	// Tag restricts the view to records carrying the tag.
	Tag string
	// Status restricts the view to a single sync status.
	Status record.SyncStatus
	// Limit caps the number of records (0 = no limit).
	Limit int
}

func (f Filter) listOptions() store.ListOptions {
	return store.ListOptions{
		Tag:    f.Tag,
		Status: f.Status,
		Limit:  f.Limit,
	}
}

// Projection is the presentation layer's only entry point into the
// sync core.
type Projection struct {
	store  *store.Store
	engine *engine.Engine
	nudge  func()
	logger *log.Logger

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	filter Filter
	ch     chan []*record.Record

	// sendMu serializes the drain-then-send so two concurrent
	// broadcasts cannot both drain and then both send, blocking one of
	// them on the 1-buffered channel.
	sendMu sync.Mutex
}

// New creates a projection over the given store and engine.
//
// nudge is called after every successful mutation to request a
// best-effort background sync; nil disables the nudge (useful for
// offline-only use and tests). If logger is nil, a default logger
// writing to stderr is used.
func New(st *store.Store, e *engine.Engine, nudge func(), logger *log.Logger) *Projection {
	if logger == nil {
		logger = log.New(os.Stderr, "[projection] ", log.LstdFlags)
	}
	p := &Projection{
		store:  st,
		engine: e,
		nudge:  nudge,
		logger: logger,
		subs:   make(map[int]*subscription),
	}
	if e != nil {
		// Sync runs mutate the store behind the projection's back;
		// refresh observers when one completes.
		e.OnSyncComplete(func(engine.Summary) { p.broadcast() })
	}
	return p
}

// Observe returns the current records matching the filter plus a live
// channel that carries a fresh result set after every store mutation.
//
// The channel holds the latest result only: a slow observer skips
// intermediate states rather than accumulating a backlog. The cancel
// function must be called to release the subscription.
func (p *Projection) Observe(filter Filter) ([]*record.Record, <-chan []*record.Record, func(), error) {
	snapshot, err := p.store.List(filter.listOptions())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read initial view: %w", err)
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	sub := &subscription{filter: filter, ch: make(chan []*record.Record, 1)}
	p.subs[id] = sub
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
	return snapshot, sub.ch, cancel, nil
}

// broadcast recomputes every subscriber's view and delivers it,
// replacing any undelivered previous result.
func (p *Projection) broadcast() {
	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		records, err := p.store.List(sub.filter.listOptions())
		if err != nil {
			p.logger.Printf("WARNING: failed to refresh observer: %v", err)
			continue
		}
		sub.sendMu.Lock()
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- records
		sub.sendMu.Unlock()
	}
}

// Get returns a single record by id. Tombstoned records are returned;
// callers that want the default view semantics should check the status.
func (p *Projection) Get(ctx context.Context, id string) (*record.Record, error) {
	return p.store.GetContext(ctx, id)
}

// Create adds a new record with the given fields. The record is
// immediately visible to observers with a temporary local id and
// status pending_create.
func (p *Projection) Create(ctx context.Context, fields record.Fields) (*record.Record, error) {
	now := time.Now()
	rec := &record.Record{
		ID:             record.NewLocalID(),
		Fields:         fields.Clone(),
		LocalUpdatedAt: &now,
		Status:         record.StatusPendingCreate,
	}
	if rec.Fields == nil {
		rec.Fields = record.Fields{}
	}

	if err := p.store.UpsertContext(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}

	p.afterMutation()
	return rec, nil
}

// Update applies a field diff to a record. The edit is visible
// immediately; the record becomes (or stays) pending until pushed.
func (p *Projection) Update(ctx context.Context, id string, diff record.Fields) (*record.Record, error) {
	rec, err := p.store.GetContext(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == record.StatusPendingDelete {
		return nil, fmt.Errorf("%w: %s", ErrRecordDeleted, id)
	}

	now := time.Now()
	out := rec.Clone()
	out.Fields = out.Fields.Apply(diff)
	out.LocalUpdatedAt = &now
	// An edit is a fresh signal of user intent; a previously rejected
	// record becomes pushable again with a clean failure count.
	out.NeedsAttention = false
	out.PermFailures = 0

	switch rec.Status {
	case record.StatusSynced:
		out.Status = record.StatusPendingUpdate
	case record.StatusConflict:
		// The conflict still needs explicit resolution; the edit only
		// changes which local content that resolution will see.
	default:
		// pending_create and pending_update keep their status.
	}

	if err := p.store.UpsertContext(ctx, out); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}

	p.afterMutation()
	return out, nil
}

// Complete marks a record's status field done. It is a specialized
// Update.
func (p *Projection) Complete(ctx context.Context, id string) (*record.Record, error) {
	return p.Update(ctx, id, record.Fields{
		record.FieldStatus: record.EnumValue(record.StatusDone),
	})
}

// Delete removes a record from the default view.
//
// A record the remote already knows becomes a tombstone and is pushed
// as a delete on the next sync. A record that was never pushed is
// removed outright; the remote never hears about it.
func (p *Projection) Delete(ctx context.Context, id string) error {
	rec, err := p.store.GetContext(ctx, id)
	if err != nil {
		return err
	}

	if rec.Status == record.StatusPendingCreate {
		if err := p.store.DeleteContext(ctx, id); err != nil {
			return fmt.Errorf("failed to discard local record: %w", err)
		}
		p.afterMutation()
		return nil
	}

	now := time.Now()
	out := rec.Clone()
	out.Status = record.StatusPendingDelete
	out.LocalUpdatedAt = &now
	out.ConflictSnapshot = nil
	out.NeedsAttention = false
	out.PermFailures = 0

	if err := p.store.UpsertContext(ctx, out); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	p.afterMutation()
	return nil
}

// afterMutation refreshes observers and requests a best-effort sync.
// The mutation has already succeeded locally; whatever the sync does
// cannot affect the caller.
func (p *Projection) afterMutation() {
	p.broadcast()
	if p.nudge != nil {
		p.nudge()
	}
}

// ResolveConflict applies an explicit user decision to a conflicted
// record and refreshes observers.
func (p *Projection) ResolveConflict(ctx context.Context, id string, decision resolve.Decision) error {
	if p.engine == nil {
		return fmt.Errorf("conflict resolution requires a configured remote")
	}
	if err := p.engine.ResolveConflict(ctx, id, decision); err != nil {
		return err
	}
	p.afterMutation()
	return nil
}

// IsSyncing reports whether a sync run is in flight.
func (p *Projection) IsSyncing() bool {
	if p.engine == nil {
		return false
	}
	return p.engine.IsSyncing()
}

// HasPendingChanges reports whether any local change awaits pushing.
func (p *Projection) HasPendingChanges() (bool, error) {
	counts, err := p.store.Counts()
	if err != nil {
		return false, err
	}
	for status, n := range counts {
		if status != record.StatusSynced && n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// LastSyncedAt returns the completion time of the last successful sync.
func (p *Projection) LastSyncedAt() time.Time {
	if p.engine == nil {
		return time.Time{}
	}
	return p.engine.LastSyncedAt()
}

// LastSyncError returns the most recent sync error, nil if the last
// run was clean.
func (p *Projection) LastSyncError() error {
	if p.engine == nil {
		return nil
	}
	return p.engine.LastError()
}
