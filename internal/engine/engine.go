// Package engine orchestrates synchronization between the local record
// store and the remote store.
//
// A sync run moves through Idle -> Pulling -> Reconciling -> Pushing ->
// Idle. At most one run is in flight at a time; a run requested while
// one is executing is coalesced onto the in-flight run and its caller
// receives that run's result.
//
// A full sync is one pull pass followed by one push pass, in that
// order, so conflicts discovered by the pull are resolved before any
// possibly-stale local state is pushed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tidemark-app/tidemark/internal/gateway"
	"github.com/tidemark-app/tidemark/internal/record"
	"github.com/tidemark-app/tidemark/internal/resolve"
	"github.com/tidemark-app/tidemark/internal/store"
)

// State is the engine's position in the sync run state machine.
type State int

const (
	// Idle means no sync run is in flight.
	Idle State = iota
	// Pulling means the engine is fetching remote snapshots.
	Pulling
	// Reconciling means fetched snapshots are being applied and
	// conflicts resolved.
	Reconciling
	// Pushing means pending local changes are being sent to the remote.
	Pushing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pulling:
		return "pulling"
	case Reconciling:
		return "reconciling"
	case Pushing:
		return "pushing"
	default:
		return "unknown"
	}
}

// Summary aggregates the per-record outcomes of one sync run.
type Summary struct {
	PullSkipped bool // freshness guard skipped the pull

	Fetched   int // remote snapshots fetched
	Applied   int // local records created or updated by the pull
	Conflicts int // records that went through the conflict resolver

	Pushed int // pending records pushed successfully
	Failed int // pending records whose push failed

	Duration time.Duration

	// LastError is the most recent per-record failure, nil if all
	// operations succeeded.
	LastError error
}

// Config holds tunables for the engine.
type Config struct {
	// FreshnessThreshold skips a pull if the last successful pull is
	// more recent than this. Force bypasses the guard.
	FreshnessThreshold time.Duration

	// RetryAttempts is the number of tries per remote request within
	// one run. Records still failing stay pending and are retried on
	// the next scheduled run rather than looping within this one.
	RetryAttempts int

	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration

	// MaxPermanentFailures is how many consecutive permanent remote
	// rejections a record may accumulate before it is flagged as
	// needing attention and excluded from automatic pushes.
	MaxPermanentFailures int

	// Resolver decides conflicts. Nil gets a default resolver.
	Resolver *resolve.Resolver

	// Logger for engine activity. Nil gets a default writing to stderr.
	Logger *log.Logger

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FreshnessThreshold:   60 * time.Second,
		RetryAttempts:        3,
		RetryBase:            time.Second,
		MaxPermanentFailures: 3,
		Resolver:             &resolve.Resolver{},
		Logger:               log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Options controls a single sync invocation.
type Options struct {
	// Force bypasses the pull freshness guard.
	Force bool
}

// Engine coordinates pull, conflict resolution, and push.
type Engine struct {
	store  *store.Store
	gw     gateway.Gateway
	config *Config

	mu           sync.Mutex
	state        State
	waiters      []chan result
	lastSyncedAt time.Time
	lastErr      error

	listenerMu sync.Mutex
	listeners  []func(Summary)
}

type result struct {
	summary Summary
	err     error
}

// New creates an engine over the given store and gateway.
//
// The store must be opened and have its schema initialized. If config
// is nil, DefaultConfig is used.
func New(st *store.Store, gw gateway.Gateway, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Resolver == nil {
		config.Resolver = &resolve.Resolver{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:  st,
		gw:     gw,
		config: config,
	}
}

// State returns the engine's current run state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsSyncing reports whether a sync run is in flight.
func (e *Engine) IsSyncing() bool {
	return e.State() != Idle
}

// LastSyncedAt returns the completion time of the last successful run,
// zero if none has succeeded yet.
func (e *Engine) LastSyncedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncedAt
}

// LastError returns the most recent sync error, nil if the last run
// was clean.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// OnSyncComplete registers a listener invoked after every sync run with
// that run's summary. Listeners are called from the syncing goroutine
// and must not block.
func (e *Engine) OnSyncComplete(fn func(Summary)) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notify(s Summary) {
	e.listenerMu.Lock()
	listeners := append([]func(Summary){}, e.listeners...)
	e.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (e *Engine) now() time.Time {
	if e.config.Now != nil {
		return e.config.Now()
	}
	return time.Now()
}

// Sync performs a full sync: one pull pass, then one push pass.
//
// If a run is already in flight the call does not start a second one;
// it waits for the in-flight run and returns its result. A returned
// error means the run as a whole could not proceed (for example the
// pull fetch failed after retries); per-record push failures do not
// fail the run and are reported through the summary instead.
func (e *Engine) Sync(ctx context.Context, opts Options) (Summary, error) {
	e.mu.Lock()
	if e.state != Idle {
		// Coalesce onto the in-flight run.
		ch := make(chan result, 1)
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()

		select {
		case res := <-ch:
			return res.summary, res.err
		case <-ctx.Done():
			return Summary{}, ctx.Err()
		}
	}
	e.state = Pulling
	e.mu.Unlock()

	start := e.now()
	summary, err := e.run(ctx, opts)
	summary.Duration = e.now().Sub(start)

	e.mu.Lock()
	e.state = Idle
	if err != nil {
		e.lastErr = err
	} else {
		e.lastErr = summary.LastError
		e.lastSyncedAt = e.now()
	}
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- result{summary: summary, err: err}
	}

	e.notify(summary)
	return summary, err
}

// run executes the pull and push passes. The caller holds the run lock
// by virtue of having moved the state out of Idle.
func (e *Engine) run(ctx context.Context, opts Options) (Summary, error) {
	var summary Summary

	if err := e.pull(ctx, opts.Force, &summary); err != nil {
		// Without a successful pull the local view may be stale;
		// pushing on top of it would race the very conflicts the pull
		// exists to catch. Pending records stay pending for the next run.
		return summary, fmt.Errorf("pull failed: %w", err)
	}

	e.setState(Pushing)
	if err := e.push(ctx, &summary); err != nil {
		return summary, fmt.Errorf("push failed: %w", err)
	}

	e.config.Logger.Printf("sync complete: fetched=%d applied=%d conflicts=%d pushed=%d failed=%d",
		summary.Fetched, summary.Applied, summary.Conflicts, summary.Pushed, summary.Failed)
	return summary, nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// pull fetches remote snapshots and applies them to the local store.
func (e *Engine) pull(ctx context.Context, force bool, summary *Summary) error {
	cursor, err := e.store.LoadCursorContext(ctx)
	if err != nil {
		return err
	}

	now := e.now()
	if !force && cursor.LastPullAt != nil && now.Sub(*cursor.LastPullAt) < e.config.FreshnessThreshold {
		e.config.Logger.Printf("pull skipped: last pull %s ago", now.Sub(*cursor.LastPullAt).Round(time.Second))
		summary.PullSkipped = true
		return nil
	}

	var snapshots []record.RemoteSnapshot
	err = e.withRetry(ctx, func() error {
		var fetchErr error
		if cursor.LastPullAt != nil {
			snapshots, fetchErr = e.gw.FetchSince(ctx, *cursor.LastPullAt)
		} else {
			snapshots, fetchErr = e.gw.FetchAll(ctx)
		}
		return fetchErr
	})
	if err != nil {
		return err
	}
	summary.Fetched = len(snapshots)

	e.setState(Reconciling)
	for _, snap := range snapshots {
		applied, conflicted, err := e.applySnapshot(ctx, snap)
		if err != nil {
			// A storage failure for one record must not corrupt the
			// rest of the pull.
			e.config.Logger.Printf("WARNING: failed to apply remote record %s: %v", snap.ID, err)
			summary.LastError = err
			continue
		}
		if applied {
			summary.Applied++
		}
		if conflicted {
			summary.Conflicts++
		}
	}

	// Anchor the cursor at the time the fetch began, not at apply
	// completion: a remote update racing the apply loop must still fall
	// inside the next FetchSince window.
	cursor.LastPullAt = &now
	if err := e.store.SaveCursorContext(ctx, cursor); err != nil {
		return err
	}
	return nil
}

// applySnapshot reconciles one remote snapshot with the local store.
// Returns whether the local record changed and whether the conflict
// resolver was consulted.
func (e *Engine) applySnapshot(ctx context.Context, snap record.RemoteSnapshot) (applied, conflicted bool, err error) {
	local, err := e.store.GetContext(ctx, snap.ID)
	if errors.Is(err, store.ErrNotFound) {
		// New remote record: adopt as synced.
		rec := record.FromSnapshot(snap, e.now())
		if err := e.store.UpsertContext(ctx, rec); err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}

	switch {
	case local.Status == record.StatusSynced:
		// No unresolved local changes: remote overwrites.
		if local.RemoteUpdatedAt != nil && !snap.UpdatedAt.After(*local.RemoteUpdatedAt) {
			return false, false, nil // already have this version
		}
		rec := record.FromSnapshot(snap, e.now())
		if err := e.store.UpsertContext(ctx, rec); err != nil {
			return false, false, err
		}
		return true, false, nil

	case local.Status == record.StatusConflict:
		// Already awaiting manual resolution; keep the freshest remote
		// version as the competing snapshot.
		local.ConflictSnapshot = &snap
		if err := e.store.UpsertContext(ctx, local); err != nil {
			return false, false, err
		}
		return true, true, nil

	default:
		// Local pending change races a remote change: resolve.
		return e.applyResolution(ctx, local, snap)
	}
}

// applyResolution maps the resolver's decision onto record state.
func (e *Engine) applyResolution(ctx context.Context, local *record.Record, snap record.RemoteSnapshot) (applied, conflicted bool, err error) {
	res := e.config.Resolver.Resolve(local, snap)
	e.config.Logger.Printf("conflict on %s: %s", local.ID, res.Decision)

	now := e.now()
	switch res.Decision {
	case resolve.KeepLocal:
		// The local version is re-pushed. A tombstone stays a
		// tombstone so the delete still propagates.
		rec := local.Clone()
		if rec.Status != record.StatusPendingDelete {
			rec.Status = record.StatusPendingUpdate
		}
		rec.RemoteUpdatedAt = &snap.UpdatedAt
		rec.ConflictSnapshot = nil
		if err := e.store.UpsertContext(ctx, rec); err != nil {
			return false, true, err
		}
		return true, true, nil

	case resolve.KeepRemote:
		rec := record.FromSnapshot(snap, now)
		if err := e.store.UpsertContext(ctx, rec); err != nil {
			return false, true, err
		}
		return true, true, nil

	case resolve.Merge:
		rec := local.Clone()
		rec.Fields = res.Merged
		rec.RemoteUpdatedAt = &snap.UpdatedAt
		rec.ConflictSnapshot = nil
		rec.NeedsAttention = false
		rec.PermFailures = 0
		if res.Merged.Equal(snap.Fields) {
			// Merge reproduced the remote exactly; nothing to push.
			rec.Status = record.StatusSynced
			rec.LastSyncedAt = &now
			rec.LocalUpdatedAt = nil
		} else {
			// The merged result is a new local change so the combined
			// fields propagate on the next push.
			rec.Status = record.StatusPendingUpdate
			rec.LocalUpdatedAt = &now
		}
		if err := e.store.UpsertContext(ctx, rec); err != nil {
			return false, true, err
		}
		return true, true, nil

	case resolve.Defer:
		rec := local.Clone()
		rec.Status = record.StatusConflict
		rec.ConflictSnapshot = &snap
		if err := e.store.UpsertContext(ctx, rec); err != nil {
			return false, true, err
		}
		return true, true, nil

	default:
		return false, true, fmt.Errorf("unknown resolution %v for record %s", res.Decision, local.ID)
	}
}

// push sends every eligible pending record to the remote. Per-record
// failures are independent: one failed record never aborts the batch.
func (e *Engine) push(ctx context.Context, summary *Summary) error {
	pending, err := e.store.PendingRecordsContext(ctx)
	if err != nil {
		return err
	}

	for _, rec := range pending {
		if rec.Status == record.StatusConflict {
			continue // requires explicit resolution first
		}
		if rec.NeedsAttention {
			continue // excluded until the user edits it again
		}

		if err := e.pushRecord(ctx, rec); err != nil {
			summary.Failed++
			summary.LastError = err
			e.config.Logger.Printf("WARNING: push failed for %s: %v", rec.ID, err)
			e.recordPushFailure(ctx, rec, err)
			continue
		}
		summary.Pushed++
	}

	cursor, err := e.store.LoadCursorContext(ctx)
	if err != nil {
		return err
	}
	pushedAt := e.now()
	cursor.LastPushAt = &pushedAt
	return e.store.SaveCursorContext(ctx, cursor)
}

// pushRecord issues the create/update/delete matching the record's
// pending status and applies the success transition.
func (e *Engine) pushRecord(ctx context.Context, rec *record.Record) error {
	switch rec.Status {
	case record.StatusPendingCreate:
		var snap record.RemoteSnapshot
		err := e.withRetry(ctx, func() error {
			var createErr error
			snap, createErr = e.gw.Create(ctx, rec.Fields)
			return createErr
		})
		if err != nil {
			return err
		}
		return e.finishCreate(ctx, rec, snap)

	case record.StatusPendingUpdate:
		var snap record.RemoteSnapshot
		err := e.withRetry(ctx, func() error {
			var updateErr error
			snap, updateErr = e.gw.Update(ctx, rec.ID, rec.Fields)
			return updateErr
		})
		if err != nil {
			return err
		}
		return e.finishUpdate(ctx, rec, snap)

	case record.StatusPendingDelete:
		err := e.withRetry(ctx, func() error {
			return e.gw.Delete(ctx, rec.ID)
		})
		if err != nil {
			return err
		}
		// Deletion confirmed: the tombstone can finally go.
		return e.store.DeleteContext(ctx, rec.ID)

	default:
		return fmt.Errorf("record %s has non-pushable status %s", rec.ID, rec.Status)
	}
}

// finishCreate applies the success transition after a create push. The
// record may have been edited or deleted while the request was in
// flight; re-read it and preserve any change newer than the version
// that was pushed.
func (e *Engine) finishCreate(ctx context.Context, pushed *record.Record, snap record.RemoteSnapshot) error {
	now := e.now()

	current, err := e.store.GetContext(ctx, pushed.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted while the create was in flight. The remote now has a
		// copy the user never wanted, so record a tombstone under the
		// authoritative id and let the next push delete it.
		tomb := &record.Record{
			ID:              snap.ID,
			Fields:          snap.Fields.Clone(),
			LocalUpdatedAt:  &now,
			RemoteUpdatedAt: &snap.UpdatedAt,
			Status:          record.StatusPendingDelete,
		}
		return e.store.UpsertContext(ctx, tomb)
	}
	if err != nil {
		return err
	}

	if !sameTime(current.LocalUpdatedAt, pushed.LocalUpdatedAt) || current.Status != pushed.Status {
		// Edited mid-flight: adopt the authoritative id but keep the
		// newer local fields pending so they propagate next run.
		kept := current.Clone()
		kept.RemoteUpdatedAt = &snap.UpdatedAt
		kept.PermFailures = 0
		if kept.Status == record.StatusPendingCreate {
			kept.Status = record.StatusPendingUpdate
		}
		if pushed.ID == snap.ID {
			return e.store.UpsertContext(ctx, kept)
		}
		kept.ID = snap.ID
		return e.store.RemapID(ctx, pushed.ID, kept)
	}

	synced := record.FromSnapshot(snap, now)
	if pushed.ID == snap.ID {
		return e.store.UpsertContext(ctx, synced)
	}
	// Swap the temporary local id for the authoritative one in a
	// single store transaction.
	return e.store.RemapID(ctx, pushed.ID, synced)
}

// finishUpdate applies the success transition after an update push,
// with the same mid-flight guard as finishCreate.
func (e *Engine) finishUpdate(ctx context.Context, pushed *record.Record, snap record.RemoteSnapshot) error {
	current, err := e.store.GetContext(ctx, pushed.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Row already gone; nothing left to transition.
		return nil
	}
	if err != nil {
		return err
	}

	if !sameTime(current.LocalUpdatedAt, pushed.LocalUpdatedAt) || current.Status != pushed.Status {
		// Edited or deleted mid-flight: the newer local change stays
		// pending, it only gains the remote timestamp the push
		// established.
		kept := current.Clone()
		kept.RemoteUpdatedAt = &snap.UpdatedAt
		kept.PermFailures = 0
		return e.store.UpsertContext(ctx, kept)
	}

	return e.store.UpsertContext(ctx, record.FromSnapshot(snap, e.now()))
}

// sameTime reports whether two optional timestamps denote the same
// instant, treating nil as equal only to nil.
func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// recordPushFailure tracks consecutive permanent failures on the record
// itself and flags it as needing attention once the bound is hit, so
// the bound survives process restarts. Transient failures leave the
// record untouched for the next run.
func (e *Engine) recordPushFailure(ctx context.Context, rec *record.Record, pushErr error) {
	if !gateway.IsPermanent(pushErr) {
		return
	}

	failed := rec.Clone()
	failed.PermFailures++
	if failed.PermFailures >= e.config.MaxPermanentFailures {
		failed.NeedsAttention = true
	}
	if err := e.store.UpsertContext(ctx, failed); err != nil {
		e.config.Logger.Printf("WARNING: failed to flag record %s: %v", rec.ID, err)
	}
}

// withRetry runs fn with exponential backoff. Permanent errors abort
// immediately; transient errors are retried up to RetryAttempts times
// within this run.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := e.config.RetryBase

	for attempt := 0; attempt < e.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if gateway.IsPermanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
