package engine

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/tidemark-app/tidemark/internal/netmon"
)

// SchedulerConfig holds tunables for the background scheduler.
type SchedulerConfig struct {
	// Interval is the fixed sync period while the app is foregrounded.
	Interval time.Duration

	// Logger for scheduler activity. Nil gets a default writing to stderr.
	Logger *log.Logger
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval: 5 * time.Minute,
		Logger:   log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Scheduler triggers sync runs on the engine's behalf: on a fixed
// interval, on foreground transitions, when connectivity is restored,
// and on best-effort nudges after local mutations.
//
// Every trigger goes through the engine's freshness guard, so bursts of
// triggers collapse into a bounded number of actual pulls.
type Scheduler struct {
	engine *Engine
	signal *netmon.Signal
	config *SchedulerConfig

	nudges chan struct{}
}

// NewScheduler creates a scheduler driving the given engine.
//
// The signal may be nil, in which case connectivity-restored triggers
// are disabled. If config is nil, DefaultSchedulerConfig is used.
func NewScheduler(e *Engine, signal *netmon.Signal, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		engine: e,
		signal: signal,
		config: config,
		nudges: make(chan struct{}, 1),
	}
}

// Nudge requests a best-effort sync soon, typically right after a local
// mutation. It never blocks: if a nudge is already queued this one
// coalesces with it. The mutation that triggered the nudge has already
// succeeded locally regardless of what the sync does.
func (s *Scheduler) Nudge() {
	select {
	case s.nudges <- struct{}{}:
	default:
	}
}

// Foreground triggers a sync for an app-foreground transition.
func (s *Scheduler) Foreground() {
	s.Nudge()
}

// Run drives the engine until ctx is cancelled. It syncs once at
// startup, then on every trigger.
func (s *Scheduler) Run(ctx context.Context) {
	var connectivity <-chan bool
	if s.signal != nil {
		ch, cancel := s.signal.Subscribe()
		defer cancel()
		connectivity = ch
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sync(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.sync(ctx, "interval")

		case online := <-connectivity:
			if online {
				s.sync(ctx, "connectivity restored")
			}

		case <-s.nudges:
			s.sync(ctx, "nudge")
		}
	}
}

func (s *Scheduler) sync(ctx context.Context, reason string) {
	if s.signal != nil && !s.signal.Online() {
		s.config.Logger.Printf("skipping sync (%s): offline", reason)
		return
	}

	if _, err := s.engine.Sync(ctx, Options{}); err != nil {
		s.config.Logger.Printf("sync (%s) failed: %v", reason, err)
	}
}
