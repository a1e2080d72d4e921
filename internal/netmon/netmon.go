// Package netmon reports network availability transitions to the sync
// engine.
//
// The signal is level-triggered: subscribers receive the current
// connected/disconnected level on every change, and a slow subscriber
// is caught up with the latest level rather than a backlog. The
// disconnected-to-connected transition is never dropped, since that
// edge is what triggers an opportunistic sync.
//
// Two sources feed the signal: the Prober, which periodically probes
// the remote server over HTTP, and manual Set calls (used by tests and
// by callers that learn about connectivity some other way).
package netmon

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Signal is a level-triggered connectivity indicator with fan-out.
//
// The zero value is not usable; call NewSignal.
type Signal struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewSignal creates a signal with the given initial level.
func NewSignal(online bool) *Signal {
	return &Signal{
		online: online,
		subs:   make(map[int]chan bool),
	}
}

// Online returns the current level.
func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the level and notifies subscribers on change.
// Setting the same level twice is a no-op.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return
	}
	s.online = online

	for _, ch := range s.subs {
		// Each subscriber channel holds one pending level. If the
		// subscriber hasn't consumed the previous notification, replace
		// it with the current level so the latest edge always lands.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe registers for level-change notifications. The returned
// cancel function must be called to release the subscription.
func (s *Signal) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
	return ch, cancel
}

// Prober feeds a Signal by probing the remote server on an interval.
type Prober struct {
	signal   *Signal
	url      string
	interval time.Duration
	client   *http.Client
	logger   *log.Logger
}

// DefaultProbeInterval is how often the prober checks connectivity.
const DefaultProbeInterval = 30 * time.Second

// NewProber creates a prober that probes url and updates signal.
//
// If interval is zero, DefaultProbeInterval is used. If logger is nil,
// a default logger writing to stderr is used.
func NewProber(signal *Signal, url string, interval time.Duration, logger *log.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Prober{
		signal:   signal,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run probes until ctx is cancelled. It probes once immediately so the
// signal settles quickly on startup.
func (p *Prober) Run(ctx context.Context) {
	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Printf("probe request failed: %v", err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if p.signal.Online() {
			p.logger.Printf("connectivity lost: %v", err)
		}
		p.signal.Set(false)
		return
	}
	resp.Body.Close()

	// Any response means the server is reachable; the request contract
	// handles per-call status classification.
	if !p.signal.Online() {
		p.logger.Printf("connectivity restored")
	}
	p.signal.Set(true)
}
