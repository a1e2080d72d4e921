// Package inbox watches a drop folder for record files.
//
// Any *.json file dropped into the folder is parsed as a portable
// record entry and applied as a local create mutation. Files are moved
// to a processed/ subfolder on success and rejected/ on failure, so
// the folder itself always shows only work still to do. Editors write
// in bursts, so events are debounced per file before the file is read.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tidemark-app/tidemark/internal/export"
)

// DefaultDebounce is how long a file must be quiet before it is read.
const DefaultDebounce = 500 * time.Millisecond

const (
	processedDir = "processed"
	rejectedDir  = "rejected"
)

// Config holds tunables for the inbox watcher.
type Config struct {
	// Dir is the drop folder to watch. Created if missing.
	Dir string

	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration

	// Logger for inbox activity. Nil gets a default writing to stderr.
	Logger *log.Logger
}

// Watcher ingests dropped record files.
type Watcher struct {
	config  Config
	creator export.Creator

	watcher *fsnotify.Watcher
	due     chan string
	done    chan struct{} // closed when Run exits; unblocks debounce timers

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates an inbox watcher feeding parsed entries to creator.
func New(config Config, creator export.Creator) (*Watcher, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("inbox directory is required")
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[inbox] ", log.LstdFlags)
	}

	for _, dir := range []string{config.Dir, filepath.Join(config.Dir, processedDir), filepath.Join(config.Dir, rejectedDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory %s: %w", dir, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(config.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch inbox directory %s: %w", config.Dir, err)
	}

	return &Watcher{
		config:  config,
		creator: creator,
		watcher: fsw,
		due:     make(chan string, 100),
		done:    make(chan struct{}),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Run processes the inbox until ctx is cancelled. Files already in the
// folder at startup are ingested first.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	defer close(w.done)

	if err := w.drainExisting(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.wantsEvent(event) {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.config.Logger.Printf("WARNING: watch error: %v", err)

		case path := <-w.due:
			w.ingest(path)
		}
	}
}

// drainExisting ingests files that were dropped while the watcher was
// not running.
func (w *Watcher) drainExisting() error {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.ingest(filepath.Join(w.config.Dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) wantsEvent(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".json") {
		return false
	}
	// Moves into processed/ and rejected/ show up as renames on the
	// top-level dir; only fresh content matters.
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write)
}

// schedule arms (or re-arms) the per-file debounce timer.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.config.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		// A timer that fires after Run has exited must not block on a
		// channel nobody drains anymore.
		select {
		case w.due <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}

// ingest reads one dropped file, applies it, and files it away.
func (w *Watcher) ingest(path string) {
	entry, err := readEntry(path)
	if err != nil {
		w.config.Logger.Printf("WARNING: rejecting %s: %v", filepath.Base(path), err)
		w.fileAway(path, rejectedDir)
		return
	}
	if entry.Title == "" {
		w.config.Logger.Printf("WARNING: rejecting %s: missing title", filepath.Base(path))
		w.fileAway(path, rejectedDir)
		return
	}

	if err := w.creator.CreateImported(entry.Fields()); err != nil {
		w.config.Logger.Printf("WARNING: rejecting %s: %v", filepath.Base(path), err)
		w.fileAway(path, rejectedDir)
		return
	}

	w.config.Logger.Printf("ingested %s (%s)", filepath.Base(path), entry.Title)
	w.fileAway(path, processedDir)
}

func readEntry(path string) (*export.Entry, error) {
	// #nosec G304 - path comes from the watched directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var entry export.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &entry, nil
}

// fileAway moves a processed file out of the drop folder, suffixing a
// timestamp so repeated drops of the same name never collide.
func (w *Watcher) fileAway(path, subdir string) {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	dest := filepath.Join(w.config.Dir, subdir,
		fmt.Sprintf("%s.%s.json", base, time.Now().Format("20060102-150405.000")))
	if err := os.Rename(path, dest); err != nil {
		w.config.Logger.Printf("WARNING: failed to move %s: %v", filepath.Base(path), err)
	}
}
