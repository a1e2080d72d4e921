package inbox

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidemark-app/tidemark/internal/export"
	"github.com/tidemark-app/tidemark/internal/record"
)

func setupWatcher(t *testing.T) (string, chan record.Fields) {
	t.Helper()
	dir := t.TempDir()
	created := make(chan record.Fields, 10)

	w, err := New(Config{
		Dir:      dir,
		Debounce: 10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	}, export.CreatorFunc(func(fields record.Fields) error {
		created <- fields
		return nil
	}))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return dir, created
}

func dropFile(t *testing.T, dir, name, content string) {
	t.Helper()
	// Write-then-rename mirrors how editors save, and guarantees the
	// watcher never reads a half-written file.
	tmp := filepath.Join(dir, name+".part")
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write drop file: %v", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		t.Fatalf("failed to rename drop file: %v", err)
	}
}

func waitForFields(t *testing.T, created chan record.Fields) record.Fields {
	t.Helper()
	select {
	case fields := <-created:
		return fields
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ingest")
		return nil
	}
}

func waitForFile(t *testing.T, dir string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) > 0 {
			return entries[0].Name()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a file in %s", dir)
	return ""
}

func TestDroppedFileIsIngested(t *testing.T) {
	dir, created := setupWatcher(t)

	dropFile(t, dir, "task.json", `{"title":"call dentist","tags":["health"]}`)

	fields := waitForFields(t, created)
	if fields[record.FieldTitle].Text != "call dentist" {
		t.Errorf("expected title ingested, got %v", fields[record.FieldTitle])
	}
	if got := fields[record.FieldTags].Set; len(got) != 1 || got[0] != "health" {
		t.Errorf("expected tags ingested, got %v", got)
	}

	name := waitForFile(t, filepath.Join(dir, processedDir))
	if name == "" {
		t.Error("expected file moved to processed/")
	}
}

func TestInvalidFileIsRejected(t *testing.T) {
	dir, created := setupWatcher(t)

	dropFile(t, dir, "broken.json", `{not json`)

	name := waitForFile(t, filepath.Join(dir, rejectedDir))
	if name == "" {
		t.Error("expected file moved to rejected/")
	}
	select {
	case fields := <-created:
		t.Errorf("expected no record created, got %v", fields)
	default:
	}
}

func TestMissingTitleIsRejected(t *testing.T) {
	dir, created := setupWatcher(t)

	dropFile(t, dir, "untitled.json", `{"notes":"no title here"}`)

	waitForFile(t, filepath.Join(dir, rejectedDir))
	select {
	case fields := <-created:
		t.Errorf("expected no record created, got %v", fields)
	default:
	}
}

func TestNonJSONFileIgnored(t *testing.T) {
	dir, created := setupWatcher(t)

	dropFile(t, dir, "notes.txt", "not a record")

	time.Sleep(100 * time.Millisecond)
	select {
	case fields := <-created:
		t.Errorf("expected no record created, got %v", fields)
	default:
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("expected non-json file left in place: %v", err)
	}
}

func TestDebounceTimerReleasedAfterShutdown(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{
		Dir:      dir,
		Debounce: 20 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	}, export.CreatorFunc(func(record.Fields) error { return nil }))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	cancel()
	<-done

	// Saturate the delivery channel, then fire a timer after shutdown.
	// Its callback must give up instead of parking on the send forever.
	for i := 0; i < cap(w.due); i++ {
		w.due <- "filler.json"
	}
	w.schedule(filepath.Join(dir, "late.json"))
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < cap(w.due); i++ {
		<-w.due
	}
	select {
	case path := <-w.due:
		t.Errorf("timer delivered %s after shutdown", path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestExistingFilesDrainedAtStartup(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "early.json"), []byte(`{"title":"dropped while offline"}`), 0600); err != nil {
		t.Fatalf("failed to seed drop file: %v", err)
	}

	created := make(chan record.Fields, 10)
	w, err := New(Config{
		Dir:      dir,
		Debounce: 10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	}, export.CreatorFunc(func(fields record.Fields) error {
		created <- fields
		return nil
	}))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	fields := waitForFields(t, created)
	if fields[record.FieldTitle].Text != "dropped while offline" {
		t.Errorf("expected startup drain to ingest file, got %v", fields)
	}
}
