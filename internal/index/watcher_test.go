package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/IBazylchuk/paparats-mcp-sub000/internal/enumerate"
)

type eventRecorder struct {
	mu      sync.Mutex
	changed []string
	deleted []string
	fail    bool
}

func (r *eventRecorder) onChanged(ctx context.Context, rel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("simulated failure")
	}
	r.changed = append(r.changed, rel)
	return nil
}

func (r *eventRecorder) onDeleted(ctx context.Context, rel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, rel)
	return nil
}

func (r *eventRecorder) changedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changed)
}

func (r *eventRecorder) deletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deleted)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func newTestWatcher(t *testing.T, root string, rec *eventRecorder) *Watcher {
	t.Helper()
	matcher := enumerate.New(root, enumerate.Options{Includes: []string{"**/*.txt"}}, nil)
	w := NewWatcher("g", "p1", root, matcher, 50*time.Millisecond, 20*time.Millisecond, Callbacks{
		OnFileChanged: rec.onChanged,
		OnFileDeleted: rec.onDeleted,
	}, nil)
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherChangeAndDelete(t *testing.T) {
	root := t.TempDir()
	rec := &eventRecorder{}
	w := newTestWatcher(t, root, rec)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	target := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 3*time.Second, func() bool { return rec.changedCount() >= 1 }) {
		t.Fatal("change callback never fired")
	}
	rec.mu.Lock()
	got := rec.changed[0]
	rec.mu.Unlock()
	if got != "notes.txt" {
		t.Errorf("callback path = %q, want notes.txt", got)
	}

	if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 3*time.Second, func() bool { return rec.deletedCount() >= 1 }) {
		t.Fatal("delete callback never fired")
	}

	stats := w.Stats()
	if stats.EventsProcessed < 2 {
		t.Errorf("events_processed = %d, want >= 2", stats.EventsProcessed)
	}
}

func TestWatcherIgnoresUnmatchedFiles(t *testing.T) {
	root := t.TempDir()
	rec := &eventRecorder{}
	w := newTestWatcher(t, root, rec)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "image.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if rec.changedCount() != 0 {
		t.Errorf("unmatched file triggered %d callbacks", rec.changedCount())
	}
}

func TestWatcherCoalescesBursts(t *testing.T) {
	root := t.TempDir()
	rec := &eventRecorder{}
	w := newTestWatcher(t, root, rec)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	target := filepath.Join(root, "burst.txt")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(target, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !waitFor(t, 3*time.Second, func() bool { return rec.changedCount() >= 1 }) {
		t.Fatal("no callback after burst")
	}
	// Let any stray timers drain, then confirm the burst coalesced.
	time.Sleep(500 * time.Millisecond)
	if got := rec.changedCount(); got > 2 {
		t.Errorf("burst produced %d callbacks, want coalesced", got)
	}
}

func TestWatcherRecordsFailures(t *testing.T) {
	root := t.TempDir()
	rec := &eventRecorder{fail: true}
	w := newTestWatcher(t, root, rec)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "bad.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 3*time.Second, func() bool {
		s := w.Stats()
		return s.ErrorCount >= 1 && len(s.FailedFiles) == 1
	}) {
		t.Fatalf("failure not recorded: %+v", w.Stats())
	}
	if got := w.Stats().FailedFiles[0]; got != "bad.txt" {
		t.Errorf("failed file = %q, want bad.txt", got)
	}
}

func TestWatcherMissingRoot(t *testing.T) {
	rec := &eventRecorder{}
	matcher := enumerate.New("/nonexistent/path", enumerate.Options{Includes: []string{"**/*.txt"}}, nil)
	w := NewWatcher("g", "p1", "/nonexistent/path", matcher, 50*time.Millisecond, 20*time.Millisecond, Callbacks{
		OnFileChanged: rec.onChanged,
		OnFileDeleted: rec.onDeleted,
	}, nil)

	if err := w.Start(); err != nil {
		t.Fatalf("Start on missing root should not error, got %v", err)
	}
	w.Stop() // must be safe on a watcher that never started
	if s := w.Stats(); s.EventsProcessed != 0 {
		t.Errorf("stats on inert watcher = %+v", s)
	}
}
