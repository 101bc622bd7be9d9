package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/IBazylchuk/paparats-mcp-sub000/internal/enumerate"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

const (
	callbackTimeout = 60 * time.Second
	retryInterval   = 60 * time.Second
	maxFileAttempts = 3
	shutdownWait    = 10 * time.Second
)

type watchOp int

const (
	opChange watchOp = iota
	opDelete
)

// Callbacks receive debounced file events. They must honor the context
// deadline.
type Callbacks struct {
	OnFileChanged func(ctx context.Context, relPath string) error
	OnFileDeleted func(ctx context.Context, relPath string) error
}

type failedFile struct {
	op       watchOp
	attempts int
}

// Watcher turns raw filesystem events for one project into debounced,
// at-most-one-in-flight callback invocations with bounded retries.
type Watcher struct {
	group     string
	project   string
	root      string
	matcher   *enumerate.Enumerator
	debounce  time.Duration
	stability time.Duration
	cb        Callbacks
	logger    *slog.Logger

	fw   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu              sync.Mutex
	timers          map[string]*time.Timer
	inFlight        map[string]bool
	failed          map[string]*failedFile
	eventsProcessed int
	errorCount      int
	started         bool
	closing         bool
}

// NewWatcher builds a watcher for one project root.
func NewWatcher(group, project, root string, matcher *enumerate.Enumerator, debounce, stability time.Duration, cb Callbacks, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		group:     group,
		project:   project,
		root:      root,
		matcher:   matcher,
		debounce:  debounce,
		stability: stability,
		cb:        cb,
		logger:    logger,
		done:      make(chan struct{}),
		timers:    make(map[string]*time.Timer),
		inFlight:  make(map[string]bool),
		failed:    make(map[string]*failedFile),
	}
}

// Start begins watching. A missing project root logs a warning and the
// watcher stays inert.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.root)
	if err != nil || !info.IsDir() {
		w.logger.Warn("watch root missing, watcher not started",
			slog.String("project", w.project), slog.String("root", w.root))
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw
	if err := w.addWatchDirs(w.root); err != nil {
		fw.Close()
		return err
	}

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	w.wg.Add(2)
	go w.eventLoop()
	go w.retryLoop()

	w.logger.Info("watching project",
		slog.String("group", w.group),
		slog.String("project", w.project),
		slog.String("root", w.root))
	return nil
}

// addWatchDirs registers root and every non-ignored subdirectory.
func (w *Watcher) addWatchDirs(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != w.root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	})
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.errorCount++
			w.mu.Unlock()
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addWatchDirs(event.Name)
			return
		}
	}

	var op watchOp
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		op = opDelete
	case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
		op = opChange
	default:
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if !w.matcher.Matches(rel) {
		return
	}
	w.schedule(rel, op)
}

// schedule resets the per-key debounce timer.
func (w *Watcher) schedule(rel string, op watchOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return
	}
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		w.fire(rel, op)
	})
}

// fire runs after the debounce window. Change events additionally wait
// until the file has been quiescent for the stability window.
func (w *Watcher) fire(rel string, op watchOp) {
	w.mu.Lock()
	delete(w.timers, rel)
	w.mu.Unlock()

	if op == opChange && !w.stable(rel) {
		w.schedule(rel, op)
		return
	}

	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return
	}
	if w.inFlight[rel] {
		w.mu.Unlock()
		w.logger.Debug("dropping event, file already in flight",
			slog.String("project", w.project), slog.String("file", rel))
		return
	}
	w.inFlight[rel] = true
	w.eventsProcessed++
	w.wg.Add(1)
	w.mu.Unlock()

	go w.dispatch(rel, op)
}

// stable samples the file twice across the stability window and reports
// whether it stayed unchanged. Missing files count as stable so deletes
// that race a change still resolve in the callback.
func (w *Watcher) stable(rel string) bool {
	abs := filepath.Join(w.root, rel)
	before, err := os.Stat(abs)
	if err != nil {
		return true
	}
	select {
	case <-time.After(w.stability):
	case <-w.done:
		return false
	}
	after, err := os.Stat(abs)
	if err != nil {
		return true
	}
	return before.ModTime().Equal(after.ModTime()) && before.Size() == after.Size()
}

func (w *Watcher) dispatch(rel string, op watchOp) {
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	var err error
	if op == opDelete {
		err = w.cb.OnFileDeleted(ctx, rel)
	} else {
		err = w.cb.OnFileChanged(ctx, rel)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, rel)
	if err == nil {
		delete(w.failed, rel)
		return
	}

	w.errorCount++
	f := w.failed[rel]
	if f == nil {
		f = &failedFile{op: op}
		w.failed[rel] = f
	}
	f.attempts++
	if f.attempts >= maxFileAttempts {
		w.logger.Error("giving up on file after repeated failures",
			slog.String("project", w.project),
			slog.String("file", rel),
			slog.Int("attempts", f.attempts),
			slog.String("error", err.Error()))
		return
	}
	w.logger.Warn("file callback failed, will retry",
		slog.String("project", w.project),
		slog.String("file", rel),
		slog.Int("attempts", f.attempts),
		slog.String("error", err.Error()))
}

// retryLoop re-dispatches failed files every retryInterval until each
// has used its attempt budget.
func (w *Watcher) retryLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.retryFailed()
		}
	}
}

func (w *Watcher) retryFailed() {
	w.mu.Lock()
	type retry struct {
		rel string
		op  watchOp
	}
	var retries []retry
	for rel, f := range w.failed {
		if f.attempts >= maxFileAttempts || w.inFlight[rel] || w.closing {
			continue
		}
		w.inFlight[rel] = true
		w.wg.Add(1)
		retries = append(retries, retry{rel: rel, op: f.op})
	}
	w.mu.Unlock()

	for _, r := range retries {
		go w.dispatch(r.rel, r.op)
	}
}

// Stats snapshots the watcher's counters.
func (w *Watcher) Stats() types.WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	failed := make([]string, 0, len(w.failed))
	for rel := range w.failed {
		failed = append(failed, rel)
	}
	sort.Strings(failed)
	return types.WatcherStats{
		EventsProcessed: w.eventsProcessed,
		EventsInQueue:   len(w.timers),
		ErrorCount:      w.errorCount,
		InFlightCount:   len(w.inFlight),
		FailedFiles:     failed,
	}
}

// Stop clears timers, closes the event source, and waits for in-flight
// callbacks with a hard cap.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.closing {
		w.mu.Unlock()
		return
	}
	w.closing = true
	for rel, t := range w.timers {
		t.Stop()
		delete(w.timers, rel)
	}
	w.mu.Unlock()

	close(w.done)
	if w.fw != nil {
		w.fw.Close()
	}

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(shutdownWait):
		w.logger.Warn("watcher shutdown timed out with callbacks in flight",
			slog.String("project", w.project))
	}
}
