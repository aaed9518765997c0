// Package watcher keeps the store in sync with the library directory while
// the server runs. fsnotify only watches single directories, so the tree is
// walked once at start and every created directory is added as it appears.
// Events land in two queues that a drain loop works off in small batches;
// a path that shows up in both queues within one drain cancels out, which
// is what an editor save or an unpack-then-move looks like.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/covers"
	"github.com/tinyopds/tinyopds/pkg/scanner"
)

const (
	// drainInterval is the idle sleep between queue sweeps.
	drainInterval = 100 * time.Millisecond
	// drainBatch caps how many queue items one sweep takes.
	drainBatch = 10
	// settleDelay is how long a file's size must hold still before it is
	// considered fully written.
	settleDelay = 150 * time.Millisecond
)

// ErrAlreadyRunning is returned by Start while the watcher is active.
var ErrAlreadyRunning = errors.New("watcher already running")

var watchedExtensions = map[string]struct{}{
	".fb2":  {},
	".epub": {},
	".zip":  {},
}

type Watcher struct {
	scanner *scanner.Scanner
	books   *books.Service
	covers  *covers.Service
	log     logger.Logger

	mu      sync.Mutex
	running bool
	added   []string
	deleted []string

	fs        *fsnotify.Watcher
	shutdown  chan struct{}
	doneEvent chan struct{}
	doneDrain chan struct{}
}

func New(scan *scanner.Scanner, bookService *books.Service, coverService *covers.Service) *Watcher {
	return &Watcher{
		scanner: scan,
		books:   bookService,
		covers:  coverService,
		log:     logger.New(),
	}
}

// Start begins watching root and every directory below it.
func (w *Watcher) Start(root string) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.WithStack(ErrAlreadyRunning)
	}
	w.running = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return errors.WithStack(err)
	}
	w.fs = fsw
	w.shutdown = make(chan struct{})
	w.doneEvent = make(chan struct{})
	w.doneDrain = make(chan struct{})

	if err := w.watchTree(root); err != nil {
		fsw.Close()
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	ctx := w.log.WithContext(context.Background())
	go w.eventLoop(ctx)
	go w.drainLoop(ctx)

	w.log.Info("watcher started", logger.Data{"root": root})
	return nil
}

// Stop shuts the loops down and waits for them. Safe to call when the
// watcher never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.shutdown)
	w.fs.Close()
	<-w.doneEvent
	<-w.doneDrain
	w.log.Info("watcher stopped")
}

// Running reports whether the watcher loops are active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn("walk error", logger.Data{"path": path, "err": err.Error()})
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			w.log.Warn("can't watch directory", logger.Data{"path": path, "err": err.Error()})
		}
		return nil
	})
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneEvent)
	log := logger.FromContext(ctx)

	for {
		select {
		case <-w.shutdown:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn("watch error", logger.Data{"err": err.Error()})
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			// New directory: watch it and pick up files that landed inside
			// before the watch was in place.
			if err := w.watchTree(ev.Name); err != nil {
				w.log.Warn("can't watch new directory", logger.Data{"path": ev.Name, "err": err.Error()})
			}
			w.queueCreatedFiles(ev.Name)
			return
		}
		if watchedExtension(ev.Name) {
			w.queueAdd(ev.Name)
		}
	case ev.Op.Has(fsnotify.Write):
		if watchedExtension(ev.Name) {
			w.queueAdd(ev.Name)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// A rename delivers the old path here; the new path arrives as its
		// own Create event. Directory removals flow through the same queue
		// since deletion matches by path prefix.
		w.queueDelete(ev.Name)
	}
}

func (w *Watcher) queueCreatedFiles(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if watchedExtension(path) {
			w.queueAdd(path)
		}
		return nil
	})
}

func (w *Watcher) queueAdd(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.added {
		if p == path {
			return
		}
	}
	w.added = append(w.added, path)
}

func (w *Watcher) queueDelete(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.deleted {
		if p == path {
			return
		}
	}
	w.deleted = append(w.deleted, path)
}

func (w *Watcher) drainLoop(ctx context.Context) {
	defer close(w.doneDrain)

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// drainOnce settles one batch of queued paths. Add/delete pairs for the
// same path cancel; deletions run first so a replaced archive is cleanly
// reimported by the add that follows.
func (w *Watcher) drainOnce(ctx context.Context) {
	log := logger.FromContext(ctx)

	w.mu.Lock()
	cancelPairs(&w.added, &w.deleted)
	deletes := take(&w.deleted, drainBatch)
	adds := take(&w.added, drainBatch)
	w.mu.Unlock()

	for _, path := range deletes {
		ids, err := w.books.DeleteByPath(ctx, path)
		if err != nil {
			log.Err(err).Error("delete by path error", logger.Data{"path": path})
			continue
		}
		if len(ids) > 0 {
			log.Info("removed deleted books", logger.Data{"path": path, "count": len(ids)})
		}
		for _, id := range ids {
			w.covers.Invalidate(id)
		}
	}

	var ready []string
	for _, path := range adds {
		if isFileBusy(path) {
			// Still being copied; try again on a later sweep.
			w.queueAdd(path)
			continue
		}
		ready = append(ready, path)
	}
	if len(ready) == 0 {
		return
	}

	res, err := w.scanner.ScanPaths(ctx, ready)
	if err != nil {
		log.Err(err).Error("scan paths error")
		return
	}
	if res.Created+res.Replaced > 0 {
		log.Info("imported new books", logger.Data{"created": res.Created, "replaced": res.Replaced})
	}
}

// cancelPairs drops any path queued both for add and for delete.
func cancelPairs(added, deleted *[]string) {
	inDeleted := make(map[string]struct{}, len(*deleted))
	for _, p := range *deleted {
		inDeleted[p] = struct{}{}
	}

	var keepAdded []string
	cancelled := map[string]struct{}{}
	for _, p := range *added {
		if _, ok := inDeleted[p]; ok {
			cancelled[p] = struct{}{}
			continue
		}
		keepAdded = append(keepAdded, p)
	}
	if len(cancelled) == 0 {
		return
	}

	var keepDeleted []string
	for _, p := range *deleted {
		if _, ok := cancelled[p]; !ok {
			keepDeleted = append(keepDeleted, p)
		}
	}
	*added = keepAdded
	*deleted = keepDeleted
}

func take(queue *[]string, n int) []string {
	if len(*queue) < n {
		n = len(*queue)
	}
	batch := append([]string(nil), (*queue)[:n]...)
	*queue = (*queue)[n:]
	return batch
}

func watchedExtension(path string) bool {
	_, ok := watchedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// isFileBusy reports whether the file is still being written: it cannot be
// opened for writing, or its size has not settled yet. A path that vanished
// is not busy; the parse step deals with it.
func isFileBusy(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return !os.IsNotExist(err)
	}
	f.Close()

	before, err := os.Stat(path)
	if err != nil {
		return false
	}
	time.Sleep(settleDelay)
	after, err := os.Stat(path)
	if err != nil {
		return false
	}
	return before.Size() != after.Size()
}
