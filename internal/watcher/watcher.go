// Package watcher detects new case directories in the scan directory. It
// combines fsnotify events with a periodic rescan so cases copied in while
// the daemon was down are still picked up.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Handler is invoked once per newly detected case directory. It may block for
// the whole life of the case; the watcher runs it on its own goroutine.
type Handler func(ctx context.Context, caseID, rootPath string)

type Watcher struct {
	dir          string
	debounce     time.Duration
	scanInterval time.Duration
	handler      Handler

	mu   sync.Mutex
	seen map[string]bool
	wg   sync.WaitGroup
}

func New(dir string, debounce, scanInterval time.Duration, handler Handler) *Watcher {
	return &Watcher{
		dir:          dir,
		debounce:     debounce,
		scanInterval: scanInterval,
		handler:      handler,
		seen:         make(map[string]bool),
	}
}

// Run watches the scan directory until ctx is canceled, then waits for all
// in-flight case handlers to return.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return errors.Wrapf(err, "ensure scan directory %s", w.dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return errors.Wrapf(err, "watch %s", w.dir)
	}

	// Cases dropped in before startup have no events coming.
	w.scan(ctx)

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	log.WithField("dir", w.dir).Info("Watching for new cases")
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil
		case <-ticker.C:
			w.scan(ctx)
		case event, ok := <-fsw.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				w.maybeDispatch(ctx, event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			log.Errorf("Watcher error: %v", err)
		}
	}
}

// scan picks up case directories that never produced an event.
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.WithField("dir", w.dir).Errorf("Failed to scan: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.maybeDispatch(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}
}

// maybeDispatch hands a case directory to the handler once, after waiting out
// the debounce period so a case still being copied in is not dispatched with
// half its beams missing.
func (w *Watcher) maybeDispatch(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	caseID := filepath.Base(path)
	w.mu.Lock()
	if w.seen[caseID] {
		w.mu.Unlock()
		return
	}
	w.seen[caseID] = true
	w.mu.Unlock()

	log.WithField("case_id", caseID).Info("Detected new case directory")
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.debounce):
		}
		w.handler(ctx, caseID, path)
	}()
}
