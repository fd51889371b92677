// Package watcher implements the Config Watcher (C7): it watches the
// gateway's single YAML config file for changes and hot-reloads it without
// requiring a process restart. Grounded on the debounce-timer pattern in
// internal/watcher/config_reload.go of the teacher repo, simplified down to
// a single file with no auth-directory tracking, OAuth bookkeeping, or
// cross-instance persistence — this gateway's config is one YAML file and a
// reload is just "parse it again and swap the pointer".
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/xling/gateway/internal/config"
)

// reloadDebounce coalesces the burst of fsnotify events a single save
// typically produces (editors often write, chmod, then rename) into one
// reload.
const reloadDebounce = 150 * time.Millisecond

// Watcher watches a config file on disk and atomically swaps the current
// config into a *config.Store whenever the file's content changes and
// reparses/validates successfully. An optional onReload is additionally
// invoked (from the debounce timer's goroutine, after the swap) so
// components like the Load Balancer can reconcile state they derive from
// the config.
type Watcher struct {
	path     string
	store    *config.Store
	onReload func(*config.Config)

	fsw *fsnotify.Watcher

	mu        sync.Mutex
	timer     *time.Timer
	lastHash  string
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a Watcher for the config file at path, swapping reloaded
// configs into store. onReload may be nil.
func New(path string, store *config.Store, onReload func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:      path,
		store:     store,
		onReload:  onReload,
		fsw:       fsw,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	if data, errRead := os.ReadFile(path); errRead == nil {
		w.lastHash = hashOf(data)
	}
	return w, nil
}

// Start begins watching the config file's parent directory. Watching the
// directory rather than the file itself survives editors that replace the
// file via rename-on-save instead of writing in place.
func (w *Watcher) Start() error {
	dir := dirOf(w.path)
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.fsw.Close()
}

func (w *Watcher) loop() {
	defer close(w.stoppedCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher: fsnotify error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reloadIfChanged)
}

func (w *Watcher) reloadIfChanged() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		log.WithError(err).Warn("config watcher: failed to read config file")
		return
	}
	if len(data) == 0 {
		log.Debug("config watcher: ignoring empty config file write")
		return
	}

	newHash := hashOf(data)
	w.mu.Lock()
	unchanged := w.lastHash != "" && w.lastHash == newHash
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := config.Parse(data)
	if err != nil {
		log.WithError(err).Error("config watcher: reload failed, keeping previous config")
		return
	}

	w.mu.Lock()
	w.lastHash = newHash
	w.mu.Unlock()

	w.store.Swap(cfg)
	log.Infof("config watcher: reloaded %s", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
