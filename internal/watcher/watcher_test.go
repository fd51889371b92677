package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xling/gateway/internal/config"
)

const validYAML = `
providers:
  - name: primary
    baseUrl: https://api.example.com
    models: ["gpt-4o"]
    apiKeys: ["k1"]
`

const validYAMLReloaded = `
providers:
  - name: primary
    baseUrl: https://api.example.com
    models: ["gpt-4o", "gpt-4o-mini"]
    apiKeys: ["k1"]
`

const invalidYAML = `
providers: []
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, validYAML)

	initial, err := config.Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse initial config: %v", err)
	}
	store := config.NewStore(initial)

	reloaded := make(chan *config.Config, 1)
	w, err := New(path, store, func(cfg *config.Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, validYAMLReloaded)

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("onReload callback was not invoked after config change")
	}

	waitFor(t, time.Second, func() bool {
		return len(store.Get().Providers[0].Models) == 2
	})
}

func TestWatcher_InvalidReloadKeepsPreviousConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, validYAML)

	initial, err := config.Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse initial config: %v", err)
	}
	store := config.NewStore(initial)

	w, err := New(path, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, invalidYAML)

	// Give the debounced reload a chance to run and fail validation; the
	// store must still hold the last good config throughout.
	time.Sleep(500 * time.Millisecond)
	if len(store.Get().Providers) == 0 {
		t.Fatal("invalid reload must not clear out the previous valid config")
	}
}

func TestWatcher_IgnoresUnrelatedFilesInSameDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, validYAML)

	initial, err := config.Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse initial config: %v", err)
	}
	store := config.NewStore(initial)

	reloaded := make(chan struct{}, 1)
	w, err := New(path, store, func(*config.Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeConfig(t, filepath.Join(dir, "unrelated.txt"), "hello")

	select {
	case <-reloaded:
		t.Fatal("unrelated file change must not trigger a reload")
	case <-time.After(500 * time.Millisecond):
	}
}
