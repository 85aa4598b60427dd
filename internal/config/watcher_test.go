package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const watcherYAMLv1 = `
server:
  listen_addr: ":8080"
providers:
  - id: openai-realtime
    kind: realtime
    api_key: sk-v1
    weight: 10
`

const watcherYAMLv2 = `
server:
  listen_addr: ":8080"
providers:
  - id: openai-realtime
    kind: realtime
    api_key: sk-v1
    weight: 10
  - id: backup
    kind: realtime
    api_key: sk-v2
    weight: 1
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxroute.yaml")
	writeConfig(t, path, watcherYAMLv1)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := len(w.Current().Providers); got != 1 {
		t.Errorf("initial providers = %d, want 1", got)
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxroute.yaml")
	writeConfig(t, path, "providers: [{id: x, kind: bogus, api_key: k}]")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher accepted an invalid config")
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxroute.yaml")
	writeConfig(t, path, watcherYAMLv1)

	var mu sync.Mutex
	var newCount int
	onChange := func(_, new *Config) {
		mu.Lock()
		newCount = len(new.Providers)
		mu.Unlock()
	}

	w, err := NewWatcher(path, onChange, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Backdate the mtime so the rewrite below is always detected even on
	// coarse-grained filesystems.
	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	writeConfig(t, path, watcherYAMLv2)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := newCount
		mu.Unlock()
		if n == 2 {
			if got := len(w.Current().Providers); got != 2 {
				t.Errorf("Current() providers = %d, want 2", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("change never detected")
}

func TestWatcherKeepsOldConfigOnInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxroute.yaml")
	writeConfig(t, path, watcherYAMLv1)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	writeConfig(t, path, "providers: [{id: x, kind: bogus, api_key: k}]")

	time.Sleep(100 * time.Millisecond)
	if got := len(w.Current().Providers); got != 1 {
		t.Errorf("Current() providers = %d, want the previous valid config", got)
	}
}
