package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T, path string) (*Watcher, chan *Config) {
	t.Helper()
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	w.SetDebounce(10 * time.Millisecond)

	changed := make(chan *Config, 4)
	w.OnChange(func(c *Config) { changed <- c })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	return w, changed
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	write := func(value string) {
		writeFile(t, path, "upstream: http://a:1\nplugin: {name: p, native: true, configuration: \"header_value: "+value+"\"}\n")
	}
	write("ONE")
	w, changed := startWatcher(t, path)

	write("TWO")
	select {
	case cfg := <-changed:
		if cfg.Plugin.Configuration != "header_value: TWO" {
			t.Errorf("configuration = %q", cfg.Plugin.Configuration)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
	if got := w.GetConfig().Plugin.Configuration; got != "header_value: TWO" {
		t.Errorf("GetConfig = %q", got)
	}
}

func TestWatcherKeepsConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	writeFile(t, path, "upstream: http://a:1\nplugin: {name: p, native: true}\n")
	w, changed := startWatcher(t, path)

	writeFile(t, path, "upstream: not a url\nplugin: {name: p, native: true}\n")
	select {
	case <-changed:
		t.Fatal("invalid configuration announced")
	case <-time.After(300 * time.Millisecond):
	}
	if w.GetConfig().Upstream != "http://a:1" {
		t.Errorf("upstream = %q", w.GetConfig().Upstream)
	}
}

func TestWatcherModuleRebuild(t *testing.T) {
	dir := t.TempDir()
	module := filepath.Join(dir, "filter.wasm")
	writeFile(t, module, "v1")
	path := filepath.Join(dir, "host.yaml")
	writeFile(t, path, "upstream: http://a:1\nplugin: {name: p, path: "+module+"}\n")
	_, changed := startWatcher(t, path)

	writeFile(t, module, "v2")
	select {
	case cfg := <-changed:
		if cfg.Plugin.Path != module {
			t.Errorf("path = %q", cfg.Plugin.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("module rebuild did not trigger a reload")
	}
}
