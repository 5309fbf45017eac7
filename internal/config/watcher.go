package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Watcher monitors a config file for changes and calls a callback when the
// file is modified. It also fingerprints the tool descriptor directory named
// by the current config so that descriptor edits can trigger a registry
// rebuild. It uses polling (not fsnotify) to keep dependencies minimal.
type Watcher struct {
	path          string
	interval      time.Duration
	onChange      func(old, new *Config)
	onDescriptors func(dir string)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime   time.Time
	lastHash    [sha256.Size]byte
	lastDirHash [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDescriptorChange registers a callback invoked whenever the contents of
// the descriptor directory change (files added, removed, or modified). The
// callback receives the directory that changed. Without this option the
// descriptor directory is not watched.
func WithDescriptorChange(fn func(dir string)) WatcherOption {
	return func(w *Watcher) {
		w.onDescriptors = fn
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	// Load initial config.
	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime

	// Baseline descriptor fingerprint so only later edits fire the callback.
	if w.onDescriptors != nil && cfg.Descriptors.Dir != "" {
		if fp, err := dirFingerprint(cfg.Descriptors.Dir); err == nil {
			w.lastDirHash = fp
		} else {
			slog.Warn("config watcher: cannot fingerprint descriptor dir", "dir", cfg.Descriptors.Dir, "err", err)
		}
	}

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the config file and the
// descriptor directory periodically.
func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
			w.checkDescriptors()
		}
	}
}

// check reads the config file and, if it has changed and is valid, calls
// onChange and updates the current config.
func (w *Watcher) check() {
	// Quick mtime check first to avoid hashing unchanged files.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	// Mtime changed: read and hash.
	cfg, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()

	if hash == w.lastHash {
		// File was touched but content is identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}

	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// checkDescriptors fingerprints the descriptor directory named by the current
// config and calls onDescriptors when the fingerprint changes. A config edit
// that points at a different directory also changes the fingerprint, so the
// rebuild path fires for both content and location changes.
func (w *Watcher) checkDescriptors() {
	if w.onDescriptors == nil {
		return
	}

	w.mu.Lock()
	dir := w.current.Descriptors.Dir
	w.mu.Unlock()
	if dir == "" {
		return
	}

	fp, err := dirFingerprint(dir)
	if err != nil {
		slog.Warn("config watcher: cannot fingerprint descriptor dir", "dir", dir, "err", err)
		return
	}

	w.mu.Lock()
	changed := fp != w.lastDirHash
	w.lastDirHash = fp
	w.mu.Unlock()

	if !changed {
		return
	}

	slog.Info("config watcher: descriptor change detected", "dir", dir)
	w.onDescriptors(dir)
}

// loadAndHash reads the config file, parses + validates it, and returns the
// config alongside the file's SHA-256 hash and modification time. If the
// config is invalid, it returns an error (the caller should keep the old one).
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	// Read full file into memory for hashing + parsing.
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	hash := sha256.Sum256(data)

	// Parse from the buffer so the file is not read twice.
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	return cfg, hash, info.ModTime(), nil
}

// dirFingerprint hashes the names, sizes, and modification times of the YAML
// files directly inside dir. Content is not read; at the watcher's polling
// granularity an mtime change is as good as a content diff.
func dirFingerprint(dir string) ([sha256.Size]byte, error) {
	var zero [sha256.Size]byte

	entries, err := os.ReadDir(dir)
	if err != nil {
		return zero, err
	}

	h := sha256.New()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return zero, err
		}
		fmt.Fprintf(h, "%s|%d|%d\n", e.Name(), info.Size(), info.ModTime().UnixNano())
	}

	var fp [sha256.Size]byte
	copy(fp[:], h.Sum(nil))
	return fp, nil
}
