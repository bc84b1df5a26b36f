package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// DefaultPollInterval is how often [Watcher.Run] stats the file.
const DefaultPollInterval = 5 * time.Second

// Watcher keeps the config file at a path loaded. [Watcher.Run] polls the
// file and [Watcher.Reload] rereads it on demand; either way a new config
// is only adopted when its content changed and it validates. Environment
// overrides are applied to every load.
type Watcher struct {
	path     string
	env      envconfig.Lookuper
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	// reload serialises Reload so onChange sees configs in file order.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithLookuper sets where environment overrides are looked up. The default
// is the process environment.
func WithLookuper(l envconfig.Lookuper) WatcherOption {
	return func(w *Watcher) { w.env = l }
}

// WithErrorHandler registers fn for files that fail to load. The previous
// config stays active.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// WithInterval overrides [DefaultPollInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the file at path and returns a watcher holding it.
// onChange may be nil. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		env:      envconfig.OsLookuper(),
		interval: DefaultPollInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read(context.Background())
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.modTime, w.sum = snap.cfg, snap.modTime, snap.sum
	return w, nil
}

// Current returns the last config that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run reloads the file whenever its modification time moves, until ctx is
// done. It returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			mt, ok := w.touched()
			if !ok {
				continue
			}
			if _, err := w.Reload(ctx); err != nil {
				// Report a broken file once, not on every tick.
				w.mu.Lock()
				w.modTime = mt
				w.mu.Unlock()
			}
		}
	}
}

// Reload rereads the file now and reports whether a changed config was
// adopted. Rewriting the file with identical content adopts nothing.
func (w *Watcher) Reload(ctx context.Context) (bool, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	snap, err := w.read(ctx)
	if err != nil {
		slog.Warn("config: reload failed, keeping previous config", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return false, err
	}

	w.mu.Lock()
	w.modTime = snap.modTime
	if snap.sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.sum = snap.cfg, snap.sum
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return true, nil
}

// touched stats the file and reports its modification time and whether
// that differs from the last one read.
func (w *Watcher) touched() (time.Time, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "error", err)
		return time.Time{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return info.ModTime(), !info.ModTime().Equal(w.modTime)
}

type snapshot struct {
	cfg     *Config
	modTime time.Time
	sum     [sha256.Size]byte
}

func (w *Watcher) read(ctx context.Context) (snapshot, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return snapshot{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return snapshot{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(ctx, bytes.NewReader(data), w.env)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
