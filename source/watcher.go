package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// WatchConfig configures export-directory watching.
type WatchConfig struct {
	// Dir is the directory analysts export datasets into.
	Dir string `yaml:"dir"`

	// Patterns are doublestar globs, relative to Dir, selecting the
	// files that should trigger a re-sync (e.g. "exports/**/*.geojson").
	Patterns []string `yaml:"patterns"`

	// Debounce is how long to wait for more changes before emitting an
	// event. Export tools write files in several bursts.
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultDebounce is used when WatchConfig.Debounce is zero.
const DefaultDebounce = 2 * time.Second

// Event reports a changed dataset file under the watched directory.
type Event struct {
	// Path is the absolute file path.
	Path string

	// Rel is the path relative to the watched directory.
	Rel string
}

// Watcher watches an export directory and emits debounced change events
// for files matching the configured patterns.
type Watcher struct {
	cfg    WatchConfig
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	events chan Event

	mu      sync.Mutex
	pending map[string]string // abs path → rel path
	timer   *time.Timer
}

// NewWatcher creates a watcher for the configured directory.
func NewWatcher(cfg WatchConfig, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch: no directory configured")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		cfg:     cfg,
		fsw:     fsw,
		logger:  logger,
		events:  make(chan Event, 64),
		pending: make(map[string]string),
	}, nil
}

// Events returns the channel of debounced change events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start registers the directory tree and runs the event loop until the
// context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	root, err := filepath.Abs(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("resolve watch dir: %w", err)
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("register watch dir %s: %w", root, err)
	}
	w.logger.Info("watching export directory", "dir", root, "patterns", w.cfg.Patterns)

	go w.loop(ctx, root)
	return nil
}

func (w *Watcher) loop(ctx context.Context, root string) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// New subdirectories need registering before their files
			// produce events.
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := w.fsw.Add(ev.Name); err != nil {
					w.logger.Warn("watch subdirectory", "path", ev.Name, "error", err)
				}
				continue
			}
			rel, err := filepath.Rel(root, ev.Name)
			if err != nil || !w.matches(rel) {
				continue
			}
			w.enqueue(ev.Name, rel)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// matches reports whether the relative path matches any configured
// pattern. No patterns means everything matches.
func (w *Watcher) matches(rel string) bool {
	if len(w.cfg.Patterns) == 0 {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, p := range w.cfg.Patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (w *Watcher) enqueue(abs, rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[abs] = rel
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]string)
	w.mu.Unlock()

	for abs, rel := range pending {
		select {
		case w.events <- Event{Path: abs, Rel: rel}:
		default:
			w.logger.Warn("event channel full, dropping change", "path", abs)
		}
	}
}
