// Package watch maps filesystem changes under a realm root to index
// invalidations.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/roach88/realmindex/internal/engine"
	"github.com/roach88/realmindex/internal/ir"
)

// DefaultDebounce coalesces bursts of events for one path.
const DefaultDebounce = 50 * time.Millisecond

// DefaultIgnore lists paths, relative to the root, that are never indexed.
var DefaultIgnore = []string{
	".git/**",
	"**/node_modules/**",
	"**/.*",
	"**/*.swp",
	"**/*~",
}

// Kind is what happened to a path.
type Kind string

const (
	Changed Kind = "changed"
	Removed Kind = "removed"
)

// Event is one debounced change.
type Event struct {
	Path string
	URL  string
	Kind Kind
}

// Handler reacts to an event.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Invalidating returns a handler that invalidates changed URLs (indexing
// new files) and removes deleted ones.
func Invalidating(iv *engine.Invalidator, realmURL string) Handler {
	return HandlerFunc(func(ctx context.Context, ev Event) error {
		var err error
		switch ev.Kind {
		case Removed:
			_, err = iv.Remove(ctx, ev.URL, realmURL)
		default:
			_, err = iv.Invalidate(ctx, ev.URL, realmURL, engine.IncludeChanged())
		}
		return err
	})
}

// Watcher watches a directory tree that backs one realm.
type Watcher struct {
	root     string
	realmURL string
	ignore   []string
	debounce time.Duration
	handler  Handler
	logger   *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	visited map[string]bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithIgnore replaces the ignore globs.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) {
		w.ignore = patterns
	}
}

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a watcher of root, whose files live under realmURL.
func New(root, realmURL string, h Handler, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watch root %s: %w", root, err)
	}
	w := &Watcher{
		root:     abs,
		realmURL: ir.NormalizeURL(realmURL),
		ignore:   DefaultIgnore,
		debounce: DefaultDebounce,
		handler:  h,
		logger:   slog.Default(),
		visited:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, p := range w.ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	return w, nil
}

// URLFor maps a path under the root to its realm URL. ok is false for
// paths outside the root.
func (w *Watcher) URLFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return w.realmURL + filepath.ToSlash(rel), true
}

// Ignored reports whether path matches an ignore glob.
func (w *Watcher) Ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, p := range w.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Start begins watching. Events are delivered once Run is called.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.fsw = fsw
	if err := w.addTree(w.root); err != nil {
		fsw.Close()
		w.fsw = nil
		return err
	}
	return nil
}

// addTree watches dir and every directory below it that is not ignored.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.Ignored(path) {
			return filepath.SkipDir
		}
		real, err := filepath.EvalSymlinks(path)
		if err != nil || w.visited[real] {
			return filepath.SkipDir
		}
		w.visited[real] = true
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("watch directory failed", "path", path, "error", err)
		}
		return nil
	})
}

// Run delivers debounced events to the handler until ctx is done. Handler
// errors are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	defer w.fsw.Close()
	w.logger.Info("watching realm", "root", w.root, "realm", w.realmURL)

	pending := make(map[string]Kind)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.classify(ev, pending) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			w.flush(ctx, pending)
			pending = make(map[string]Kind)
		}
	}
}

// classify records ev in pending and reports whether it was kept.
func (w *Watcher) classify(ev fsnotify.Event, pending map[string]Kind) bool {
	path := ev.Name
	if w.Ignored(path) {
		return false
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			pending[path] = Removed
			return true
		}
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			w.mu.Lock()
			err := w.addTree(path)
			w.mu.Unlock()
			if err != nil {
				w.logger.Warn("watch new directory failed", "path", path, "error", err)
			}
		}
		return false
	}
	pending[path] = Changed
	return true
}

func (w *Watcher) flush(ctx context.Context, pending map[string]Kind) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		url, ok := w.URLFor(p)
		if !ok {
			continue
		}
		ev := Event{Path: p, URL: url, Kind: pending[p]}
		if err := w.handler.Handle(ctx, ev); err != nil {
			w.logger.Error("handle change failed", "url", url, "kind", ev.Kind, "error", err)
			continue
		}
		w.logger.Debug("handled change", "url", url, "kind", ev.Kind)
	}
}
