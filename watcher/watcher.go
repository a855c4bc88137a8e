// Package watcher reports file changes below a synchronized root as
// relative, slash-separated paths.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"drds/index"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	// DefaultSettleDelay is how long a new file must stay quiet before its Create is emitted.
	DefaultSettleDelay = 250 * time.Millisecond
	// DefaultEventBuffer is the Events channel capacity.
	DefaultEventBuffer = 64
)

// Op is the kind of change carried by an Event.
type Op int

const (
	OpCreate Op = iota + 1
	OpModify
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Event is one change below the root.
type Event struct {
	Op    Op
	Path  string
	IsDir bool
}

// Options controls watcher behavior.
type Options struct {
	SettleDelay time.Duration
	EventBuffer int
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.SettleDelay <= 0 {
		out.SettleDelay = DefaultSettleDelay
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Watcher recursively watches one directory tree.
type Watcher struct {
	root string
	opts Options
	fsw  *fsnotify.Watcher

	events chan Event
	errors chan error

	// Owned by the loop goroutine.
	dirs    map[string]struct{}
	pending map[string]*time.Timer
	settled chan string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Start watches root and every directory below it.
func Start(root string, options Options) (*Watcher, error) {
	opts := options.withDefaults()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %q is not a directory", absRoot)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:    absRoot,
		opts:    opts,
		fsw:     fsw,
		events:  make(chan Event, opts.EventBuffer),
		errors:  make(chan error, 16),
		dirs:    make(map[string]struct{}),
		pending: make(map[string]*time.Timer),
		settled: make(chan string, opts.EventBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := fsw.Add(absRoot); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch root %q: %w", absRoot, err)
	}
	if err := w.addTree(absRoot, false); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Root returns the absolute watched root.
func (w *Watcher) Root() string {
	return w.root
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors reports non-fatal watch errors. It is closed when the watcher stops.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Done is closed once the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.fsw.Close()
	})
	<-w.done
}

func (w *Watcher) loop() {
	defer func() {
		for rel, timer := range w.pending {
			timer.Stop()
			delete(w.pending, rel)
		}
		close(w.events)
		close(w.errors)
		close(w.done)
	}()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.handle(ev) {
				w.opts.Logger.Info("watched root removed", zap.String("path", w.root))
				w.stopOnce.Do(func() {
					close(w.stop)
					_ = w.fsw.Close()
				})
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		case rel := <-w.settled:
			w.flushPending(rel)
		}
	}
}

// handle processes one fsnotify event and reports whether the root is gone.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	name := filepath.Clean(ev.Name)
	if name == w.root {
		return ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
	}

	rel, err := index.Rel(w.root, name)
	if err != nil {
		w.opts.Logger.Debug("ignoring event outside root", zap.String("path", name), zap.Error(err))
		return false
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.handleRemove(rel)
	case ev.Has(fsnotify.Create):
		w.handleCreate(name, rel)
	case ev.Has(fsnotify.Write):
		if timer, ok := w.pending[rel]; ok {
			timer.Reset(w.opts.SettleDelay)
			return false
		}
		w.emit(Event{Op: OpModify, Path: rel})
	}
	return false
}

func (w *Watcher) handleCreate(abs, rel string) {
	info, err := os.Lstat(abs)
	if err != nil {
		// Already gone again.
		return
	}

	switch {
	case info.IsDir():
		if err := w.fsw.Add(abs); err != nil {
			w.reportError(fmt.Errorf("watch directory %q: %w", rel, err))
			return
		}
		w.dirs[rel] = struct{}{}
		w.emit(Event{Op: OpCreate, Path: rel, IsDir: true})
		// Files may have landed before the watch was in place.
		if err := w.addTree(abs, true); err != nil {
			w.reportError(err)
		}
	case info.Mode().IsRegular():
		w.schedule(rel)
	}
}

func (w *Watcher) handleRemove(rel string) {
	_, wasDir := w.dirs[rel]
	if wasDir {
		prefix := rel + "/"
		for dir := range w.dirs {
			if dir == rel || strings.HasPrefix(dir, prefix) {
				delete(w.dirs, dir)
				// The kernel drops watches on deleted directories; a rename leaves them.
				_ = w.fsw.Remove(filepath.Join(w.root, filepath.FromSlash(dir)))
			}
		}
		for path, timer := range w.pending {
			if strings.HasPrefix(path, prefix) {
				timer.Stop()
				delete(w.pending, path)
			}
		}
	}

	if timer, ok := w.pending[rel]; ok {
		timer.Stop()
		delete(w.pending, rel)
	}
	w.emit(Event{Op: OpDelete, Path: rel, IsDir: wasDir})
}

// addTree watches every directory below dir. With announce set, regular files
// found on the way are scheduled as creates.
func (w *Watcher) addTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.opts.Logger.Warn("skipping unreadable path", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == dir {
			return nil
		}
		rel, relErr := index.Rel(w.root, p)
		if relErr != nil {
			return nil
		}
		switch {
		case d.IsDir():
			if _, known := w.dirs[rel]; known {
				return nil
			}
			if err := w.fsw.Add(p); err != nil {
				return fmt.Errorf("watch directory %q: %w", rel, err)
			}
			w.dirs[rel] = struct{}{}
			if announce {
				w.emit(Event{Op: OpCreate, Path: rel, IsDir: true})
			}
		case d.Type().IsRegular():
			if announce {
				w.schedule(rel)
			}
		}
		return nil
	})
}

func (w *Watcher) schedule(rel string) {
	if timer, ok := w.pending[rel]; ok {
		timer.Reset(w.opts.SettleDelay)
		return
	}
	w.pending[rel] = time.AfterFunc(w.opts.SettleDelay, func() {
		select {
		case w.settled <- rel:
		case <-w.stop:
		}
	})
}

func (w *Watcher) flushPending(rel string) {
	if _, ok := w.pending[rel]; !ok {
		return
	}
	delete(w.pending, rel)

	info, err := os.Lstat(filepath.Join(w.root, filepath.FromSlash(rel)))
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	w.emit(Event{Op: OpCreate, Path: rel})
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.stop:
	}
}

func (w *Watcher) reportError(err error) {
	if err == nil {
		return
	}
	w.opts.Logger.Warn("watch error", zap.Error(err))
	select {
	case w.errors <- err:
	default:
	}
}
