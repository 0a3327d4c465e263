package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file for edits and reloads it, debouncing
// bursts of writes (editors often save in several steps) into a single
// reload. A watch failure degrades to serving the last good Config rather
// than treating it as fatal — a long-lived connection attachment should
// never be brought down by a file-notification backend hiccup.
type Watcher struct {
	mu sync.RWMutex

	path string
	opts []Option
	cur  Config

	fsWatcher *fsnotify.Watcher

	debounceDelay time.Duration
	eventTimer    *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}

	onReload func(Config)
	onError  func(error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherDebounce overrides the default 200ms debounce delay.
func WithWatcherDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounceDelay = d }
}

// WithOnReload registers a callback invoked with the newly loaded Config
// each time the file changes and reparses successfully.
func WithOnReload(fn func(Config)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// WithOnError registers a callback invoked when the watched file changes
// but fails to parse, or the underlying fsnotify watch itself errors. The
// previously loaded Config remains in effect.
func WithOnError(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path once via Load, then begins watching it for further
// edits. opts are re-applied, in order, after every reload so functional
// overrides always win over whatever the file says.
func NewWatcher(path string, opts []Option, wopts ...WatcherOption) (*Watcher, error) {
	cfg, err := Load(path, opts...)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          path,
		opts:          opts,
		cur:           cfg,
		fsWatcher:     fsw,
		debounceDelay: 200 * time.Millisecond,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, o := range wopts {
		o(w)
	}

	if path != "" {
		if err := fsw.Add(path); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	go w.run()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Close stops the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsWatcher.Close()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			if w.eventTimer != nil {
				w.eventTimer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if w.eventTimer != nil {
				w.eventTimer.Stop()
			}
			w.eventTimer = time.AfterFunc(w.debounceDelay, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, w.opts...)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	w.cur = cfg
	w.mu.Unlock()

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
