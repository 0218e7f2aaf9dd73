package calllog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem events on the call log file into payload-free
// change notifications. Bursts within the debounce window collapse into one
// notification and a slow consumer never blocks the watcher.
type Watcher struct {
	name     string
	debounce time.Duration
	log      *slog.Logger

	fsw      *fsnotify.Watcher
	changes  chan struct{}
	stopOnce sync.Once
}

// NewWatcher watches the directory that holds path, since exporters usually
// replace the file rather than write it in place.
func NewWatcher(path string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		name:     filepath.Base(abs),
		debounce: debounce,
		log:      log,
		fsw:      fsw,
		changes:  make(chan struct{}, 1),
	}, nil
}

// Changes fires after the call log changed.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Run pumps filesystem events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != w.name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if w.debounce <= 0 {
				w.notify()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.notify()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("call log watcher error", "err", err)
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() { err = w.fsw.Close() })
	return err
}
