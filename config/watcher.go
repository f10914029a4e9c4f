package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
)

// debounce collapses the burst of filesystem events most editors emit
// for a single save into one reload.
const debounce = 250 * time.Millisecond

// ReloadFunc receives the freshly loaded configuration.
type ReloadFunc func([]Runner)

// Watcher reloads the runner config whenever the file changes. Editors
// that replace the file (rename-over-write) are handled by watching
// the parent directory rather than the file itself.
type Watcher struct {
	log  log.Logger
	path string
	fw   *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching path, invoking reload after each change that
// still parses. A change that no longer parses is logged and skipped;
// the previous configuration stays in effect.
func Watch(logger log.Logger, path string, reload ReloadFunc) (*Watcher, error) {
	if logger == nil {
		logger = log.New()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		log:  logger,
		path: abs,
		fw:   fw,
		done: make(chan struct{}),
	}
	go w.loop(reload)
	logger.Info("watching runner config", "path", abs)
	return w, nil
}

func (w *Watcher) loop(reload ReloadFunc) {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			runners, err := Load(w.path)
			if err != nil {
				w.log.Error("failed to reload runner config, keeping previous", "path", w.path, "err", err)
				continue
			}
			w.log.Info("runner config reloaded", "path", w.path, "len(runners)", len(runners))
			reload(runners)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error", "err", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
