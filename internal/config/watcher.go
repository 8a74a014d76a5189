package config

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file when it changes and delivers the
// validated result to a callback. Only the tunable knobs (retrieval,
// scoring, deduplication, capture) should be consumed from reloads;
// storage and embedding settings are fixed at open time.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu     sync.Mutex
	closed bool
}

// Watch starts watching path and invokes onReload with each successfully
// loaded configuration. Invalid or unreadable edits are logged and skipped
// so a half-saved file never disturbs a running engine.
func Watch(path string, logger *log.Logger, onReload func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fw, logger: logger.WithPrefix("tinmem.config")}

	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Warn("reload skipped", "err", err)
					continue
				}
				w.logger.Debug("config reloaded", "path", w.path)
				onReload(cfg)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", "err", err)
			}
		}
	}()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}
