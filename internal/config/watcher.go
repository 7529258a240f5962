package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultQuiet is how long the file must stay unchanged before a reload.
const defaultQuiet = 100 * time.Millisecond

// WatchTargets are the callbacks of a Watcher.
type WatchTargets struct {
	// OnReload receives the freshly loaded and validated config.
	OnReload func(*Config)
	// OnError receives load or validation failures. The previous config
	// stays in effect.
	OnError func(error)
	// Quiet overrides the settle period (default 100ms).
	Quiet time.Duration
}

// Watcher reloads a config file when it changes on disk. A single editor
// save usually produces several fsnotify events; they are coalesced into one
// reload once the file has been quiet for the settle period.
type Watcher struct {
	fs      *fsnotify.Watcher
	path    string
	targets WatchTargets

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWatcher watches the config file at path. The parent directory is
// watched, so files replaced by rename are still seen.
func NewWatcher(path string, targets WatchTargets) (*Watcher, error) {
	if targets.Quiet <= 0 {
		targets.Quiet = defaultQuiet
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fs:      fw,
		path:    path,
		targets: targets,
		stop:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()

	slog.Info("config watcher started", "path", path)
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()

	name := filepath.Base(w.path)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			// Remove and rename leave the current config in effect.
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.targets.Quiet)
			} else {
				timer.Reset(w.targets.Quiet)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload rejected", "path", w.path, "error", err)
		if w.targets.OnError != nil {
			w.targets.OnError(err)
		}
		return
	}
	slog.Info("config reloaded", "path", w.path)
	if w.targets.OnReload != nil {
		w.targets.OnReload(cfg)
	}
}

// Close stops the watcher and waits for any in-flight reload to finish.
// Calls after the first are no-ops.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}
