package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last event on the
// file before reloading it.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the config file whenever it is written or replaced.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	onError  func(error)

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// Watch starts watching path. The directory is watched rather than the file
// so that editors which replace the file by rename are still picked up.
// A burst of events yields one reload, and nothing is reloaded while the
// file is missing.
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	return WatchDebounced(path, DefaultDebounce, onChange, onError)
}

// WatchDebounced is Watch with an explicit quiet period.
func WatchDebounced(path string, debounce time.Duration, onChange func(*Config), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		onError:  onError,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.fail(err)
		}
	}
}

func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		// Moved away or deleted; a replacement shows up as a new event.
		if !errors.Is(err, fs.ErrNotExist) {
			w.fail(err)
		}
		return
	}
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.fail(err)
		return
	}
	w.onChange(cfg)
}

func (w *Watcher) fail(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
