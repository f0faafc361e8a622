package model

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/opencode-ai/turnstream/internal/logging"
)

// Unwrap returns the innermost adapter of a chain of wrappers such as
// RateLimited.
func Unwrap(a Adapter) Adapter {
	for {
		w, ok := a.(interface{ Unwrap() Adapter })
		if !ok {
			return a
		}
		a = w.Unwrap()
	}
}

// ScriptWatcher reloads a ScriptAdapter when its YAML file changes. A file
// that fails to parse is logged and the previous script stays active.
type ScriptWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	adapter *ScriptAdapter
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	reloads int
}

// WatchScript starts watching path and swaps reloaded scripts into adapter.
func WatchScript(path string, adapter *ScriptAdapter) (*ScriptWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors often replace the file rather than write it.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	sw := &ScriptWatcher{
		watcher: w,
		path:    abs,
		adapter: adapter,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go sw.run()

	logging.Info().Str("script", abs).Msg("watching model script")
	return sw, nil
}

func (sw *ScriptWatcher) run() {
	defer close(sw.doneCh)

	for {
		select {
		case <-sw.stopCh:
			return
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != sw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				sw.reload()
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("script watcher error")
		}
	}
}

func (sw *ScriptWatcher) reload() {
	script, err := LoadScript(sw.path)
	if err == nil && len(script.Rules) == 0 && script.Defaults.Fallback == "" {
		// A truncated file mid-write parses as an empty script.
		err = errors.New("script has no rules")
	}
	if err != nil {
		logging.Warn().Err(err).Str("script", sw.path).Msg("script reload failed, keeping previous script")
		return
	}
	sw.adapter.SetScript(script)

	sw.mu.Lock()
	sw.reloads++
	sw.mu.Unlock()

	logging.Info().Str("script", sw.path).Int("rules", len(script.Rules)).Msg("model script reloaded")
}

// Reloads returns how many times the script was swapped.
func (sw *ScriptWatcher) Reloads() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.reloads
}

// Close stops the watcher.
func (sw *ScriptWatcher) Close() error {
	sw.once.Do(func() { close(sw.stopCh) })
	<-sw.doneCh
	return sw.watcher.Close()
}
