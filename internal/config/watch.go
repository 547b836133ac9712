package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when one of the gateway's
// hot-reloadable files changes on disk. The entrypoint sets these at
// startup; each callback re-reads its file and swaps the in-memory state
// so an operator hand-editing credentials or keys never needs a restart.
type WatchTargets struct {
	// OnConfigChange fires when config.json is written or created.
	OnConfigChange func()

	// OnCredentialsChange fires when the credentials file is written or
	// created.
	OnCredentialsChange func()

	// OnAPIKeysChange fires when api_keys.json is written or created.
	OnAPIKeysChange func()
}

// Watcher monitors the directory holding the gateway's JSON files and
// dispatches change events to the matching reload callback. It runs a
// background goroutine until Close is called.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}

	configName      string
	credentialsName string
	apiKeysName     string
}

// NewWatcher watches the directories containing the three hot-reloadable
// files. Files in the same directory share one fsnotify watch.
func NewWatcher(configPath, credentialsPath, apiKeysPath string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}

	dirs := map[string]bool{}
	for _, p := range []string{configPath, credentialsPath, apiKeysPath} {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("config: watch %s: %w", dir, err)
		}
	}

	w := &Watcher{
		fsWatcher:       fw,
		done:            make(chan struct{}),
		configName:      filepath.Base(configPath),
		credentialsName: filepath.Base(credentialsPath),
		apiKeysName:     filepath.Base(apiKeysPath),
	}
	go w.processEvents(targets)

	slog.Info("config watcher started", "files", []string{configPath, credentialsPath, apiKeysPath})
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch filepath.Base(event.Name) {
			case w.configName:
				slog.Info("config.json changed, reloading")
				if targets.OnConfigChange != nil {
					targets.OnConfigChange()
				}
			case w.credentialsName:
				slog.Info("credentials file changed, reloading")
				if targets.OnCredentialsChange != nil {
					targets.OnCredentialsChange()
				}
			case w.apiKeysName:
				slog.Info("api_keys.json changed, reloading")
				if targets.OnAPIKeysChange != nil {
					targets.OnAPIKeysChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
