package config

import (
	"log/slog"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// FileOverlay is the subset of configuration that can be hot-reloaded from
// an optional TOML file without restarting the process: codec policy and
// log verbosity. Everything else (ports, listen addresses) is fixed at
// startup since changing it live would require tearing down live sockets.
type FileOverlay struct {
	LogLevel string   `toml:"log_level"`
	LogTags  []string `toml:"log_tags"`
	Codecs   []string `toml:"codecs"`
}

// LoadFileOverlay reads a TOML overlay file. A missing or empty path is not
// an error: absence of -config means env/flags only.
func LoadFileOverlay(path string) (*FileOverlay, error) {
	if path == "" {
		return &FileOverlay{}, nil
	}
	var ov FileOverlay
	if _, err := toml.DecodeFile(path, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// Watcher watches an optional config file for changes and invokes onChange
// with the freshly decoded overlay whenever it is written.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	done    chan struct{}
}

// WatchFile starts watching path for writes, calling onChange with the
// newly-decoded overlay on each one. It returns nil, nil if path is empty
// (hot-reload is opt-in).
func WatchFile(path string, onChange func(*FileOverlay)) (*Watcher, error) {
	if path == "" {
		return nil, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{watcher: w, path: path, done: make(chan struct{})}
	go cw.loop(onChange)
	return cw, nil
}

func (w *Watcher) loop(onChange func(*FileOverlay)) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			ov, err := LoadFileOverlay(w.path)
			if err != nil {
				slog.Warn("[Config] failed to reload config file", "path", w.path, "error", err)
				continue
			}
			onChange(ov)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[Config] watch error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
