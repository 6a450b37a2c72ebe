package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and hands each
// valid new Config to onChange. Invalid edits are logged and skipped — the
// running daemon keeps its last good config. The returned stop func ends
// the watch.
func Watch(path string, onChange func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files on save,
	// which would otherwise drop the watch after the first write.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload skipped, %s invalid: %v", path, err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher error: %v", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
