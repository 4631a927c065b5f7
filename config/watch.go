package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the file whenever it changes and calls onChange with the new configuration.
// The directory is watched, so editors that replace the file on save are seen too.
// Rapid successive writes are coalesced. Watch returns when ctx is done.
func Watch(ctx context.Context, filename string, log zerolog.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	filename = filepath.Clean(filename)
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		return err
	}

	const debounce = 200 * time.Millisecond
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filename || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-timer.C:
			config, err := Load(filename)
			if err == nil {
				err = config.Validate()
			}
			if err != nil {
				log.Error().Err(err).Str("file", filename).Msg("Ignoring invalid config")
				continue
			}
			log.Debug().Str("file", filename).Msg("Config reloaded")
			onChange(config)
		}
	}
}
