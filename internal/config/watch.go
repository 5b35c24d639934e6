package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the config file whenever it changes on disk and passes the
// freshly parsed config to onChange. Invalid files are logged and skipped.
// The parent directory is watched so that editors replacing the file by
// rename are noticed. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, dev bool, log *zerolog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	const settle = 200 * time.Millisecond
	var (
		debounce *time.Timer
		fire     = make(chan struct{}, 1)
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(settle, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-fire:
			cfg, err := LoadConfig(abs, dev)
			if err != nil {
				log.Error().Err(err).Str("path", abs).Msg("config reload rejected")
				continue
			}
			log.Info().Str("path", abs).Int("models", len(cfg.AI.Models)).Msg("config reloaded")
			onChange(cfg)
		}
	}
}
