package rhi

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configReloadDelay collapses the events of one save into a single reload.
const configReloadDelay = 50 * time.Millisecond

// WatchConfig calls fn with the reloaded configuration every time the file
// at path is written or recreated, until ctx is done. Reloads wait until
// the file has been quiet for configReloadDelay. Empty files and files that
// fail to parse are logged and skipped. The parent directory is watched so
// editors that replace the file atomically are handled.
func WatchConfig(ctx context.Context, path string, fn func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rhi: watch config: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("rhi: watch config: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("rhi: watch config: %w", err)
	}

	reload := time.NewTimer(configReloadDelay)
	reload.Stop()
	defer reload.Stop()

	for {
		select {
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != abs || e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			reload.Reset(configReloadDelay)

		case <-reload.C:
			cfg, ok, err := reloadConfig(abs)
			if err != nil {
				Logger().Warn("rhi: config reload failed", "path", abs, "err", err)
				continue
			}
			if !ok {
				Logger().Debug("rhi: config file empty, keeping current settings", "path", abs)
				continue
			}
			Logger().Info("rhi: config reloaded", "path", abs)
			fn(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			Logger().Warn("rhi: config watcher error", "err", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reloadConfig reads the watched file. ok is false for an empty file.
func reloadConfig(path string) (cfg Config, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, false, fmt.Errorf("rhi: read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Config{}, false, nil
	}
	cfg, err = ParseConfig(data)
	if err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

// ApplyConfig applies the live-tunable parts of cfg to a running device.
// Heap sizes and chunk sizes only take effect for new devices.
func (d *Device) ApplyConfig(cfg Config) {
	d.SetScratchBudget(cfg.Transient.ScratchBudget)
	d.cfg.PanicOnContractViolation = cfg.PanicOnContractViolation
	d.cfg.WaitTimeoutMS = cfg.WaitTimeoutMS
}
