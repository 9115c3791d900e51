package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openmoor/moor/pkg/entity"
)

// applyDelay debounces bursts of file events into one sweep.
const applyDelay = 500 * time.Millisecond

// Watch applies every definition file in dir and re-applies the
// directory whenever a definition changes, until ctx is cancelled.
// Re-applying unchanged definitions is cheap: the fingerprint check
// skips their provider update. A definition that fails to apply is
// logged and does not stop the watch.
func (r *Runner) Watch(ctx context.Context, dir string) error {
	ctx = r.tel.WithContext(ctx)
	log := zerolog.Ctx(ctx).With().
		Str("component", "definition-watch").
		Str("dir", dir).
		Logger()

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat watch directory: %w", err)
	}
	if !info.IsDir() {
		return entity.NewInvalid(fmt.Sprintf("watch path %s is not a directory", dir), nil).
			WithCode(entity.CodeValidation)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	r.sweep(ctx, dir, log)
	log.Info().Msg("Watching definitions")

	var applyTimer *time.Timer
	defer func() {
		if applyTimer != nil {
			applyTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			log.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Definition changed")

			if applyTimer != nil {
				applyTimer.Stop()
			}
			applyTimer = time.AfterFunc(applyDelay, func() {
				r.sweep(ctx, dir, log)
			})

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(werr).Msg("Watcher error")
		}
	}
}

// sweep applies every definition file currently in dir, flat.
func (r *Runner) sweep(ctx context.Context, dir string, log zerolog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read watch directory")
		return
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	r.tel.Metrics.SetWatchQueueDepth(float64(len(files)))

	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		file, err := LoadDefinitionFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Definition file skipped")
			continue
		}
		verb, inst, err := r.Apply(ctx, file, false)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("Definition apply failed")
			continue
		}
		log.Info().
			Str("file", path).
			Str("verb", string(verb)).
			Str("entity", inst.Ref()).
			Str("status", string(inst.Status)).
			Msg("Definition applied")
	}
	r.tel.Metrics.SetWatchQueueDepth(0)
}

// isDefinitionFile reports whether a path names a definition document.
func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
