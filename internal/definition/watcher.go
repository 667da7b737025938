package definition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/internal/openapi"
)

// ErrInvalidDefinitions is returned by Reload when validation fails.
var ErrInvalidDefinitions = errors.New("definition: validation failed")

// Reloader reads the definition directories, validates them and swaps the
// registry. A failed reload leaves the registry untouched.
type Reloader struct {
	Dirs      []string
	Loader    *Loader
	Validator *Validator
	Index     *openapi.Index
	Registry  *Registry
	Metrics   *observability.Metrics
	Logger    *zap.Logger

	mu sync.Mutex
}

// Reload runs one load-validate-swap cycle. Validation errors are logged
// one per line and wrapped in ErrInvalidDefinitions.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	defs, err := r.Loader.LoadAll(r.Dirs)
	if err != nil {
		r.Metrics.RecordDefinitionReload("error")
		return err
	}
	if verrs := r.Validator.Validate(defs, r.Index); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error",
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("error", ve.Message),
			)
		}
		r.Metrics.RecordDefinitionReload("invalid")
		return fmt.Errorf("%w: %d errors", ErrInvalidDefinitions, len(verrs))
	}

	r.Registry.Replace(defs)
	r.Metrics.RecordDefinitionReload("ok")
	r.Metrics.SetDefinitionsLoaded(r.Registry.Len())
	logger.Info("definitions loaded",
		zap.Int("entities", r.Registry.Len()),
		zap.String("checksum", r.Registry.Checksum()),
		zap.Uint64("version", r.Registry.Version()),
	)
	return nil
}

// Watcher reloads definitions when YAML files under the watched
// directories change. Bursts of events are collapsed into one reload
// after the debounce interval.
type Watcher struct {
	reloader *Reloader
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
}

// NewWatcher registers every directory below reloader.Dirs with fsnotify.
func NewWatcher(reloader *Reloader, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range reloader.Dirs {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return fw.Add(path)
			}
			return nil
		})
		if err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("definition: watching %s: %w", root, err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{reloader: reloader, debounce: debounce, watcher: fw, logger: logger}, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				// New subdirectories must be watched too.
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(ev.Name)
					continue
				}
			}
			if !isYAML(ev.Name) || !relevant(ev.Op) {
				continue
			}
			timer.Reset(w.debounce)
			pending = true

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("definition watcher error", zap.Error(err))

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			if err := w.reloader.Reload(); err != nil {
				w.logger.Error("definition reload failed, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Create) || op.Has(fsnotify.Write) ||
		op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)
}
