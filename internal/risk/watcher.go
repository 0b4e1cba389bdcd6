package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher перечитывает файл матрицы при изменении и атомарно применяет его.
// Битый файл логируется, текущая матрица остается в силе.
type Watcher struct {
	watcher *fsnotify.Watcher
	matrix  *Matrix
	path    string
	logger  *zap.Logger
}

func NewWatcher(matrix *Matrix, path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("risk: create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("risk: watch %q: %w", path, err)
	}
	return &Watcher{watcher: w, matrix: matrix, path: path, logger: logger.Named("risk.watcher")}, nil
}

// Reload читает файл и подменяет матрицу.
func (w *Watcher) Reload() error {
	tools, err := LoadMatrixFile(w.path)
	if err != nil {
		return err
	}
	w.matrix.Replace(tools)
	return nil
}

// Run блокируется до отмены ctx.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if err := w.Reload(); err != nil {
						w.logger.Error("risk matrix reload failed", zap.Error(err))
						return
					}
					w.logger.Info("risk matrix reloaded", zap.String("path", w.path))
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
