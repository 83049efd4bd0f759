// Package inbox hands user actions from the UI layer to the sync engine.
//
// The UI drops one JSON action file per intent into the inbox directory (see
// schema.ActionFile). The watcher debounces file events, submits each action
// and removes the file once the intent is durably queued. Files that cannot
// be parsed are renamed with a ".rejected" suffix so they are not retried.
//
// The action id is used as the op id, so an action submitted twice (for
// example after a crash before its file was removed) is queued once.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// RejectedSuffix is appended to action files that cannot be submitted.
const RejectedSuffix = ".rejected"

// Submitter accepts intents. *engine.Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, in engine.Intent) (*schema.MutationOp, error)
}

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is read.
	DebounceInterval time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{DebounceInterval: 100 * time.Millisecond}
}

// Watcher submits action files as they appear in a directory.
type Watcher struct {
	dir       string
	submitter Submitter
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time // path -> last event
}

// New creates a watcher for dir.
func New(dir string, submitter Submitter) (*Watcher, error) {
	return NewWithConfig(dir, submitter, DefaultConfig())
}

// NewWithConfig creates a watcher with custom configuration.
func NewWithConfig(dir string, submitter Submitter, cfg Config) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultConfig().DebounceInterval
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox directory: %w", err)
	}
	return &Watcher{
		dir:       abs,
		submitter: submitter,
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger).Named("inbox"),
		pending:   make(map[string]time.Time),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Sweep submits every action already in the directory, oldest first.
func (w *Watcher) Sweep(ctx context.Context) (submitted int, err error) {
	actions, skipped, err := schema.ReadAllActionFiles(w.dir)
	if err != nil {
		return 0, err
	}
	for _, name := range skipped {
		w.reject(filepath.Join(w.dir, name), errors.New("unreadable action file"))
	}
	for _, a := range actions {
		if err := w.submit(ctx, a); err != nil {
			w.logger.Warn("failed to submit action", zap.String("action_id", a.ID), zap.Error(err))
			continue
		}
		submitted++
	}
	return submitted, nil
}

// Run sweeps the directory, then watches it until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	// Watch before sweeping so nothing written in between is missed.
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox directory %s: %w", w.dir, err)
	}
	if n, err := w.Sweep(ctx); err != nil {
		return fmt.Errorf("initial sweep failed: %w", err)
	} else if n > 0 {
		w.logger.Info("submitted queued actions", zap.Int("count", n))
	}
	w.logger.Info("watching inbox", zap.String("dir", w.dir))

	ticker := time.NewTicker(w.cfg.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if path, ok := w.relevant(event); ok {
				w.queueChange(path)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

// relevant reports whether event may have produced a complete action file.
func (w *Watcher) relevant(event fsnotify.Event) (string, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return "", false
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return "", false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(abs) != w.dir {
		return "", false
	}
	return abs, true
}

func (w *Watcher) queueChange(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = time.Now()
}

// processPending submits files that have been quiet for the debounce
// interval.
func (w *Watcher) processPending(ctx context.Context) {
	w.mu.Lock()
	var ready []string
	now := time.Now()
	for path, at := range w.pending {
		if now.Sub(at) >= w.cfg.DebounceInterval {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		a, err := schema.ReadActionFile(path)
		if err != nil {
			w.reject(path, err)
			continue
		}
		if err := w.submit(ctx, a); err != nil {
			w.logger.Warn("failed to submit action", zap.String("action_id", a.ID), zap.Error(err))
		}
	}
}

func (w *Watcher) submit(ctx context.Context, a *schema.ActionFile) error {
	op, err := w.submitter.Submit(ctx, engine.Intent{
		OpID:     a.ID,
		RecordID: a.TargetID,
		Action:   a.Action,
		Patch:    a.Patch(),
	})
	path := a.Path
	if path == "" {
		path = filepath.Join(w.dir, a.Filename())
	}
	if errors.Is(err, syncerr.ErrNotFound) {
		w.reject(path, err)
		return nil
	}
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("failed to remove submitted action", zap.String("path", path), zap.Error(err))
	}
	w.logger.Debug("action submitted", zap.String("action_id", a.ID), logging.OpID(op.OpID), logging.RecordID(op.TargetID))
	return nil
}

func (w *Watcher) reject(path string, cause error) {
	w.logger.Warn("rejecting action file", zap.String("path", path), zap.Error(cause))
	if err := os.Rename(path, path+RejectedSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Error("failed to set aside action file", zap.String("path", path), zap.Error(err))
	}
}
