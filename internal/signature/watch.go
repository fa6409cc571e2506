package signature

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RuleWatcher reloads an extractor's rules when the rule file changes.
// A file that fails to parse is logged and the previous rules stay active.
type RuleWatcher struct {
	path      string
	extractor *Extractor
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
}

// NewRuleWatcher watches the directory containing path so that editors
// which replace the file (rename + create) are picked up too.
func NewRuleWatcher(path string, extractor *Extractor, logger *zap.Logger) (*RuleWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rules path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &RuleWatcher{
		path:      abs,
		extractor: extractor,
		logger:    logger.Named("rules"),
		watcher:   w,
	}, nil
}

// Run processes file events until ctx is done. It always closes the
// underlying watcher before returning.
func (rw *RuleWatcher) Run(ctx context.Context) error {
	defer rw.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != rw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rw.reload()
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return nil
			}
			rw.logger.Warn("rule watcher error", zap.Error(err))
		}
	}
}

func (rw *RuleWatcher) reload() {
	rs, err := LoadRules(rw.path)
	if err != nil {
		rw.logger.Warn("keeping previous rules", zap.String("path", rw.path), zap.Error(err))
		return
	}
	rw.extractor.SetRules(rs)
	rw.logger.Info("rules reloaded", zap.String("path", rw.path), zap.Int("rules", rs.Len()))
}
