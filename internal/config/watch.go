package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher monitors the custom policy rules file and invokes the
// supplied callback whenever the document changes. Stop must be called to
// release filesystem resources.
type PolicyWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *PolicyWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchPolicy wires fsnotify around the configured rules file and reloads the
// rule set on any relevant change. The watcher observes the parent directory
// because editors and deploy tooling replace files rather than write in place.
func (l *Loader) WatchPolicy(ctx context.Context, cfg Config, onChange func([]PolicyRuleConfig), onError func(error)) (*PolicyWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch policy requires a change callback")
	}
	path := cfg.Server.Policy.RulesFile
	if path == "" {
		return nil, fmt.Errorf("config: no policy rules file configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch policy: %w", err)
	}

	rules, err := LoadPolicyRules(watchCtx, path)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch policy close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(rules)

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch policy close: %w", closeErr))
		}
		cancel()
		return nil, fmt.Errorf("config: watch policy dir: %w", err)
	}

	done := make(chan struct{})
	w := &PolicyWatcher{cancel: cancel, done: done}

	target := filepath.Clean(path)

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch policy close: %w", err))
			}
		}()

		var reloadMu sync.Mutex
		reload := func() {
			reloadMu.Lock()
			defer reloadMu.Unlock()
			rules, err := LoadPolicyRules(watchCtx, path)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(rules)
		}

		// Debounce timer absorbs the write/rename bursts editors emit on save.
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(100*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if err != nil && onError != nil {
					onError(fmt.Errorf("config: watch policy: %w", err))
				}
			}
		}
	}()

	return w, nil
}
