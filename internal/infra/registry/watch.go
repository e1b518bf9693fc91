package registry

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
)

const defaultReloadDebounce = 200 * time.Millisecond

// Run reloads on capability file changes (when watch is set) and on upstream
// session events, debounced, until ctx ends.
func (s *Service) Run(ctx context.Context, watch bool, events <-chan domain.SessionEvent) error {
	triggers := make(chan domain.ReloadSource, 1)

	if watch {
		watcher, err := s.newWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()
		go s.watchLoop(ctx, watcher, triggers)
	}
	if events != nil {
		go forwardSessionEvents(ctx, events, triggers)
	}

	var (
		timer   *time.Timer
		pending domain.ReloadSource
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case source := <-triggers:
			pending = source
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.debounce)
		case <-timerChan(timer):
			timer = nil
			if _, err := s.Reload(ctx, pending); err != nil && ctx.Err() == nil {
				s.logger.Warn("triggered reload failed", zap.String("source", string(pending)), zap.Error(err))
			}
		}
	}
}

func (s *Service) newWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range watchDirs(s.roots) {
		if err := watcher.Add(dir); err != nil {
			s.logger.Warn("capability watcher add failed", zap.String("path", dir), zap.Error(err))
		}
	}
	return watcher, nil
}

func (s *Service) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, triggers chan<- domain.ReloadSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("capability watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					for _, dir := range walkDirs(event.Name) {
						_ = watcher.Add(dir)
					}
					notify(triggers, domain.ReloadSourceWatch)
					continue
				}
			}
			if isCapabilityPath(event.Name) {
				notify(triggers, domain.ReloadSourceWatch)
			}
		}
	}
}

func forwardSessionEvents(ctx context.Context, events <-chan domain.SessionEvent, triggers chan<- domain.ReloadSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			notify(triggers, domain.ReloadSourceUpstream)
		}
	}
}

// notify never blocks; a pending trigger already covers the new one.
func notify(triggers chan<- domain.ReloadSource, source domain.ReloadSource) {
	select {
	case triggers <- source:
	default:
	}
}

// watchDirs lists every directory under the roots. File roots watch their parent.
func watchDirs(roots []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(dir string) {
		if _, ok := seen[dir]; ok {
			return
		}
		seen[dir] = struct{}{}
		out = append(out, dir)
	}
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			add(filepath.Dir(root))
			continue
		}
		for _, dir := range walkDirs(root) {
			add(dir)
		}
	}
	return out
}

func walkDirs(root string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func isCapabilityPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
