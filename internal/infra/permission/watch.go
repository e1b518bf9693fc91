package permission

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/telemetry"
)

const defaultPolicyDebounce = 200 * time.Millisecond

// ReloadPolicy loads and compiles path, then installs it. A bad file keeps the active policy.
func (c *Cache) ReloadPolicy(path string) error {
	spec, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}
	policy, err := Compile(spec)
	if err != nil {
		return err
	}
	c.SetPolicy(policy)
	return nil
}

// WatchPolicy reloads path whenever it changes until ctx ends. The parent
// directory is watched so editors that replace the file by rename are seen.
func (c *Cache) WatchPolicy(ctx context.Context, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = defaultPolicyDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return domain.E(domain.CodeConfig, "permission.watch_policy", "create watcher", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return domain.E(domain.CodeConfig, "permission.watch_policy", "watch "+filepath.Dir(target), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("policy watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := c.ReloadPolicy(target); err != nil {
				c.logger.Warn("policy reload failed; keeping active policy",
					telemetry.EventField(telemetry.EventPolicyReload),
					zap.String("path", target),
					zap.Error(err),
				)
			}
		}
	}
}
