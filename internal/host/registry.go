package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// watchDebounce 合并编辑器保存文件时产生的连续事件。
const watchDebounce = 250 * time.Millisecond

// Registry 按站点名称保存 Controller，保持配置顺序。
type Registry struct {
	logger      *logrus.Logger
	order       []string
	controllers map[string]*Controller
}

// NewRegistry 校验站点名称唯一后构建注册表。
func NewRegistry(logger *logrus.Logger, controllers ...*Controller) (*Registry, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reg := &Registry{
		logger:      logger,
		controllers: make(map[string]*Controller, len(controllers)),
	}
	for _, ctrl := range controllers {
		name := ctrl.Site().Name
		if _, exists := reg.controllers[name]; exists {
			return nil, fmt.Errorf("duplicate site controller: %s", name)
		}
		reg.controllers[name] = ctrl
		reg.order = append(reg.order, name)
	}
	return reg, nil
}

// Lookup 根据站点名称返回 Controller。
func (r *Registry) Lookup(name string) (*Controller, bool) {
	if r == nil {
		return nil, false
	}
	ctrl, ok := r.controllers[name]
	return ctrl, ok
}

// List 按配置顺序返回全部 Controller。
func (r *Registry) List() []*Controller {
	out := make([]*Controller, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.controllers[name])
	}
	return out
}

// StartAll 并发启动所有站点，返回全部失败站点的合并错误。
// 失败的站点保持直通，不影响其他站点。
func (r *Registry) StartAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, ctrl := range r.List() {
		g.Go(func() error {
			if err := ctrl.Start(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("site %s: %w", ctrl.Site().Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Watch 监听清单文件所在目录，文件变化后触发对应站点的 Update。
// 阻塞直到 ctx 结束或 watcher 出错。
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string][]*Controller)
	dirs := make(map[string]struct{})
	for _, ctrl := range r.List() {
		path, err := filepath.Abs(ctrl.Site().Manifest)
		if err != nil {
			return fmt.Errorf("resolve manifest path: %w", err)
		}
		targets[path] = append(targets[path], ctrl)
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for path, timer := range pending {
			if timer.Stop() {
				wg.Done()
			}
			delete(pending, path)
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithField("action", "manifest_watch").WithError(err).Warn("watch_error")
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(event.Name)
			ctrls := targets[path]
			if len(ctrls) == 0 {
				continue
			}
			mu.Lock()
			if timer, exists := pending[path]; exists && timer.Stop() {
				timer.Reset(watchDebounce)
				mu.Unlock()
				continue
			}
			wg.Add(1)
			var timer *time.Timer
			timer = time.AfterFunc(watchDebounce, func() {
				defer wg.Done()
				mu.Lock()
				if pending[path] == timer {
					delete(pending, path)
				}
				mu.Unlock()
				for _, ctrl := range ctrls {
					if _, err := ctrl.Update(ctx); err != nil {
						r.logger.WithFields(ctrl.fields("manifest_watch")).WithError(err).Warn("manifest_reload_failed")
					}
				}
			})
			pending[path] = timer
			mu.Unlock()
		}
	}
}

// Close 等待所有站点的后台任务结束。
func (r *Registry) Close() {
	for _, ctrl := range r.List() {
		ctrl.Wait()
	}
}
