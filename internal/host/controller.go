// Package host plays the runtime role for site workers: it installs a worker
// for every manifest revision, decides when the installed worker takes control,
// routes intercepted requests through the controlling worker and tracks the
// background work started by fire-and-forget messages.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/worker"
)

// ErrNoWaitingWorker 表示 skipWaiting 时没有等待激活的 worker。
var ErrNoWaitingWorker = errors.New("no waiting worker")

// ManifestLoader 读取站点清单，测试中可替换。
type ManifestLoader func(path string) (*manifest.Manifest, error)

// Options 汇总 Controller 的注入依赖。
type Options struct {
	Site        config.SiteConfig
	Storage     cache.Storage
	Fetcher     cache.Fetcher
	Logger      *logrus.Logger
	Concurrency int
	Loader      ManifestLoader
}

// Controller 管理单个站点的 active/waiting worker。生命周期操作串行执行，
// 请求分发只读取当前 active worker。
type Controller struct {
	site        config.SiteConfig
	origin      string
	storage     cache.Storage
	fetcher     cache.Fetcher
	logger      *logrus.Logger
	concurrency int
	load        ManifestLoader

	lifecycle sync.Mutex
	pending   sync.WaitGroup

	mu         sync.RWMutex
	active     *worker.Worker
	waiting    *worker.Worker
	lastUpdate time.Time
	lastErr    error
}

// New 创建尚未启动的 Controller，此时所有请求直接回源。
func New(opts Options) (*Controller, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	origin := opts.Site.OriginBase()
	if origin == "" {
		return nil, fmt.Errorf("site %s: origin is required", opts.Site.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	load := opts.Loader
	if load == nil {
		load = manifest.Load
	}
	return &Controller{
		site:        opts.Site,
		origin:      origin,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		logger:      logger,
		concurrency: opts.Concurrency,
		load:        load,
	}, nil
}

// Site 返回站点配置。
func (c *Controller) Site() config.SiteConfig { return c.site }

// Origin 返回缓存 key 使用的源站前缀。
func (c *Controller) Origin() string { return c.origin }

// Active 返回当前接管请求的 worker，可能为 nil。
func (c *Controller) Active() *worker.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Waiting 返回已安装、等待 skipWaiting 的 worker，可能为 nil。
func (c *Controller) Waiting() *worker.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waiting
}

// Start 安装并激活首个 worker。安装失败时站点保持未接管状态，请求全部直通源站。
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	m, err := c.load(c.site.Manifest)
	if err != nil {
		c.recordErr(err)
		return err
	}
	w, err := c.install(ctx, m)
	if err != nil {
		return err
	}
	return c.activate(ctx, w)
}

// UpdateResult 描述一次清单重新加载的结果。
type UpdateResult struct {
	Changed   bool           `json:"changed"`
	Activated bool           `json:"activated"`
	Waiting   bool           `json:"waiting"`
	Delta     manifest.Delta `json:"delta"`
}

// Update 重新读取清单；内容未变化时不做任何事。新 worker 安装成功后，
// WaitForSkip 站点进入 waiting，其余站点立即激活。
func (c *Controller) Update(ctx context.Context) (UpdateResult, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	var result UpdateResult
	m, err := c.load(c.site.Manifest)
	if err != nil {
		c.recordErr(err)
		return result, err
	}
	current := c.latest()
	if current != nil && current.Manifest().SameContent(m) {
		return result, nil
	}
	var prev map[string]string
	if current != nil {
		prev = current.Manifest().Resources
	}
	result.Changed = true
	result.Delta = manifest.Compare(prev, m.Resources)

	fields := c.fields("manifest_update")
	fields["manifest_version"] = m.Version
	fields["added"] = len(result.Delta.Added)
	fields["removed"] = len(result.Delta.Removed)
	fields["changed"] = len(result.Delta.Changed)
	c.logger.WithFields(fields).Info("manifest_changed")

	w, err := c.install(ctx, m)
	if err != nil {
		return result, err
	}
	if c.site.WaitForSkip && c.Active() != nil {
		c.mu.Lock()
		replaced := c.waiting
		c.waiting = w
		c.mu.Unlock()
		if replaced != nil {
			replaced.MarkRedundant()
		}
		result.Waiting = true
		return result, nil
	}
	result.Activated = true
	return result, c.activate(ctx, w)
}

// SkipWaiting 立即激活等待中的 worker。
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	w := c.Waiting()
	if w == nil {
		return ErrNoWaitingWorker
	}
	return c.activate(ctx, w)
}

// Post 投递一条 fire-and-forget 消息：立即返回，实际工作在后台执行并计入 Wait。
func (c *Controller) Post(ctx context.Context, msg worker.Message) {
	ctx = context.WithoutCancel(ctx)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		fields := c.fields("message")
		fields["message"] = string(msg)
		var err error
		switch msg {
		case worker.MessageSkipWaiting:
			err = c.SkipWaiting(ctx)
			if errors.Is(err, ErrNoWaitingWorker) {
				c.logger.WithFields(fields).Debug("skip_waiting_ignored")
				return
			}
		case worker.MessageDownloadOffline:
			err = c.downloadOffline(ctx)
		default:
			err = fmt.Errorf("%w: %q", worker.ErrUnknownMessage, string(msg))
		}
		if err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("message_failed")
			return
		}
		c.logger.WithFields(fields).Info("message_handled")
	}()
}

// Wait 阻塞直到所有后台任务完成。
func (c *Controller) Wait() {
	c.pending.Wait()
}

// Result 是 Controller.Fetch 的结果。受管请求的正文已缓冲在 Response 中；
// 直通请求在 Fetcher 支持流式读取时改用 Stream，调用方负责关闭其 Body。
type Result struct {
	worker.FetchResult
	Stream *cache.Stream
}

// Fetch 通过 active worker 处理请求；站点未接管或请求不归 worker 管时直接回源。
func (c *Controller) Fetch(ctx context.Context, req cache.Request) (Result, error) {
	if w := c.Active(); w != nil && w.Serving() {
		result, err := w.HandleFetch(ctx, req)
		if err != nil || result.Route.Managed() {
			return Result{FetchResult: result}, err
		}
	}
	return c.passThrough(ctx, req)
}

// passThrough 直通源站，响应不会进入任何缓存，因此无需把正文读入内存。
func (c *Controller) passThrough(ctx context.Context, req cache.Request) (Result, error) {
	result := Result{FetchResult: worker.FetchResult{Route: worker.Route{Kind: worker.RouteUnmanaged}}}
	if streamer, ok := c.fetcher.(cache.StreamFetcher); ok {
		stream, err := streamer.FetchStream(ctx, req)
		if err != nil {
			return result, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
		result.Stream = stream
		return result, nil
	}
	resp, err := c.fetcher.Fetch(ctx, req, cache.FetchOptions{})
	if err != nil {
		return result, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	result.Response = resp
	return result, nil
}

func (c *Controller) downloadOffline(ctx context.Context) error {
	w := c.Active()
	if w == nil || !w.Serving() {
		return errors.New("site is not controlled by a worker")
	}
	_, err := w.DownloadOffline(ctx)
	return err
}

// install 创建并安装新 worker；失败的 worker 被丢弃。
func (c *Controller) install(ctx context.Context, m *manifest.Manifest) (*worker.Worker, error) {
	w, err := worker.New(worker.Options{
		Site:        c.site.Name,
		Origin:      c.origin,
		Manifest:    m,
		Storage:     c.storage,
		Fetcher:     c.fetcher,
		Logger:      c.logger,
		Concurrency: c.concurrency,
	})
	if err != nil {
		c.recordErr(err)
		return nil, err
	}
	if err := w.Install(ctx); err != nil {
		c.recordErr(err)
		return nil, err
	}
	return w, nil
}

// activate 运行 reconcile 后提升 worker。激活失败时缓存已被清空，
// worker 依然接管请求，只是全部按未命中处理。
func (c *Controller) activate(ctx context.Context, w *worker.Worker) error {
	_, err := w.Activate(ctx)

	c.mu.Lock()
	prev := c.active
	c.active = w
	if c.waiting == w {
		c.waiting = nil
	}
	c.lastUpdate = time.Now().UTC()
	c.lastErr = err
	c.mu.Unlock()

	if prev != nil && prev != w {
		prev.MarkRedundant()
	}
	fields := c.fields("activate")
	fields["worker_id"] = w.ID()
	fields["manifest_version"] = w.Manifest().Version
	fields["state"] = string(w.State())
	c.logger.WithFields(fields).Info("worker_promoted")
	return err
}

// latest 返回最新安装的 worker：waiting 优先于 active。
func (c *Controller) latest() *worker.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.waiting != nil {
		return c.waiting
	}
	return c.active
}

func (c *Controller) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.WithFields(c.fields("manifest_update")).WithError(err).Error("worker_unavailable")
}

func (c *Controller) fields(action string) logrus.Fields {
	fields := logging.SiteFields(c.site.Name, c.site.Domain, c.origin)
	fields["action"] = action
	fields["activation_mode"] = c.site.ActivationMode()
	return fields
}
