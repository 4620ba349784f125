// Package worker implements the per-deployment cache worker of a site: it
// stages the app shell at install, reconciles the durable content cache against
// the previous manifest at activation, routes intercepted requests to the
// Cache-First or Online-First strategy, and prefetches the rest of the
// manifest on demand. A Worker holds no global state; storage, network and
// manifest are injected, and lifecycle ordering (install → activate → fetch)
// is enforced by the host package.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// State 是 worker 的生命周期状态。
type State string

const (
	StateNew         State = "new"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateReconciling State = "reconciling"
	StateActive      State = "active"
	StateFailed      State = "failed"
	StateRedundant   State = "redundant"
)

var (
	// ErrInstallFailed 表示 shell 预缓存失败，worker 不会进入 installed。
	ErrInstallFailed = errors.New("worker install failed")
	// ErrActivationFailed 表示 reconcile 失败，三个缓存已被清空。
	ErrActivationFailed = errors.New("worker activation failed")
	// ErrInvalidState 表示生命周期调用顺序不正确。
	ErrInvalidState = errors.New("invalid worker state")
)

// Options 汇总 worker 的注入依赖。
type Options struct {
	Site     string
	Origin   string
	Manifest *manifest.Manifest
	Storage  cache.Storage
	Fetcher  cache.Fetcher
	Logger   *logrus.Logger
	// Concurrency 限制 install/downloadOffline 时并发抓取的数量。
	Concurrency int
}

// Worker 绑定一份 manifest；新部署对应新的 Worker 实例。
type Worker struct {
	id          string
	site        string
	origin      string
	manifest    *manifest.Manifest
	storage     cache.Storage
	fetcher     cache.Fetcher
	logger      *logrus.Logger
	concurrency int

	mu         sync.RWMutex
	state      State
	lastErr    error
	reconciled ReconcileResult
}

// New 校验依赖并创建处于 StateNew 的 worker。
func New(opts Options) (*Worker, error) {
	if opts.Manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		id:          uuid.NewString(),
		site:        opts.Site,
		origin:      opts.Origin,
		manifest:    opts.Manifest,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		logger:      logger,
		concurrency: opts.Concurrency,
		state:       StateNew,
	}, nil
}

// ID 返回实例标识，便于日志区分新旧 worker。
func (w *Worker) ID() string { return w.id }

// Manifest 返回 worker 绑定的清单。
func (w *Worker) Manifest() *manifest.Manifest { return w.manifest }

// Origin 返回缓存 key 使用的源站前缀。
func (w *Worker) Origin() string { return w.origin }

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Serving 表示 worker 是否可以处理请求。激活失败的 worker 仍然接管请求，只是缓存为空。
func (w *Worker) Serving() bool {
	switch w.State() {
	case StateActive, StateFailed:
		return true
	default:
		return false
	}
}

// MarkRedundant 在被新版本取代后调用。
func (w *Worker) MarkRedundant() {
	w.setState(StateRedundant, nil)
}

// Snapshot 是 worker 状态的只读副本。
type Snapshot struct {
	ID              string          `json:"id"`
	State           State           `json:"state"`
	ManifestVersion string          `json:"manifest_version,omitempty"`
	Resources       int             `json:"resources"`
	ShellSize       int             `json:"shell_size"`
	LastError       string          `json:"last_error,omitempty"`
	Reconcile       ReconcileResult `json:"reconcile"`
}

// Snapshot 返回诊断接口使用的状态。
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap := Snapshot{
		ID:              w.id,
		State:           w.state,
		ManifestVersion: w.manifest.Version,
		Resources:       len(w.manifest.Resources),
		ShellSize:       len(w.manifest.Shell),
		Reconcile:       w.reconciled,
	}
	if w.lastErr != nil {
		snap.LastError = w.lastErr.Error()
	}
	return snap
}

func (w *Worker) setState(state State, err error) {
	w.mu.Lock()
	w.state = state
	if err != nil {
		w.lastErr = err
	}
	w.mu.Unlock()
}

// transition 仅在当前状态为 from 时切换到 to。
func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s → %s from %s", ErrInvalidState, from, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":           action,
		"site":             w.site,
		"origin":           w.origin,
		"worker_id":        w.id,
		"manifest_version": w.manifest.Version,
	}
}

func (w *Worker) open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := w.storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return c, nil
}
