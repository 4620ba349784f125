package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// manifestKey 是 manifest-store 中唯一条目的 key。
var manifestKey = cache.Request{Method: http.MethodGet, URL: "manifest"}

// ReconcileResult 描述一次激活对 content 缓存做了什么。
type ReconcileResult struct {
	// FreshStart 表示没有上一版 manifest，content 被整体重建。
	FreshStart bool     `json:"fresh_start"`
	Evicted    []string `json:"evicted,omitempty"`
	Retained   int      `json:"retained"`
	Promoted   int      `json:"promoted"`
	// Reset 表示 reconcile 失败后三个缓存被全部删除。
	Reset bool `json:"reset"`
}

// Activate 执行 reconcile；失败时删除 temp/content/manifest-store 三个缓存并记录错误。
// 无论成败 worker 都会接管请求：失败后缓存为空，所有请求按未命中处理。
func (w *Worker) Activate(ctx context.Context) (ReconcileResult, error) {
	if err := w.transition(StateInstalled, StateReconciling); err != nil {
		return ReconcileResult{}, err
	}
	started := time.Now()

	result, err := w.reconcile(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrActivationFailed, err)
		result = ReconcileResult{Reset: true}
		if resetErr := w.reset(context.WithoutCancel(ctx)); resetErr != nil {
			w.logger.WithFields(w.fields("reconcile_reset")).WithError(resetErr).Error("reset_failed")
		}
		w.mu.Lock()
		w.state = StateFailed
		w.lastErr = err
		w.reconciled = result
		w.mu.Unlock()

		fields := w.fields("activate")
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		w.logger.WithFields(fields).WithError(err).Error("activate_failed")
		return result, err
	}

	w.mu.Lock()
	w.state = StateActive
	w.reconciled = result
	w.mu.Unlock()

	fields := w.fields("activate")
	fields["fresh_start"] = result.FreshStart
	fields["evicted"] = len(result.Evicted)
	fields["retained"] = result.Retained
	fields["promoted"] = result.Promoted
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("activate_complete")
	return result, nil
}

// reconcile 把 temp 合并进 content，并按上一版 manifest 淘汰失效条目。
// 条目保留的条件：路径仍在新清单中，且新指纹等于上一版记录的指纹。
func (w *Worker) reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	content, err := w.open(ctx, cache.ContentCache)
	if err != nil {
		return result, err
	}
	temp, err := w.open(ctx, cache.TempCache)
	if err != nil {
		return result, err
	}
	store, err := w.open(ctx, cache.ManifestCache)
	if err != nil {
		return result, err
	}

	stored, err := store.Match(ctx, manifestKey)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		result.FreshStart = true
		if _, err := w.storage.Delete(ctx, cache.ContentCache); err != nil {
			return result, fmt.Errorf("delete %s: %w", cache.ContentCache, err)
		}
		if content, err = w.open(ctx, cache.ContentCache); err != nil {
			return result, err
		}
	case err != nil:
		return result, fmt.Errorf("read stored manifest: %w", err)
	default:
		previous, err := manifest.DecodeResources(stored.Body)
		if err != nil {
			return result, err
		}
		if result.Evicted, result.Retained, err = w.evictStale(ctx, content, previous); err != nil {
			return result, err
		}
	}

	if result.Promoted, err = copyEntries(ctx, temp, content); err != nil {
		return result, err
	}
	if _, err := w.storage.Delete(ctx, cache.TempCache); err != nil {
		return result, fmt.Errorf("delete %s: %w", cache.TempCache, err)
	}
	if err := w.saveManifest(ctx, store); err != nil {
		return result, err
	}
	return result, nil
}

// evictStale 删除已从清单移除或指纹与上一版记录不一致的条目。
// 比较的是清单记录而非条目的实际内容哈希：若记录本身被破坏，条目仍会保留。
func (w *Worker) evictStale(ctx context.Context, content cache.Cache, previous map[string]string) ([]string, int, error) {
	keys, err := content.Keys(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", cache.ContentCache, err)
	}
	var evicted []string
	retained := 0
	for _, key := range keys {
		path := manifest.LogicalPath(w.origin, key.URL)
		current, ok := w.manifest.Fingerprint(path)
		if ok && current == previous[path] {
			retained++
			continue
		}
		if _, err := content.Delete(ctx, key); err != nil {
			return evicted, retained, fmt.Errorf("evict %s: %w", key.URL, err)
		}
		evicted = append(evicted, path)
	}
	return evicted, retained, nil
}

func (w *Worker) saveManifest(ctx context.Context, store cache.Cache) error {
	body, err := w.manifest.EncodeResources()
	if err != nil {
		return err
	}
	resp := &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}
	if err := store.Put(ctx, manifestKey, resp); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// reset 无条件删除三个缓存，下一次安装从零开始。
func (w *Worker) reset(ctx context.Context) error {
	var errs []error
	for _, name := range []string{cache.ContentCache, cache.TempCache, cache.ManifestCache} {
		if _, err := w.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
		}
	}
	w.logger.WithFields(w.fields("reconcile_reset")).Warn("caches_reset")
	return errors.Join(errs...)
}

// copyEntries 把 src 的每个条目写入 dst（同 key 覆盖）。
func copyEntries(ctx context.Context, src, dst cache.Cache) (int, error) {
	keys, err := src.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list staged entries: %w", err)
	}
	copied := 0
	for _, key := range keys {
		resp, err := src.Match(ctx, key)
		if err != nil {
			return copied, fmt.Errorf("read staged %s: %w", key.URL, err)
		}
		if err := dst.Put(ctx, key, resp); err != nil {
			return copied, fmt.Errorf("promote %s: %w", key.URL, err)
		}
		copied++
	}
	return copied, nil
}
