package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// DownloadOffline 抓取清单中 content 尚未缓存的全部资源，返回本次补齐的逻辑路径。
// 任一资源失败都会让整次调用失败，且不会写入任何条目。
func (w *Worker) DownloadOffline(ctx context.Context) ([]string, error) {
	started := time.Now()
	content, err := w.open(ctx, cache.ContentCache)
	if err != nil {
		return nil, err
	}
	missing, err := w.missingPaths(ctx, content)
	if err != nil {
		return nil, err
	}

	reqs := make([]cache.Request, len(missing))
	for i, p := range missing {
		reqs[i] = cache.NewRequest(manifest.RequestURL(w.origin, p))
	}
	fields := w.fields("download_offline")
	fields["missing"] = len(missing)
	if err := cache.AddAll(ctx, content, w.fetcher, reqs, cache.AddAllOptions{Concurrency: w.concurrency}); err != nil {
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		w.logger.WithFields(fields).WithError(err).Error("download_offline_failed")
		return nil, fmt.Errorf("download offline: %w", err)
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("download_offline_complete")
	return missing, nil
}

// missingPaths 返回清单中存在、但 content 里没有对应条目的路径（已排序）。
func (w *Worker) missingPaths(ctx context.Context, content cache.Cache) ([]string, error) {
	keys, err := content.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", cache.ContentCache, err)
	}
	cached := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		cached[manifest.LogicalPath(w.origin, key.URL)] = struct{}{}
	}
	var missing []string
	for _, p := range w.manifest.Paths() {
		if _, ok := cached[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing, nil
}
