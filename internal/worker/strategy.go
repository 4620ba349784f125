package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
)

// FetchResult 是一次被拦截请求的处理结果。Route 为 Unmanaged 时 Response 为 nil，
// 由调用方直接访问网络。
type FetchResult struct {
	Route     Route
	Response  *cache.Response
	FromCache bool
}

// HandleFetch 按 Classify 的结果分发到 Cache-First 或 Online-First。
func (w *Worker) HandleFetch(ctx context.Context, req cache.Request) (FetchResult, error) {
	route := Classify(req.Method, req.URL, w.origin, w.manifest)
	result := FetchResult{Route: route}
	var err error
	switch route.Kind {
	case RouteCacheFirst:
		result.Response, result.FromCache, err = w.cacheFirst(ctx, req, route.Path)
	case RouteOnlineFirst:
		result.Response, result.FromCache, err = w.onlineFirst(ctx, req, route.Path)
	}
	return result, err
}

// cacheFirst 命中即返回且不访问网络；未命中时回源，仅完整的 2xx 响应写入 content。
// 回源失败直接返回错误，不存在可用的兜底。
func (w *Worker) cacheFirst(ctx context.Context, req cache.Request, path string) (*cache.Response, bool, error) {
	content, err := w.open(ctx, cache.ContentCache)
	if err != nil {
		return nil, false, err
	}
	cached, err := content.Match(ctx, req)
	switch {
	case err == nil:
		return cached, true, nil
	case errors.Is(err, cache.ErrNotFound):
	case ctx.Err() != nil:
		return nil, false, ctx.Err()
	default:
		w.logger.WithFields(w.requestFields(path, RouteCacheFirst)).WithError(err).Warn("cache_read_failed")
	}

	// content 由所有客户端共享，回源时不能带上单个客户端的 Range/条件头。
	resp, err := w.fetcher.Fetch(ctx, req.Unconditional(), cache.FetchOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if resp.OK() {
		w.store(ctx, content, req, resp, path, RouteCacheFirst)
	}
	return resp, false, nil
}

// onlineFirst 总是先回源：成功（206/304 以外的任何状态码）则写入 content 并返回实时响应；
// 传输失败时退回缓存，缓存也没有则返回原始网络错误。
func (w *Worker) onlineFirst(ctx context.Context, req cache.Request, path string) (*cache.Response, bool, error) {
	content, err := w.open(ctx, cache.ContentCache)
	if err != nil {
		return nil, false, err
	}
	resp, fetchErr := w.fetcher.Fetch(ctx, req.Unconditional(), cache.FetchOptions{})
	if fetchErr == nil {
		w.store(ctx, content, req, resp, path, RouteOnlineFirst)
		return resp, false, nil
	}

	cached, err := content.Match(ctx, req)
	if err == nil {
		fields := w.requestFields(path, RouteOnlineFirst)
		fields["cache_hit"] = true
		w.logger.WithFields(fields).WithError(fetchErr).Warn("online_first_fallback")
		return cached, true, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		w.logger.WithFields(w.requestFields(path, RouteOnlineFirst)).WithError(err).Warn("cache_read_failed")
	}
	return nil, false, fmt.Errorf("fetch %s: %w", req.URL, fetchErr)
}

// store 写入副本；写缓存失败只记录日志，不影响本次响应。
func (w *Worker) store(ctx context.Context, content cache.Cache, req cache.Request, resp *cache.Response, path string, kind RouteKind) {
	if !resp.Storable() {
		fields := w.requestFields(path, kind)
		fields["status"] = resp.Status
		w.logger.WithFields(fields).Debug("cache_write_skipped")
		return
	}
	if err := content.Put(ctx, req, resp.Clone()); err != nil {
		w.logger.WithFields(w.requestFields(path, kind)).WithError(err).Warn("cache_write_failed")
	}
}

func (w *Worker) requestFields(path string, kind RouteKind) logrus.Fields {
	fields := w.fields("fetch")
	fields["path"] = path
	fields["strategy"] = string(kind)
	return fields
}
