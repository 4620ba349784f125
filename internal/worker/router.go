package worker

import (
	"net/http"
	"strings"

	"github.com/any-hub/shellcache/internal/manifest"
)

// RouteKind 决定一次请求由哪种策略处理。
type RouteKind string

const (
	// RouteUnmanaged 表示请求不归 worker 管，直接走网络。
	RouteUnmanaged RouteKind = "unmanaged"
	// RouteOnlineFirst 仅用于根文档，保证在线时总是最新。
	RouteOnlineFirst RouteKind = "online-first"
	// RouteCacheFirst 用于清单内的其余资源。
	RouteCacheFirst RouteKind = "cache-first"
)

// Route 是 Classify 的结果。
type Route struct {
	Kind RouteKind
	// Path 为归一化后的逻辑路径，Unmanaged 时可能为空。
	Path string
}

// Managed reports whether the worker answers the request itself.
func (r Route) Managed() bool {
	return r.Kind == RouteOnlineFirst || r.Kind == RouteCacheFirst
}

// Classify 是纯函数：只根据 method、URL 与清单决定路由，不访问缓存和网络。
func Classify(method, rawURL, origin string, m *manifest.Manifest) Route {
	if method != http.MethodGet {
		return Route{Kind: RouteUnmanaged}
	}
	path, ok := NormalizePath(rawURL, origin)
	if !ok || !m.Has(path) {
		return Route{Kind: RouteUnmanaged, Path: path}
	}
	if path == manifest.RootPath {
		return Route{Kind: RouteOnlineFirst, Path: path}
	}
	return Route{Kind: RouteCacheFirst, Path: path}
}

// NormalizePath 把请求 URL 映射为逻辑路径：去掉 origin 前缀与 "?v=" 缓存破坏参数，
// origin 本身、同源的 "#..." 导航以及空路径都视为 "/"。URL 不属于 origin 时返回 false。
func NormalizePath(rawURL, origin string) (string, bool) {
	if rawURL == origin || strings.HasPrefix(rawURL, origin+"/#") {
		return manifest.RootPath, true
	}
	if !strings.HasPrefix(rawURL, origin+"/") {
		return "", false
	}
	key := rawURL[len(origin)+1:]
	if idx := strings.Index(key, "?v="); idx >= 0 {
		key = key[:idx]
	}
	if key == "" {
		return manifest.RootPath, true
	}
	return key, true
}
