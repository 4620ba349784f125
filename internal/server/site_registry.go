package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/shellcache/internal/config"
)

// SiteRoute 聚合站点配置与解析后的源站/代理 URL，供路由与代理层直接复用。
type SiteRoute struct {
	// Config 是 config.toml 中 [[Site]] 的副本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，便于日志输出。
	ListenPort int
	// OriginURL/ProxyURL 在构造时解析完成。
	OriginURL *url.URL
	ProxyURL  *url.URL
}

// Origin 返回不带末尾斜杠的源站前缀。
func (r *SiteRoute) Origin() string {
	return r.Config.OriginBase()
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射，启动阶段创建一次即可。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
	}
	for _, site := range cfg.Sites {
		host, _ := normalizeHost(site.Domain)
		if host == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[host]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", host)
		}
		route, err := buildSiteRoute(cfg.Global.ListenPort, site)
		if err != nil {
			return nil, err
		}
		registry.routes[host] = route
		registry.ordered = append(registry.ordered, route)
	}
	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找站点，端口部分被忽略。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return nil, false
	}
	route, ok := r.routes[normalized]
	return route, ok
}

// List 按配置顺序返回全部站点。
func (r *SiteRegistry) List() []SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]SiteRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildSiteRoute(port int, site config.SiteConfig) (*SiteRoute, error) {
	originURL, err := url.Parse(site.OriginBase())
	if err != nil {
		return nil, fmt.Errorf("invalid origin for site %s: %w", site.Name, err)
	}
	var proxyURL *url.URL
	if site.Proxy != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}
	return &SiteRoute{
		Config:     site,
		ListenPort: port,
		OriginURL:  originURL,
		ProxyURL:   proxyURL,
	}, nil
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}
	host := raw
	port := 0
	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsed, err := strconv.Atoi(p); err == nil {
				port = parsed
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 {
			if parsed, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsed
			}
		}
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host), port
}
