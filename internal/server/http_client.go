package server

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/version"
)

// defaultOriginTimeout 在配置未设置 UpstreamTimeout 时生效。
const defaultOriginTimeout = 30 * time.Second

// 所有站点共享的 transport 参数，复用长连接。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewOriginClient 返回回源使用的 http.Client：统一超时，未设置 User-Agent 的请求补上默认值。
func NewOriginClient(cfg *config.Config) *http.Client {
	timeout := defaultOriginTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: defaultTransport.Clone(), agent: version.UserAgent()},
	}
}

// OriginTransport 返回 client 底层的 *http.Transport，便于按站点克隆并设置代理。
func OriginTransport(client *http.Client) *http.Transport {
	if client == nil {
		return defaultTransport.Clone()
	}
	switch rt := client.Transport.(type) {
	case *userAgentTransport:
		return rt.base
	case *http.Transport:
		return rt
	default:
		return defaultTransport.Clone()
	}
}

// WithTransport 返回替换了底层 transport、其余设置不变的 client 副本。
func WithTransport(client *http.Client, transport *http.Transport) *http.Client {
	cloned := *client
	if ua, ok := client.Transport.(*userAgentTransport); ok {
		cloned.Transport = &userAgentTransport{base: transport, agent: ua.agent}
	} else {
		cloned.Transport = transport
	}
	return &cloned
}

type userAgentTransport struct {
	base  *http.Transport
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	cloned := req.Clone(req.Context())
	cloned.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(cloned)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader 判断头部是否只对单跳连接有效，大小写不敏感。
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
