// Package network performs the real HTTP fetches behind cache.Fetcher: it
// forwards the client's end-to-end headers to the site origin, optionally via
// an outbound proxy. Responses headed for a cache are buffered so they can be
// both returned and persisted; pass-through responses are handed back as an
// unread stream.
package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/server"
)

// HTTPFetcher 基于共享 http.Client 实现 cache.Fetcher 与 cache.StreamFetcher。
type HTTPFetcher struct {
	client *http.Client
}

// NewFetcher 构造 Fetcher；proxyURL 非空时克隆 Transport 并改走该代理。
func NewFetcher(client *http.Client, proxyURL *url.URL) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if proxyURL == nil {
		return &HTTPFetcher{client: client}
	}
	transport := server.OriginTransport(client).Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	return &HTTPFetcher{client: server.WithTransport(client, transport)}
}

// Fetch 发起请求并完整读取正文。非 2xx 不视为错误，由调用方依据 Response.OK 判断。
func (f *HTTPFetcher) Fetch(ctx context.Context, req cache.Request, opts cache.FetchOptions) (*cache.Response, error) {
	resp, err := f.do(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &cache.Response{
		Status: resp.StatusCode,
		Header: responseHeader(resp),
		Body:   body,
		URL:    resp.Request.URL.String(),
	}, nil
}

// FetchStream 只读取响应头，正文原样交给调用方，适合大文件与 SSE 等长连接。
func (f *HTTPFetcher) FetchStream(ctx context.Context, req cache.Request) (*cache.Stream, error) {
	resp, err := f.do(ctx, req, cache.FetchOptions{})
	if err != nil {
		return nil, err
	}
	return &cache.Stream{
		Status:        resp.StatusCode,
		Header:        responseHeader(resp),
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

func (f *HTTPFetcher) do(ctx context.Context, req cache.Request, opts cache.FetchOptions) (*http.Response, error) {
	httpReq, err := buildRequest(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	return f.client.Do(httpReq)
}

func responseHeader(resp *http.Response) http.Header {
	header := make(http.Header, len(resp.Header))
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return header
}

func buildRequest(ctx context.Context, req cache.Request, opts cache.FetchOptions) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		server.CopyHeaders(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Host")
	// 正文需要原样缓存，交给 http.Transport 处理压缩协商。
	httpReq.Header.Del("Accept-Encoding")
	if opts.Reload {
		httpReq.Header.Del("If-None-Match")
		httpReq.Header.Del("If-Modified-Since")
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}
	return httpReq, nil
}
