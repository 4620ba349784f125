package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// 站点使用的三个命名缓存。
const (
	TempCache     = "temp"
	ContentCache  = "content"
	ManifestCache = "manifest-store"
)

// Storage 负责按名称打开/删除缓存，对应浏览器的 CacheStorage。
type Storage interface {
	// Open 打开（必要时创建）名为 name 的缓存。
	Open(ctx context.Context, name string) (Cache, error)

	// Delete 删除整个缓存及其全部条目，返回缓存此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 返回当前存在的缓存名称，按字典序排列。
	Names(ctx context.Context) ([]string, error)
}

// Cache 是以请求 URL 为 key 的响应存储。实现需保证单 key 的 Put/Match 原子性。
type Cache interface {
	// Match 返回缓存的响应副本；不存在时返回 ErrNotFound。
	Match(ctx context.Context, req Request) (*Response, error)

	// Put 写入（覆盖）req 对应的响应；Storable 为 false 时返回 ErrUncacheable。
	Put(ctx context.Context, req Request, resp *Response) error

	// Delete 删除条目，返回条目此前是否存在。
	Delete(ctx context.Context, req Request) (bool, error)

	// Keys 返回全部条目的请求，按 URL 排序。
	Keys(ctx context.Context) ([]Request, error)
}

// Request 描述一次资源请求；缓存身份只由 URL 决定。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest 构造一个 GET 请求。
func NewRequest(rawURL string) Request {
	return Request{Method: http.MethodGet, URL: rawURL}
}

// Key 返回缓存身份：URL 去掉 "#" 之后的片段，与浏览器请求不携带 fragment 一致。
func (r Request) Key() string {
	if idx := strings.IndexByte(r.URL, '#'); idx >= 0 {
		return r.URL[:idx]
	}
	return r.URL
}

// conditionalHeaders 会让源站返回分段或空正文，回源结果要写入共享缓存时必须去掉。
var conditionalHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// Unconditional 返回去掉 Range 与条件请求头的副本，源站的响应因此总是完整资源。
func (r Request) Unconditional() Request {
	if len(r.Header) == 0 {
		return r
	}
	r.Header = r.Header.Clone()
	for _, name := range conditionalHeaders {
		r.Header.Del(name)
	}
	return r
}

// Response 是可被多次消费的完整响应（正文驻留内存）。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt time.Time
}

// OK 对应 fetch 的 response.ok：状态码位于 2xx。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Storable 报告响应能否作为完整资源写入缓存：206 只是资源的一段，304 没有正文。
func (r *Response) Storable() bool {
	if r == nil {
		return false
	}
	return r.Status != http.StatusPartialContent && r.Status != http.StatusNotModified
}

// Clone 返回深拷贝，调用方可以一份返回、一份写入缓存。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// FetchOptions 控制单次网络请求。
type FetchOptions struct {
	// Reload 绕过任何传输层缓存，强制向源站重新验证。
	Reload bool
}

// Fetcher 是网络访问接口。传输失败返回 error；任何 HTTP 状态都作为 Response 返回。
type Fetcher interface {
	Fetch(ctx context.Context, req Request, opts FetchOptions) (*Response, error)
}

// Stream 是正文尚未读取的响应，调用方负责关闭 Body。
type Stream struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// ContentLength 为 -1 表示长度未知（例如分块传输）。
	ContentLength int64
}

// StreamFetcher 以流的形式返回响应，用于不写入缓存的直通请求。
type StreamFetcher interface {
	FetchStream(ctx context.Context, req Request) (*Stream, error)
}

// FetcherFunc 允许直接以函数实现 Fetcher，便于测试注入。
type FetcherFunc func(ctx context.Context, req Request, opts FetchOptions) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request, opts FetchOptions) (*Response, error) {
	return f(ctx, req, opts)
}

// ErrNotFound 表示缓存条目不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrUncacheable 表示响应不是完整资源，Put 拒绝写入。
var ErrUncacheable = errors.New("response not cacheable")

func uncacheable(resp *Response) error {
	if resp == nil {
		return fmt.Errorf("%w: nil response", ErrUncacheable)
	}
	return fmt.Errorf("%w: status %d", ErrUncacheable, resp.Status)
}

// ErrInvalidCacheName 表示缓存名称包含非法字符。
var ErrInvalidCacheName = errors.New("invalid cache name")
