package host

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

const testOrigin = "https://app.example.com"

// stubOrigin 以 URL 后缀查找正文，未知路径返回 404。
type stubOrigin struct {
	mu      sync.Mutex
	bodies  map[string]string
	offline bool
	calls   int
}

func (o *stubOrigin) Fetch(ctx context.Context, req cache.Request, opts cache.FetchOptions) (*cache.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.offline {
		return nil, errors.New("network unreachable")
	}
	path := strings.TrimPrefix(req.URL, testOrigin+"/")
	if path == "" {
		path = "/"
	}
	body, ok := o.bodies[path]
	if !ok {
		return &cache.Response{Status: http.StatusNotFound, Body: []byte("missing")}, nil
	}
	return &cache.Response{Status: http.StatusOK, Body: []byte(body), URL: req.URL}, nil
}

func (o *stubOrigin) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// streamingOrigin 额外实现 cache.StreamFetcher，并统计流式请求次数。
type streamingOrigin struct {
	*stubOrigin
	streams atomic.Int32
}

func (o *streamingOrigin) FetchStream(ctx context.Context, req cache.Request) (*cache.Stream, error) {
	o.streams.Add(1)
	resp, err := o.stubOrigin.Fetch(ctx, req, cache.FetchOptions{})
	if err != nil {
		return nil, err
	}
	return &cache.Stream{
		Status:        resp.Status,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
	}, nil
}

// manifestSource 让测试在运行中替换清单内容。
type manifestSource struct {
	mu sync.Mutex
	m  *manifest.Manifest
}

func (s *manifestSource) set(m *manifest.Manifest) {
	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
}

func (s *manifestSource) load(string) (*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return nil, errors.New("manifest unavailable")
	}
	return s.m, nil
}

func quietLogger() *logrus.Logger {
	return logging.Discard()
}

func testSite(name string, waitForSkip bool) config.SiteConfig {
	return config.SiteConfig{
		Name:        name,
		Domain:      name + ".example.com",
		Origin:      testOrigin + "/",
		Manifest:    "manifests/" + name + ".json",
		WaitForSkip: waitForSkip,
	}
}

func newTestController(t *testing.T, site config.SiteConfig, origin cache.Fetcher, src *manifestSource) (*Controller, cache.Storage) {
	t.Helper()
	storage := cache.NewMemoryStorage()
	opts := Options{
		Site:        site,
		Storage:     storage,
		Fetcher:     origin,
		Logger:      quietLogger(),
		Concurrency: 2,
	}
	if src != nil {
		opts.Loader = src.load
	}
	ctrl, err := New(opts)
	if err != nil {
		t.Fatalf("new controller error: %v", err)
	}
	return ctrl, storage
}

func v1Manifest() *manifest.Manifest {
	return &manifest.Manifest{
		Version:   "v1",
		Resources: map[string]string{"/": "h0", "a": "h1", "b": "h2"},
		Shell:     []string{"/", "a"},
	}
}

func v2Manifest() *manifest.Manifest {
	return &manifest.Manifest{
		Version:   "v2",
		Resources: map[string]string{"/": "h0", "a": "h1", "b": "h3", "c": "h4"},
		Shell:     []string{"/", "a"},
	}
}
