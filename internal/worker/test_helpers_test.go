package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

const testOrigin = "https://app.example.com"

var errOffline = errors.New("network unreachable")

func resourceURL(path string) string {
	return manifest.RequestURL(testOrigin, path)
}

// fakeOrigin 模拟源站：按逻辑路径返回正文，并统计每个 URL 的请求次数。
type fakeOrigin struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	offline bool
	calls   map[string]int
	reloads int
}

func newFakeOrigin(bodies map[string]string) *fakeOrigin {
	return &fakeOrigin{
		bodies: bodies,
		status: make(map[string]int),
		calls:  make(map[string]int),
	}
}

func (o *fakeOrigin) Fetch(ctx context.Context, req cache.Request, opts cache.FetchOptions) (*cache.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[req.URL]++
	if opts.Reload {
		o.reloads++
	}
	if o.offline {
		return nil, errOffline
	}
	path, _ := NormalizePath(req.URL, testOrigin)
	body, ok := o.bodies[path]
	status := http.StatusOK
	switch code, set := o.status[path]; {
	case set:
		status = code
	case !ok:
		status = http.StatusNotFound
	case req.Header.Get("If-None-Match") != "":
		// 与 http.ServeContent 一样，校验器匹配时返回空正文。
		status, body = http.StatusNotModified, ""
	case req.Header.Get("Range") != "" && len(body) > 2:
		status, body = http.StatusPartialContent, body[:2]
	}
	return &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		URL:    req.URL,
	}, nil
}

func (o *fakeOrigin) setBody(path, body string) {
	o.mu.Lock()
	o.bodies[path] = body
	o.mu.Unlock()
}

func (o *fakeOrigin) setStatus(path string, status int) {
	o.mu.Lock()
	o.status[path] = status
	o.mu.Unlock()
}

func (o *fakeOrigin) setOffline(offline bool) {
	o.mu.Lock()
	o.offline = offline
	o.mu.Unlock()
}

func (o *fakeOrigin) callCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[resourceURL(path)]
}

func (o *fakeOrigin) totalCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.calls {
		total += n
	}
	return total
}

func testManifest(version string, resources map[string]string, shell ...string) *manifest.Manifest {
	return &manifest.Manifest{Version: version, Resources: resources, Shell: shell}
}

func quietLogger() *logrus.Logger {
	return logging.Discard()
}

func newTestWorker(t *testing.T, storage cache.Storage, fetcher cache.Fetcher, m *manifest.Manifest) *Worker {
	t.Helper()
	w, err := New(Options{
		Site:        "game",
		Origin:      testOrigin,
		Manifest:    m,
		Storage:     storage,
		Fetcher:     fetcher,
		Logger:      quietLogger(),
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("new worker error: %v", err)
	}
	return w
}

// deploy 依次执行 install 与 activate，任一失败即终止测试。
func deploy(t *testing.T, storage cache.Storage, fetcher cache.Fetcher, m *manifest.Manifest) (*Worker, ReconcileResult) {
	t.Helper()
	w := newTestWorker(t, storage, fetcher, m)
	ctx := context.Background()
	if err := w.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	result, err := w.Activate(ctx)
	if err != nil {
		t.Fatalf("activate error: %v", err)
	}
	return w, result
}

// contentBodies 以逻辑路径为 key 返回 content 中的全部正文。
func contentBodies(t *testing.T, storage cache.Storage) map[string]string {
	t.Helper()
	ctx := context.Background()
	content, err := storage.Open(ctx, cache.ContentCache)
	if err != nil {
		t.Fatalf("open content error: %v", err)
	}
	keys, err := content.Keys(ctx)
	if err != nil {
		t.Fatalf("list content error: %v", err)
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		resp, err := content.Match(ctx, key)
		if err != nil {
			t.Fatalf("match %s error: %v", key.URL, err)
		}
		out[manifest.LogicalPath(testOrigin, key.URL)] = string(resp.Body)
	}
	return out
}

func seedContent(t *testing.T, storage cache.Storage, bodies map[string]string) {
	t.Helper()
	ctx := context.Background()
	content, err := storage.Open(ctx, cache.ContentCache)
	if err != nil {
		t.Fatalf("open content error: %v", err)
	}
	for path, body := range bodies {
		resp := &cache.Response{Status: http.StatusOK, Body: []byte(body)}
		if err := content.Put(ctx, cache.NewRequest(resourceURL(path)), resp); err != nil {
			t.Fatalf("seed %s error: %v", path, err)
		}
	}
}

func storedResources(t *testing.T, storage cache.Storage) map[string]string {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, cache.ManifestCache)
	if err != nil {
		t.Fatalf("open manifest store error: %v", err)
	}
	resp, err := store.Match(ctx, manifestKey)
	if err != nil {
		t.Fatalf("stored manifest missing: %v", err)
	}
	resources, err := manifest.DecodeResources(resp.Body)
	if err != nil {
		t.Fatalf("decode stored manifest: %v", err)
	}
	return resources
}

func hasCache(t *testing.T, storage cache.Storage, name string) bool {
	t.Helper()
	names, err := storage.Names(context.Background())
	if err != nil {
		t.Fatalf("list caches error: %v", err)
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// faultyStorage 让指定缓存的 Put 失败，用于触发 reconcile 错误。
type faultyStorage struct {
	cache.Storage
	failPut string
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := s.Storage.Open(ctx, name)
	if err != nil || name != s.failPut {
		return c, err
	}
	return &faultyCache{Cache: c}, nil
}

type faultyCache struct {
	cache.Cache
}

func (c *faultyCache) Put(ctx context.Context, req cache.Request, resp *cache.Response) error {
	return errors.New("disk full")
}
