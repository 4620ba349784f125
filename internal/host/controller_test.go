package host

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/worker"
)

func TestStartActivatesFirstWorker(t *testing.T) {
	ctx := context.Background()
	origin := &stubOrigin{bodies: map[string]string{"/": "index", "a": "resp_a", "b": "resp_b"}}
	ctrl, _ := newTestController(t, testSite("game", false), origin, &manifestSource{m: v1Manifest()})

	if ctrl.Origin() != testOrigin {
		t.Fatalf("origin should be trimmed, got %s", ctrl.Origin())
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	active := ctrl.Active()
	if active == nil || active.State() != worker.StateActive {
		t.Fatalf("expected an active worker, got %+v", active)
	}

	origin.offline = true
	result, err := ctrl.Fetch(ctx, cache.NewRequest(testOrigin+"/a"))
	if err != nil {
		t.Fatalf("shell resource should be served offline: %v", err)
	}
	if !result.FromCache || string(result.Response.Body) != "resp_a" {
		t.Fatalf("unexpected fetch result %+v", result)
	}
}

func TestStartInstallFailureLeavesSiteUncontrolled(t *testing.T) {
	ctx := context.Background()
	origin := &stubOrigin{bodies: map[string]string{"/": "index"}}
	ctrl, _ := newTestController(t, testSite("game", false), origin, &manifestSource{m: v1Manifest()})

	err := ctrl.Start(ctx)
	if !errors.Is(err, worker.ErrInstallFailed) {
		t.Fatalf("expected install failure, got %v", err)
	}
	if ctrl.Active() != nil {
		t.Fatalf("failed install must not take control")
	}

	result, err := ctrl.Fetch(ctx, cache.NewRequest(testOrigin+"/"))
	if err != nil {
		t.Fatalf("pass-through fetch error: %v", err)
	}
	if result.Route.Managed() || string(result.Response.Body) != "index" {
		t.Fatalf("uncontrolled site should pass requests through, got %+v", result)
	}
	if status := ctrl.Status(ctx); status.Controlled || status.LastError == "" {
		t.Fatalf("status should report the failure: %+v", status)
	}
}

func TestUpdateIsNoopForUnchangedManifest(t *testing.T) {
	ctx := context.Background()
	origin := &stubOrigin{bodies: map[string]string{"/": "index", "a": "resp_a", "b": "resp_b"}}
	src := &manifestSource{m: v1Manifest()}
	ctrl, _ := newTestController(t, testSite("game", false), origin, src)
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	before := ctrl.Active().ID()
	calls := origin.callCount()

	relabeled := v1Manifest()
	relabeled.Version = "v1-rebuild"
	src.set(relabeled)
	result, err := ctrl.Update(ctx)
	if err != nil {
		t.Fatalf("update error: %v", err)
	}
	if result.Changed || ctrl.Active().ID() != before {
		t.Fatalf("unchanged resources must not install a new worker")
	}
	if origin.callCount() != calls {
		t.Fatalf("no-op update must not touch the network")
	}
}

func TestUpdateActivatesImmediately(t *testing.T) {
	ctx := context.Background()
	origin := &stubOrigin{bodies: map[string]string{"/": "index", "a": "resp_a", "b": "resp_b", "c": "resp_c"}}
	src := &manifestSource{m: v1Manifest()}
	ctrl, storage := newTestController(t, testSite("game", false), origin, src)
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	previous := ctrl.Active()
	if _, err := ctrl.Fetch(ctx, cache.NewRequest(testOrigin+"/b")); err != nil {
		t.Fatalf("fetch b error: %v", err)
	}

	src.set(v2Manifest())
	result, err := ctrl.Update(ctx)
	if err != nil {
		t.Fatalf("update error: %v", err)
	}
	if !result.Changed || !result.Activated || result.Waiting {
		t.Fatalf("unexpected update result %+v", result)
	}
	if len(result.Delta.Added) != 1 || len(result.Delta.Changed) != 1 {
		t.Fatalf("unexpected delta %+v", result.Delta)
	}
	if previous.State() != worker.StateRedundant {
		t.Fatalf("replaced worker should be redundant, got %s", previous.State())
	}
	if ctrl.Active().Manifest().Version != "v2" {
		t.Fatalf("v2 worker should be active")
	}

	content, err := storage.Open(ctx, cache.ContentCache)
	if err != nil {
		t.Fatalf("open content error: %v", err)
	}
	if _, err := content.Match(ctx, cache.NewRequest(testOrigin+"/b")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("b changed fingerprint and should be evicted, got %v", err)
	}
}

func TestUpdateWaitsForSkipWaiting(t *testing.T) {
	ctx := context.Background()
	origin := &stubOrigin{bodies: map[string]string{"/": "index", "a": "resp_a", "b": "resp_b", "c": "resp_c"}}
	src := &manifestSource{m: v1Manifest()}
	ctrl, _ := newTestController(t, testSite("game", true), origin, src)
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := ctrl.SkipWaiting(ctx); !errors.Is(err, ErrNoWaitingWorker) {
		t.Fatalf("expected ErrNoWaitingWorker, got %v", err)
	}

	src.set(v2Manifest())
	result, err := ctrl.Update(ctx)
	if err != nil {
		t.Fatalf("update error: %v", err)
	}
	if !result.Waiting || result.Activated {
		t.Fatalf("update should leave the new worker waiting: %+v", result)
	}
	waiting := ctrl.Waiting()
	if waiting == nil || waiting.State() != worker.StateInstalled {
		t.Fatalf("expected installed waiting worker")
	}
	if ctrl.Active().Manifest().Version != "v1" {
		t.Fatalf("v1 should keep control until skipWaiting")
	}

	again, err := ctrl.Update(ctx)
	if err != nil || again.Changed {
		t.Fatalf("reloading the waiting manifest should be a no-op: %+v %v", again, err)
	}

	ctrl.Post(ctx, worker.MessageSkipWaiting)
	ctrl.Wait()
	if ctrl.Active() != waiting || ctrl.Waiting() != nil {
		t.Fatalf("skipWaiting should promote the waiting worker")
	}
	if waiting.State() != worker.StateActive {
		t.Fatalf("promoted worker should be active, got %s", waiting.State())
	}
}

func TestPostDownloadOffline(t *testing.T) {
	ctx := context.Background()
	origin := &stubOrigin{bodies: map[string]string{"/": "index", "a": "resp_a", "b": "resp_b"}}
	ctrl, storage := newTestController(t, testSite("game", false), origin, &manifestSource{m: v1Manifest()})
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}

	ctrl.Post(ctx, worker.MessageDownloadOffline)
	ctrl.Wait()

	content, err := storage.Open(ctx, cache.ContentCache)
	if err != nil {
		t.Fatalf("open content error: %v", err)
	}
	keys, err := content.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("every manifest resource should be cached, got %v", keys)
	}
	if status := ctrl.Status(ctx); status.ContentEntries != 3 || !status.Controlled {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestFetchPassesThroughUnmanagedRequests(t *testing.T) {
	ctx := context.Background()
	origin := &stubOrigin{bodies: map[string]string{"/": "index", "a": "resp_a", "api/score": "42"}}
	ctrl, _ := newTestController(t, testSite("game", false), origin, &manifestSource{m: v1Manifest()})
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}

	before := origin.callCount()
	for i := 0; i < 2; i++ {
		result, err := ctrl.Fetch(ctx, cache.NewRequest(testOrigin+"/api/score"))
		if err != nil {
			t.Fatalf("fetch error: %v", err)
		}
		if result.Route.Kind != worker.RouteUnmanaged || result.FromCache || string(result.Response.Body) != "42" {
			t.Fatalf("unexpected result %+v", result)
		}
	}
	post := cache.Request{Method: http.MethodPost, URL: testOrigin + "/a"}
	if _, err := ctrl.Fetch(ctx, post); err != nil {
		t.Fatalf("post fetch error: %v", err)
	}
	if origin.callCount()-before != 3 {
		t.Fatalf("unmanaged requests must always reach the network, calls=%d", origin.callCount()-before)
	}
}

func TestNewControllerValidatesOptions(t *testing.T) {
	site := testSite("game", false)
	if _, err := New(Options{Site: site, Fetcher: &stubOrigin{}}); err == nil {
		t.Fatalf("storage should be required")
	}
	if _, err := New(Options{Site: site, Storage: cache.NewMemoryStorage()}); err == nil {
		t.Fatalf("fetcher should be required")
	}
	site.Origin = ""
	if _, err := New(Options{Site: site, Storage: cache.NewMemoryStorage(), Fetcher: &stubOrigin{}}); err == nil {
		t.Fatalf("origin should be required")
	}
}

func TestFetchStreamsUnmanagedResponses(t *testing.T) {
	ctx := context.Background()
	origin := &streamingOrigin{stubOrigin: &stubOrigin{bodies: map[string]string{
		"/": "index", "a": "resp_a", "b": "resp_b", "downloads/game.zip": "zip-bytes",
	}}}
	ctrl, _ := newTestController(t, testSite("game", false), origin, &manifestSource{m: v1Manifest()})
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if origin.streams.Load() != 0 {
		t.Fatalf("install must use buffered fetches")
	}

	result, err := ctrl.Fetch(ctx, cache.NewRequest(testOrigin+"/downloads/game.zip"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if result.Route.Managed() || result.Response != nil || result.Stream == nil {
		t.Fatalf("unmanaged request should be streamed, got %+v", result)
	}
	body, _ := io.ReadAll(result.Stream.Body)
	_ = result.Stream.Body.Close()
	if result.Stream.Status != http.StatusOK || string(body) != "zip-bytes" {
		t.Fatalf("unexpected stream %d %q", result.Stream.Status, body)
	}

	managed, err := ctrl.Fetch(ctx, cache.NewRequest(testOrigin+"/b"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if managed.Stream != nil || managed.Response == nil || string(managed.Response.Body) != "resp_b" {
		t.Fatalf("managed request must be buffered for the cache, got %+v", managed)
	}
	if origin.streams.Load() != 1 {
		t.Fatalf("only the pass-through request should stream, streams=%d", origin.streams.Load())
	}
}
