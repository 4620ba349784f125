package worker

import (
	"context"
	"net/http"
	"reflect"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
)

func TestDownloadOfflineFetchesMissingResources(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin(map[string]string{"/": "index", "a": "resp_a", "b": "resp_b", "c": "resp_c"})
	w, _ := deploy(t, storage, origin, testManifest("v1", map[string]string{"/": "h0", "a": "h1", "b": "h2", "c": "h3"}, "a"))

	fetched, err := w.DownloadOffline(ctx)
	if err != nil {
		t.Fatalf("download offline error: %v", err)
	}
	if !reflect.DeepEqual(fetched, []string{"/", "b", "c"}) {
		t.Fatalf("unexpected fetched set %v", fetched)
	}
	if origin.callCount("a") != 1 {
		t.Fatalf("cached shell entry must not be fetched again")
	}
	want := map[string]string{"/": "index", "a": "resp_a", "b": "resp_b", "c": "resp_c"}
	if got := contentBodies(t, storage); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	again, err := w.DownloadOffline(ctx)
	if err != nil {
		t.Fatalf("second download error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("nothing should be missing after a full download, got %v", again)
	}
}

func TestDownloadOfflineFailsAsAWhole(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	origin := newFakeOrigin(map[string]string{"a": "resp_a", "b": "resp_b", "c": "resp_c"})
	w, _ := deploy(t, storage, origin, testManifest("v1", map[string]string{"a": "h1", "b": "h2", "c": "h3"}, "a"))
	origin.setStatus("c", http.StatusInternalServerError)

	if _, err := w.DownloadOffline(ctx); err == nil {
		t.Fatalf("expected failure when any resource fails")
	}
	if got := contentBodies(t, storage); !reflect.DeepEqual(got, map[string]string{"a": "resp_a"}) {
		t.Fatalf("failed prefetch must not write partial results, got %v", got)
	}
}
