package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoragePutAndMatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		content := openCache(t, storage, ContentCache)

		req := NewRequest("https://app.example.com/main.dart.js")
		storedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
		resp := &Response{
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": []string{"text/javascript"}},
			Body:     []byte("payload"),
			StoredAt: storedAt,
		}
		if err := content.Put(ctx, req, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		got, err := content.Match(ctx, req)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != "payload" {
			t.Fatalf("cached payload mismatch: %s", string(got.Body))
		}
		if got.Status != http.StatusOK || !got.OK() {
			t.Fatalf("unexpected status %d", got.Status)
		}
		if got.Header.Get("Content-Type") != "text/javascript" {
			t.Fatalf("header not preserved: %v", got.Header)
		}
		if !got.StoredAt.Equal(storedAt) {
			t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, got.StoredAt)
		}

		got.Body[0] = 'X'
		again, err := content.Match(ctx, req)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(again.Body) != "payload" {
			t.Fatalf("matched response must not alias cached bytes")
		}
	})
}

func TestStorageMatchMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		content := openCache(t, storage, ContentCache)
		_, err := content.Match(context.Background(), NewRequest("https://app.example.com/missing"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStorageDeleteEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		content := openCache(t, storage, ContentCache)
		req := NewRequest("https://app.example.com/a")
		if err := content.Put(ctx, req, &Response{Status: 200, Body: []byte("data")}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		deleted, err := content.Delete(ctx, req)
		if err != nil || !deleted {
			t.Fatalf("expected delete to report existing entry, got %v %v", deleted, err)
		}
		deleted, err = content.Delete(ctx, req)
		if err != nil || deleted {
			t.Fatalf("second delete should report missing entry, got %v %v", deleted, err)
		}
		if _, err := content.Match(ctx, req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
	})
}

func TestStorageKeysSortedByURL(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		content := openCache(t, storage, ContentCache)
		for _, u := range []string{"https://a/z", "https://a/", "https://a/m"} {
			if err := content.Put(ctx, NewRequest(u), &Response{Status: 200}); err != nil {
				t.Fatalf("put error: %v", err)
			}
		}
		keys, err := content.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		want := []string{"https://a/", "https://a/m", "https://a/z"}
		if len(keys) != len(want) {
			t.Fatalf("expected %d keys, got %v", len(want), keys)
		}
		for i, key := range keys {
			if key.URL != want[i] || key.Method != http.MethodGet {
				t.Fatalf("unexpected key %d: %+v", i, key)
			}
		}
	})
}

func TestStorageDeleteCache(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		temp := openCache(t, storage, TempCache)
		openCache(t, storage, ContentCache)
		if err := temp.Put(ctx, NewRequest("https://a/x"), &Response{Status: 200}); err != nil {
			t.Fatalf("put error: %v", err)
		}

		names, err := storage.Names(ctx)
		if err != nil {
			t.Fatalf("names error: %v", err)
		}
		if len(names) != 2 || names[0] != ContentCache || names[1] != TempCache {
			t.Fatalf("unexpected names %v", names)
		}

		deleted, err := storage.Delete(ctx, TempCache)
		if err != nil || !deleted {
			t.Fatalf("expected temp cache deletion, got %v %v", deleted, err)
		}
		deleted, err = storage.Delete(ctx, TempCache)
		if err != nil || deleted {
			t.Fatalf("deleting a missing cache should report false, got %v %v", deleted, err)
		}

		reopened := openCache(t, storage, TempCache)
		keys, err := reopened.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("reopened cache should be empty, got %v", keys)
		}
	})
}

func TestStorageRejectsInvalidNames(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		for _, name := range []string{"", "..", "../escape", "a/b", ".hidden"} {
			if _, err := storage.Open(context.Background(), name); !errors.Is(err, ErrInvalidCacheName) {
				t.Fatalf("expected ErrInvalidCacheName for %q, got %v", name, err)
			}
		}
	})
}

func TestDiskKeysSkipIncompleteEntries(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewDiskStorage(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	content := openCache(t, storage, ContentCache)
	if err := os.WriteFile(filepath.Join(dir, ContentCache, "orphan"+bodySuffix), []byte("x"), 0o600); err != nil {
		t.Fatalf("write orphan body: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ContentCache, "nested"+metaSuffix), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	keys, err := content.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("orphan bodies and directories must not be listed, got %v", keys)
	}
}

func TestDiskPutCleansUpOnCancelledContext(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewDiskStorage(dir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	content := openCache(t, storage, ContentCache)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := content.Put(ctx, NewRequest("https://a/x"), &Response{Status: 200, Body: []byte("partial")}); err == nil {
		t.Fatalf("expected error from cancelled put")
	}
	matches, _ := filepath.Glob(filepath.Join(dir, ContentCache, ".cache-*"))
	if len(matches) != 0 {
		t.Fatalf("temporary files should be cleaned up, found %v", matches)
	}
	if _, err := content.Match(context.Background(), NewRequest("https://a/x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled put must not leave an entry, got %v", err)
	}
}

func TestResponseClone(t *testing.T) {
	orig := &Response{Status: 200, Header: http.Header{"X": []string{"1"}}, Body: []byte("abc")}
	cloned := orig.Clone()
	cloned.Body[0] = 'z'
	cloned.Header.Set("X", "2")
	if string(orig.Body) != "abc" || orig.Header.Get("X") != "1" {
		t.Fatalf("clone must not share state with the original")
	}
	if (&Response{Status: 404}).OK() || (*Response)(nil).OK() {
		t.Fatalf("non-2xx and nil responses are not ok")
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, storage Storage)) {
	t.Helper()
	t.Run("disk", func(t *testing.T) {
		storage, err := NewDiskStorage(t.TempDir())
		if err != nil {
			t.Fatalf("failed to create storage: %v", err)
		}
		fn(t, storage)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStorage())
	})
}

func openCache(t *testing.T, storage Storage, name string) Cache {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return c
}

func TestRequestKeyDropsFragment(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		content := openCache(t, storage, ContentCache)
		if err := content.Put(ctx, NewRequest("https://app.example.com/#/home"), &Response{Status: 200, Body: []byte("index")}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		got, err := content.Match(ctx, NewRequest("https://app.example.com/"))
		if err != nil {
			t.Fatalf("fragment must not be part of the key: %v", err)
		}
		if string(got.Body) != "index" {
			t.Fatalf("unexpected body %s", got.Body)
		}
		keys, err := content.Keys(ctx)
		if err != nil || len(keys) != 1 || keys[0].URL != "https://app.example.com/" {
			t.Fatalf("unexpected keys %v (%v)", keys, err)
		}
	})
}

func TestPutRejectsPartialAndNotModified(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage Storage) {
		ctx := context.Background()
		content := openCache(t, storage, ContentCache)
		req := NewRequest("https://app.example.com/logo.png")

		for _, status := range []int{http.StatusPartialContent, http.StatusNotModified} {
			err := content.Put(ctx, req, &Response{Status: status, Body: []byte("FU")})
			if !errors.Is(err, ErrUncacheable) {
				t.Fatalf("status %d: expected ErrUncacheable, got %v", status, err)
			}
		}
		if _, err := content.Match(ctx, req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("rejected responses must not be stored: %v", err)
		}
		if err := content.Put(ctx, req, nil); !errors.Is(err, ErrUncacheable) {
			t.Fatalf("nil response should be rejected, got %v", err)
		}
	})
}

func TestRequestUnconditionalStripsRangeAndValidators(t *testing.T) {
	req := Request{
		Method: http.MethodGet,
		URL:    "https://app.example.com/",
		Header: http.Header{
			"Range":             []string{"bytes=0-1"},
			"If-Range":          []string{`"v1"`},
			"If-None-Match":     []string{`"v1"`},
			"If-Modified-Since": []string{"Mon, 01 Jan 2024 00:00:00 GMT"},
			"Accept":            []string{"text/html"},
		},
	}
	got := req.Unconditional()
	for _, name := range []string{"Range", "If-Range", "If-None-Match", "If-Modified-Since"} {
		if got.Header.Get(name) != "" {
			t.Fatalf("%s should be removed", name)
		}
	}
	if got.Header.Get("Accept") != "text/html" {
		t.Fatalf("end-to-end headers must be kept")
	}
	if req.Header.Get("Range") != "bytes=0-1" {
		t.Fatalf("original request must not be modified")
	}
	if empty := (Request{URL: "https://app.example.com/"}).Unconditional(); empty.Header != nil {
		t.Fatalf("request without headers should stay untouched")
	}
}
