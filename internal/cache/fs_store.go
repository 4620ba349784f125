package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewDiskStorage 以 basePath 为根目录构建磁盘缓存。磁盘布局遵循：
//
//	<basePath>/<cache>/<sha1(url)>.body   # 响应正文
//	<basePath>/<cache>/<sha1(url)>.meta   # 请求 URL、状态码、响应头
//
// meta 文件最后落盘，Keys 只枚举 meta，因此半写入的条目不会被列出。
func NewDiskStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &diskStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// diskStorage 通过 entryLock 避免同一条目并发读写，所有缓存共享一份锁表。
type diskStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Status      int         `json:"status"`
	Header      http.Header `json:"header,omitempty"`
	ResponseURL string      `json:"response_url,omitempty"`
	SizeBytes   int64       `json:"size_bytes"`
	StoredAt    time.Time   `json:"stored_at"`
}

func (s *diskStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &diskCache{storage: s, name: name, dir: dir}, nil
}

func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

func (s *diskStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && validateCacheName(entry.Name()) == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *diskStorage) cacheDir(name string) (string, error) {
	if err := validateCacheName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *diskStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type diskCache struct {
	storage *diskStorage
	name    string
	dir     string
}

func (c *diskCache) Match(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := c.storage.lockEntry(c.lockKey(req))
	defer unlock()

	base := c.entryBase(req)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	if meta.URL != req.Key() {
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		URL:      meta.ResponseURL,
		StoredAt: meta.StoredAt,
	}, nil
}

func (c *diskCache) Put(ctx context.Context, req Request, resp *Response) error {
	if !resp.Storable() {
		return uncacheable(resp)
	}
	unlock := c.storage.lockEntry(c.lockKey(req))
	defer unlock()

	// 缓存可能已被 Storage.Delete 删除，写入时重新创建目录。
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	base := c.entryBase(req)
	written, err := writeAtomic(ctx, c.dir, base+bodySuffix, bytes.NewReader(resp.Body))
	if err != nil {
		return err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	meta, err := json.Marshal(entryMeta{
		Method:      method,
		URL:         req.Key(),
		Status:      resp.Status,
		Header:      resp.Header,
		ResponseURL: resp.URL,
		SizeBytes:   written,
		StoredAt:    storedAt,
	})
	if err != nil {
		return err
	}
	_, err = writeAtomic(ctx, c.dir, base+metaSuffix, bytes.NewReader(meta))
	return err
}

func (c *diskCache) Delete(ctx context.Context, req Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := c.storage.lockEntry(c.lockKey(req))
	defer unlock()

	base := c.entryBase(req)
	existed := true
	if err := os.Remove(base + metaSuffix); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (c *diskCache) Keys(ctx context.Context) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Request, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, Request{Method: meta.Method, URL: meta.URL})
	}
	sortRequests(keys)
	return keys, nil
}

func (c *diskCache) entryBase(req Request) string {
	sum := sha1.Sum([]byte(req.Key()))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}

func (c *diskCache) lockKey(req Request) string {
	return c.name + "::" + req.Key()
}

func readMeta(path string) (entryMeta, error) {
	var meta entryMeta
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode cache metadata %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

// writeAtomic 先写入同目录临时文件再 rename，失败时清理临时文件。
func writeAtomic(ctx context.Context, dir, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func validateCacheName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidCacheName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidCacheName, name)
		}
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidCacheName, name)
	}
	return nil
}

func sortRequests(keys []Request) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].URL < keys[j].URL })
}
