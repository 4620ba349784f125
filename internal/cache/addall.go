package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrFetchNotOK 表示 AddAll 中某个响应不是完整的 2xx 响应。
var ErrFetchNotOK = errors.New("response not ok")

// AddAllOptions 控制批量抓取。
type AddAllOptions struct {
	Fetch FetchOptions
	// Concurrency 限制同时在途的请求数，<=0 表示不限制。
	Concurrency int
}

// AddAll 抓取全部请求并写入 c。任一请求传输失败或返回非 2xx 时整体失败，且不写入任何条目。
func AddAll(ctx context.Context, c Cache, fetcher Fetcher, reqs []Request, opts AddAllOptions) error {
	if len(reqs) == 0 {
		return nil
	}
	if c == nil || fetcher == nil {
		return errors.New("cache and fetcher required")
	}

	responses := make([]*Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := fetcher.Fetch(gctx, req, opts.Fetch)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if !resp.OK() || !resp.Storable() {
				return fmt.Errorf("fetch %s: %w (status %d)", req.URL, ErrFetchNotOK, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, req := range reqs {
		if err := c.Put(ctx, req, responses[i]); err != nil {
			return fmt.Errorf("store %s: %w", req.URL, err)
		}
	}
	return nil
}
