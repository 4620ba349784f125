package host

import (
	"context"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/worker"
)

// Status 是诊断接口输出的站点快照。
type Status struct {
	Site           string           `json:"site"`
	Domain         string           `json:"domain"`
	Origin         string           `json:"origin"`
	Manifest       string           `json:"manifest"`
	ActivationMode string           `json:"activation_mode"`
	Controlled     bool             `json:"controlled"`
	Active         *worker.Snapshot `json:"active,omitempty"`
	Waiting        *worker.Snapshot `json:"waiting,omitempty"`
	Caches         []string         `json:"caches"`
	ContentEntries int              `json:"content_entries"`
	LastUpdate     *time.Time       `json:"last_update,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}

// Status 汇总 worker 状态与缓存规模；读取缓存失败只影响对应字段。
func (c *Controller) Status(ctx context.Context) Status {
	c.mu.RLock()
	active, waiting := c.active, c.waiting
	lastUpdate, lastErr := c.lastUpdate, c.lastErr
	c.mu.RUnlock()

	status := Status{
		Site:           c.site.Name,
		Domain:         c.site.Domain,
		Origin:         c.origin,
		Manifest:       c.site.Manifest,
		ActivationMode: c.site.ActivationMode(),
		Controlled:     active != nil && active.Serving(),
	}
	if active != nil {
		snap := active.Snapshot()
		status.Active = &snap
	}
	if waiting != nil {
		snap := waiting.Snapshot()
		status.Waiting = &snap
	}
	if !lastUpdate.IsZero() {
		status.LastUpdate = &lastUpdate
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}

	if names, err := c.storage.Names(ctx); err == nil {
		status.Caches = names
		for _, name := range names {
			if name != cache.ContentCache {
				continue
			}
			if content, err := c.storage.Open(ctx, cache.ContentCache); err == nil {
				if keys, err := content.Keys(ctx); err == nil {
					status.ContentEntries = len(keys)
				}
			}
		}
	}
	return status
}
