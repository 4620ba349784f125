package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

// Install 把 shell 资源强制回源抓取到 temp 缓存。任一资源失败即整体失败，
// worker 进入 redundant 且永远不会被激活。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateNew, StateInstalling); err != nil {
		return err
	}
	started := time.Now()

	if err := w.stageShell(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrInstallFailed, err)
		w.setState(StateRedundant, err)
		fields := w.fields("install")
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		w.logger.WithFields(fields).WithError(err).Error("install_failed")
		return err
	}

	w.setState(StateInstalled, nil)
	fields := w.fields("install")
	fields["shell"] = len(w.manifest.Shell)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (w *Worker) stageShell(ctx context.Context) error {
	temp, err := w.open(ctx, cache.TempCache)
	if err != nil {
		return err
	}
	reqs := make([]cache.Request, len(w.manifest.Shell))
	for i, p := range w.manifest.Shell {
		reqs[i] = cache.NewRequest(manifest.RequestURL(w.origin, p))
	}
	return cache.AddAll(ctx, temp, w.fetcher, reqs, cache.AddAllOptions{
		Fetch:       cache.FetchOptions{Reload: true},
		Concurrency: w.concurrency,
	})
}
