package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/twinhub/twincore/engine/twins"
)

// refreshScopeTrees periodically rebuilds every tenant's scope tree on the
// service instances the API serves from, so cached trees track graph
// changes. Runs until ctx is canceled.
func refreshScopeTrees(ctx context.Context, services []*twins.Service, interval time.Duration, log *slog.Logger) {
	rebuildScopeTrees(ctx, services, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rebuildScopeTrees(ctx, services, log)
		}
	}
}

func rebuildScopeTrees(ctx context.Context, services []*twins.Service, log *slog.Logger) {
	for _, svc := range services {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := svc.UpdateScopeTree(ctx); err != nil {
			log.Error("scope tree rebuild failed", "tenant", svc.Settings().ID, "err", err)
			continue
		}
		log.Info("scope tree rebuilt", "tenant", svc.Settings().ID, "duration", time.Since(start))
	}
}
