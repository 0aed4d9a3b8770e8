package task

import (
	"context"
	"time"

	"github.com/quenlab/qce/resource"
	"github.com/quenlab/qce/sym"
)

// RunResourceHealthScan re-verifies persisted downloaded resources on the
// configured cadence until ctx is canceled. Interval changes take effect on
// the next cycle.
func (o *Orchestrator) RunResourceHealthScan(ctx context.Context) {
	if o.resStore == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.healthCheckInterval()):
			demoted, err := o.scanResourceHealth(ctx)
			if err != nil {
				o.logger.Warnw("Resource health scan failed",
					"symbol", sym.Resource,
					"error", err,
				)
				continue
			}
			if demoted > 0 {
				o.logger.Infow("Resource health scan demoted records",
					"symbol", sym.Resource,
					"demoted", demoted,
				)
			}
		}
	}
}

// scanResourceHealth verifies every downloaded record against the store.
// Broken ones are demoted to failed; the check timestamp is refreshed on
// every scanned record either way.
func (o *Orchestrator) scanResourceHealth(ctx context.Context) (int, error) {
	infos, err := o.store.DownloadedResources(ctx)
	if err != nil {
		return 0, err
	}
	demoted := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return demoted, err
		}
		o.resStore.Invalidate(info.Key())
		healthy := o.resStore.Healthy(info)
		info.CheckedAt = time.Now()
		if !healthy {
			info.Status = resource.StatusFailed
			info.Accessible = false
			info.LastError = "health check failed"
			demoted++
		}
		if err := o.store.UpsertResource(ctx, info); err != nil {
			return demoted, err
		}
	}
	return demoted, nil
}
