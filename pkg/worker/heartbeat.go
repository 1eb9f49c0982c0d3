package worker

import (
	"context"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/catalog"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// runHeartbeat renews the chunk lease until ctx ends. Losing ownership means
// the reaper already gave the chunk away, so the execution is cancelled
// instead of racing the new owner.
func runHeartbeat(ctx context.Context, cancel context.CancelFunc, cat catalog.Catalog, workerID string, chunk *abstract.Chunk, interval time.Duration, sample func() *catalog.PerformanceSample) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := cat.Heartbeat(ctx, workerID, chunk.ID, sample())
			if err == nil {
				continue
			}
			if xerrors.Is(err, catalog.ErrChunkNotOwned) || xerrors.Is(err, catalog.ErrChunkNotFound) {
				logger.Log.Warn("lost chunk ownership, cancelling execution",
					log.String("chunk_id", chunk.ID),
					log.String("worker_id", workerID))
				cancel()
				return
			}
			logger.Log.Warn("heartbeat failed",
				log.String("chunk_id", chunk.ID),
				log.Error(err))
		}
	}
}
