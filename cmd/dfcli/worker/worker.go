package worker

import (
	"fmt"
	"os"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/dataferry/dataferry/pkg/dispatcher"
	"github.com/dataferry/dataferry/pkg/stats"
	"github.com/dataferry/dataferry/pkg/worker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.ytsaurus.tech/library/go/core/log"
	"golang.org/x/sync/errgroup"
)

func WorkerCommand(cat *catalog.Catalog, cfg *config.Config, registry *prometheus.Registry) *cobra.Command {
	var workerID string

	workerCommand := &cobra.Command{
		Use:     "worker",
		Short:   "Run a migration worker until interrupted",
		Example: "./dfcli worker --id worker-1",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, *cat, *cfg, registry, workerID)
		},
	}
	workerCommand.Flags().StringVar(&workerID, "id", "", "stable worker identity, generated when empty")

	return workerCommand
}

func run(cmd *cobra.Command, cat catalog.Catalog, cfg config.Config, registry *prometheus.Registry, workerID string) error {
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}

	// The command context is cancelled on SIGINT/SIGTERM by main; both loops
	// drain on it. Every worker process also competes for the dispatcher
	// role, so any single surviving worker keeps reaping and supervising.
	ctx := cmd.Context()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.New(workerID, cat, cfg, stats.NewWorkerStats(registry, workerID)).Run(ctx)
	})
	group.Go(func() error {
		return dispatcher.New(cat, cfg, stats.NewDispatcherStats(registry)).Run(ctx)
	})
	err := group.Wait()
	if err != nil {
		logger.Log.Error("worker exited with error", log.String("worker_id", workerID), log.Error(err))
		return err
	}
	logger.Log.Info("worker exited", log.String("worker_id", workerID))
	return nil
}
