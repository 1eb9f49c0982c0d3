package status

import (
	"context"
	"fmt"
	"time"

	"github.com/dataferry/dataferry/cmd/dfcli/cliutil"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/dataferry/dataferry/pkg/controller"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

const exitNotFound = 4

func StatusCommand(cat *catalog.Catalog, cfg *config.Config) *cobra.Command {
	var showChunks bool

	statusCommand := &cobra.Command{
		Use:     "status [jobID]",
		Short:   "Show jobs, or the tables and workers of one job",
		Example: "./dfcli status 3f2a8c1e-...",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl := controller.New(*cat, *cfg)
			if len(args) == 0 {
				return listJobs(cmd.Context(), ctrl)
			}
			return showJob(cmd.Context(), ctrl, args[0], showChunks)
		},
	}
	statusCommand.Flags().BoolVar(&showChunks, "chunks", false, "also list every chunk of the job")

	return statusCommand
}

func listJobs(ctx context.Context, ctrl *controller.Controller) error {
	jobs, err := ctrl.ListJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, job := range jobs {
		fmt.Printf("%s  %-9s  %5.1f%%  %s -> %s  created %s\n",
			job.ID, job.Status, job.ProgressPercent(),
			job.Spec.Source.Fqdn(), job.Spec.Target.Fqdn(),
			humanize.Time(job.CreatedAt))
	}
	return nil
}

func showJob(ctx context.Context, ctrl *controller.Controller, jobID string, showChunks bool) error {
	job, err := ctrl.GetJob(ctx, jobID)
	if err != nil {
		if xerrors.Is(err, catalog.ErrJobNotFound) {
			return cliutil.WithCode(err, exitNotFound)
		}
		return err
	}

	fmt.Printf("job %s\n", job.ID)
	fmt.Printf("  status:    %s\n", job.Status)
	fmt.Printf("  source:    %s\n", job.Spec.Source.Fqdn())
	fmt.Printf("  target:    %s\n", job.Spec.Target.Fqdn())
	fmt.Printf("  progress:  %.1f%% (%d/%d chunks, %d failed)\n",
		job.ProgressPercent(), job.CompletedChunks, job.TotalChunks, job.FailedChunks)
	if job.TotalBytes > 0 {
		fmt.Printf("  moved:     %s\n", humanize.Bytes(job.TotalBytes))
	}
	if job.AvgThroughputRowsSec > 0 {
		fmt.Printf("  avg rate:  %s rows/s\n", humanize.CommafWithDigits(job.AvgThroughputRowsSec, 0))
	}
	if job.PeakMemoryMB > 0 {
		fmt.Printf("  peak mem:  %d MB\n", job.PeakMemoryMB)
	}
	if job.LastError != "" {
		fmt.Printf("  last err:  %s\n", job.LastError)
	}
	if job.AutoFailedAt != nil {
		fmt.Printf("  auto-failed %s\n", humanize.Time(*job.AutoFailedAt))
	}

	tables, err := ctrl.GetTables(ctx, jobID)
	if err != nil {
		return err
	}
	if len(tables) > 0 {
		fmt.Println("tables:")
		for _, table := range tables {
			fmt.Printf("  %-30s %-9s %5.1f%%  %s rows\n",
				table.Name, table.Status, table.ProgressPercent(),
				humanize.Comma(int64(table.TotalRows)))
		}
	}

	if showChunks {
		if err := printChunks(ctx, ctrl, jobID); err != nil {
			return err
		}
	}

	return printWorkers(ctx, ctrl)
}

func trimmed(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func printChunks(ctx context.Context, ctrl *controller.Controller, jobID string) error {
	chunks, err := ctrl.GetChunks(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Println("chunks:")
	for _, chunk := range chunks {
		line := fmt.Sprintf("  %s  %-30s %-9s %-12s retries %d/%d",
			chunk.ID, chunk.TableName+" "+chunk.Range(), chunk.Status,
			chunk.ValidationStatus, chunk.RetryCount, chunk.MaxRetries)
		if chunk.LastError != "" {
			line += "  " + trimmed(chunk.LastError, 80)
		}
		fmt.Println(line)
	}
	return nil
}

func printWorkers(ctx context.Context, ctrl *controller.Controller) error {
	workers, err := ctrl.ListWorkers(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return nil
	}
	fmt.Println("workers:")
	now := time.Now()
	for _, info := range workers {
		liveness := "alive"
		if info.Dead(now, 2*time.Minute) {
			liveness = "dead"
		}
		current := info.CurrentChunk
		if current == "" {
			current = "-"
		}
		fmt.Printf("  %-24s %-9s %-6s chunk %s  seen %s\n",
			info.ID, info.Status, liveness, current, humanize.Time(info.LastSeen))
	}
	return nil
}
