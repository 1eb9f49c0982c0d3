package plan

import (
	"fmt"
	"time"

	"github.com/dataferry/dataferry/cmd/dfcli/cliutil"
	dfconfig "github.com/dataferry/dataferry/cmd/dfcli/config"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/dataferry/dataferry/pkg/controller"
	"github.com/dataferry/dataferry/pkg/planner"
	"github.com/dataferry/dataferry/pkg/providers"
	"github.com/spf13/cobra"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

const (
	exitBadSpec           = 2
	exitSourceUnreachable = 3
)

func PlanCommand(cat *catalog.Catalog, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "plan <job.yaml>",
		Short:   "Register a migration job and split its tables into chunks",
		Example: "./dfcli plan ./job.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, *cat, *cfg, args[0])
		},
	}
}

func run(cmd *cobra.Command, cat catalog.Catalog, cfg config.Config, specPath string) error {
	ctx := cmd.Context()

	spec, err := dfconfig.JobSpecFromYaml(specPath)
	if err != nil {
		return cliutil.WithCode(err, exitBadSpec)
	}

	ctrl := controller.New(cat, cfg)
	job, err := ctrl.CreateJob(ctx, *spec)
	if err != nil {
		return cliutil.WithCode(err, exitBadSpec)
	}

	storage, err := providers.NewStorage(ctx, &job.Spec.Source)
	if err != nil {
		return cliutil.WithCode(xerrors.Errorf("unable to reach source %s: %w", job.Spec.Source.Fqdn(), err), exitSourceUnreachable)
	}
	defer storage.Close()

	target, err := providers.NewSink(ctx, &job.Spec.Target)
	if err != nil {
		return cliutil.WithCode(xerrors.Errorf("unable to reach target %s: %w", job.Spec.Target.Fqdn(), err), exitSourceUnreachable)
	}
	defer target.Close()

	if err := planner.New(cat, storage, target, job.Spec.ChunkSize, job.Spec.MaxRetries).Plan(ctx, job); err != nil {
		if providers.Retryable(err) {
			return cliutil.WithCode(err, exitSourceUnreachable)
		}
		return cliutil.WithCode(err, exitBadSpec)
	}

	planned, err := ctrl.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	fmt.Printf("job %s planned: %d tables, %d chunks\n", planned.ID, planned.TotalTables, planned.TotalChunks)
	eta := planner.EstimatePlanDuration(planned.TotalChunks, planned.Spec.MaxWorkers, 30*time.Second)
	fmt.Printf("rough duration at %d workers: %s\n", planned.Spec.MaxWorkers, eta)
	fmt.Printf("start workers with: dfcli worker --id <worker-id>\n")
	return nil
}
