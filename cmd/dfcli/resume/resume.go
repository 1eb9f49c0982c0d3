package resume

import (
	"fmt"

	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/dataferry/dataferry/pkg/controller"
	"github.com/spf13/cobra"
)

func ResumeCommand(cat *catalog.Catalog, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "resume <jobID>",
		Short:   "Let workers claim chunks of a paused job again",
		Example: "./dfcli resume 3f2a8c1e-...",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := controller.New(*cat, *cfg).ResumeJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s resumed\n", args[0])
			return nil
		},
	}
}
