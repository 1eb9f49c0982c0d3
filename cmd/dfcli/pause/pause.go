package pause

import (
	"fmt"

	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/dataferry/dataferry/pkg/controller"
	"github.com/spf13/cobra"
)

func PauseCommand(cat *catalog.Catalog, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "pause <jobID>",
		Short:   "Stop handing out chunks of a job; running attempts finish",
		Example: "./dfcli pause 3f2a8c1e-...",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := controller.New(*cat, *cfg).PauseJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s paused\n", args[0])
			return nil
		},
	}
}
