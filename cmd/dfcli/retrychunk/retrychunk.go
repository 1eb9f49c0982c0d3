package retrychunk

import (
	"fmt"

	"github.com/dataferry/dataferry/cmd/dfcli/cliutil"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/dataferry/dataferry/pkg/controller"
	"github.com/spf13/cobra"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

const exitNotFound = 4

func RetryChunkCommand(cat *catalog.Catalog, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "retry-chunk <chunkID>",
		Short:   "Reset a failed chunk for another round of attempts",
		Example: "./dfcli retry-chunk 3f2a8c1e-...-c042",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := controller.New(*cat, *cfg).RetryChunk(cmd.Context(), args[0])
			if err != nil {
				if xerrors.Is(err, catalog.ErrChunkNotFound) {
					return cliutil.WithCode(err, exitNotFound)
				}
				return err
			}
			fmt.Printf("chunk %s requeued\n", args[0])
			return nil
		},
	}
}
