package daemon

import (
	"context"

	"github.com/roscomm/roscomm/cli"
	"github.com/roscomm/roscomm/logger"
)

type Logger = logger.Logger

var NodeCmd = &cli.Subcommand{
	Use:   "node",
	Short: "host the configured node until it is shut down",
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		return Run(ctx, subcommand.Config())
	},
}
