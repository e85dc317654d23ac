// See cli package.
package main

import (
	"context"

	"github.com/roscomm/roscomm/cli"
	"github.com/roscomm/roscomm/client"
	"github.com/roscomm/roscomm/daemon"
)

func init() {
	cli.AddSubcommand(daemon.NodeCmd)
	cli.AddSubcommand(client.ShutdownCmd)
	cli.AddSubcommand(client.LookupCmd)
	cli.AddSubcommand(client.SystemStateCmd)
	cli.AddSubcommand(client.ConfigcheckCmd)
	cli.AddSubcommand(client.VersionCmd)
}

func main() {
	cli.Run(context.Background())
}
