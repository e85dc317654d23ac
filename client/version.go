package client

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/roscomm/roscomm/cli"
	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/version"
	"github.com/roscomm/roscomm/xmlrpc"
)

var versionArgs struct {
	node string
}

var VersionCmd = &cli.Subcommand{
	Use:             "version",
	Short:           "print version of roscomm binary",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&versionArgs.node, "node", "", "also query pid and master of the node at this slave API URI")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		fmt.Printf("client: %s\n", version.NewVersionInformation().String())
		if versionArgs.node == "" {
			return nil
		}
		c := xmlrpc.NewClient(versionArgs.node, nil)
		for _, method := range []string{"getPid", "getMasterUri"} {
			res, err := c.Invoke(ctx, method, CallerID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "node: error: %s\n", err)
				return err
			}
			_, _, payload, err := master.ParseResponse(method, res)
			if err != nil {
				return err
			}
			fmt.Printf("node: %s=%v\n", method, payload)
		}
		return nil
	},
}
