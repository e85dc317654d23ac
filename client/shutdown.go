package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/roscomm/roscomm/cli"
	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/xmlrpc"
)

var shutdownArgs struct {
	masterArgs
	reason string
}

var ShutdownCmd = &cli.Subcommand{
	Use:             "shutdown NODE",
	Short:           "ask a node to shut down via its slave API",
	Example:         "  roscomm shutdown /demo/talker --reason maintenance\n  roscomm shutdown http://host:40123/",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		shutdownArgs.masterArgs.SetupFlags(f)
		f.StringVar(&shutdownArgs.reason, "reason", "", "reason reported to the node")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		if len(args) != 1 {
			return errors.New("expecting exactly one argument: node name or slave API URI")
		}
		uri := args[0]
		if !isURI(uri) {
			mc, err := shutdownArgs.dial(subcommand)
			if err != nil {
				return err
			}
			if uri, err = mc.LookupNode(ctx, args[0]); err != nil {
				return err
			}
		}
		if err := RunShutdown(ctx, uri, shutdownArgs.reason); err != nil {
			return err
		}
		fmt.Printf("shutdown requested: %s\n", uri)
		return nil
	},
}

func isURI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RunShutdown invokes the shutdown slave method of the node at nodeURI.
func RunShutdown(ctx context.Context, nodeURI, reason string) error {
	params := []interface{}{CallerID}
	if strings.TrimSpace(reason) != "" {
		params = append(params, reason)
	}
	res, err := xmlrpc.NewClient(nodeURI, nil).Invoke(ctx, "shutdown", params...)
	if err != nil {
		return errors.Wrapf(err, "cannot reach node at %s", nodeURI)
	}
	code, msg, _, err := master.ParseResponse("shutdown", res)
	if err != nil {
		return err
	}
	if code != master.StatusSuccess {
		return &master.ProtocolError{Method: "shutdown", Code: code, Msg: msg}
	}
	return nil
}
