package client

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/roscomm/roscomm/cli"
	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/master"
)

// CallerID identifies the command line tools to the master and to nodes.
const CallerID = "/roscomm_cli"

type masterArgs struct {
	uri     string
	timeout time.Duration
}

func (a *masterArgs) SetupFlags(f *pflag.FlagSet) {
	f.StringVar(&a.uri, "master", "", "master URI (default: node.master_uri from config, then $ROS_MASTER_URI)")
	f.DurationVar(&a.timeout, "timeout", 5*time.Second, "give up contacting the master after this long")
}

func (a *masterArgs) resolveURI(subcommand *cli.Subcommand) (string, error) {
	if a.uri != "" {
		return a.uri, nil
	}
	if conf := subcommand.Config(); conf != nil && conf.Node.MasterURI != "" {
		return conf.Node.MasterURI, nil
	}
	if uri := os.Getenv("ROS_MASTER_URI"); uri != "" {
		return uri, nil
	}
	return "", errors.New("no master URI: use --master, the config file or $ROS_MASTER_URI")
}

func (a *masterArgs) dial(subcommand *cli.Subcommand) (*master.Client, error) {
	uri, err := a.resolveURI(subcommand)
	if err != nil {
		return nil, err
	}
	mc := master.Dial(uri, a.timeout, logger.NewNullLogger())
	mc.SetCallerID(CallerID)
	return mc, nil
}
