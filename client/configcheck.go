package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/zrepl/yaml-config"

	"github.com/roscomm/roscomm/cli"
	"github.com/roscomm/roscomm/config"
	"github.com/roscomm/roscomm/daemon"
	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/logging"
	"github.com/roscomm/roscomm/names"
	"github.com/roscomm/roscomm/node"
)

var configcheckArgs struct {
	format string
	what   string
}

var ConfigcheckCmd = &cli.Subcommand{
	Use:   "configcheck",
	Short: "check if config can be parsed without errors",
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&configcheckArgs.format, "format", "", "dump parsed config object [pretty|yaml|json]")
		f.StringVar(&configcheckArgs.what, "what", "all", "what to print [all|config|node|logging]")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		formatMap := map[string]func(interface{}){
			"": func(i interface{}) {},
			"pretty": func(i interface{}) {
				if _, err := pretty.Println(i); err != nil {
					panic(err)
				}
			},
			"json": func(i interface{}) {
				if err := json.NewEncoder(os.Stdout).Encode(i); err != nil {
					panic(err)
				}
			},
			"yaml": func(i interface{}) {
				if err := yaml.NewEncoder(os.Stdout).Encode(i); err != nil {
					panic(err)
				}
			},
		}

		formatter, ok := formatMap[configcheckArgs.format]
		if !ok {
			return fmt.Errorf("unsupported --format %q", configcheckArgs.format)
		}

		var hadErr bool

		// further: try to build the node's init options
		opts, err := daemon.InitOptionsFromConfig(subcommand.Config().Node)
		if err == nil {
			err = checkNodeConfig(subcommand.Config().Node)
		}
		if err != nil {
			err := errors.Wrap(err, "invalid node config")
			if configcheckArgs.what == "node" {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s\n", err)
			hadErr = true
		}

		// further: try to build logging outlets
		outlets, err := logging.OutletsFromConfig(*subcommand.Config().Global.Logging)
		if err != nil {
			err := errors.Wrap(err, "cannot build logging from config")
			if configcheckArgs.what == "logging" {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s\n", err)
			outlets = nil
			hadErr = true
		}

		whatMap := map[string]func(){
			"all": func() {
				o := struct {
					config  *config.Config
					node    node.InitOptions
					logging *logger.Outlets
				}{
					subcommand.Config(),
					opts,
					outlets,
				}
				formatter(o)
			},
			"config": func() {
				formatter(subcommand.Config())
			},
			"node": func() {
				formatter(opts)
			},
			"logging": func() {
				formatter(outlets)
			},
		}

		wf, ok := whatMap[configcheckArgs.what]
		if !ok {
			return fmt.Errorf("unsupported --what %q", configcheckArgs.what)
		}
		wf()

		if hadErr {
			return fmt.Errorf("config parsing failed")
		}
		return nil
	},
}

// checkNodeConfig validates what Init would reject only at runtime.
func checkNodeConfig(in *config.Node) error {
	if in.Name == "" {
		return errors.New("node name must not be empty")
	}
	if _, rest := names.GetRemappings(in.Args); len(rest) > 0 {
		return errors.Errorf("argument %q is not of the form key:=value", rest[0])
	}
	return nil
}
