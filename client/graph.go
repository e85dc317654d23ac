package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/kr/pretty"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/zrepl/yaml-config"

	"github.com/roscomm/roscomm/cli"
	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/xmlrpc"
)

var lookupArgs struct {
	masterArgs
	info bool
}

var LookupCmd = &cli.Subcommand{
	Use:             "lookup NODE",
	Short:           "print the slave API URI of a node",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		lookupArgs.masterArgs.SetupFlags(f)
		f.BoolVar(&lookupArgs.info, "info", false, "also list the node's connections (getBusInfo)")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		if len(args) != 1 {
			return errors.New("expecting exactly one argument: node name")
		}
		mc, err := lookupArgs.dial(subcommand)
		if err != nil {
			return err
		}
		return RunLookup(ctx, os.Stdout, mc, args[0], lookupArgs.info)
	},
}

func RunLookup(ctx context.Context, out io.Writer, mc *master.Client, node string, info bool) error {
	uri, err := mc.LookupNode(ctx, node)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, uri)
	if !info {
		return nil
	}
	entries, err := GetBusInfo(ctx, uri)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIR\tTRANSPORT\tTOPIC\tPEER")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.ConnectionID, e.Direction, e.Transport, e.Topic, e.Destination)
	}
	return w.Flush()
}

// BusInfoEntry is one connection reported by getBusInfo.
type BusInfoEntry struct {
	ConnectionID int    `mapstructure:"id" json:"id"`
	Destination  string `mapstructure:"destination" json:"destination"`
	Direction    string `mapstructure:"direction" json:"direction"`
	Transport    string `mapstructure:"transport" json:"transport"`
	Topic        string `mapstructure:"topic" json:"topic"`
	Connected    bool   `mapstructure:"connected" json:"connected"`
}

var busInfoFields = []string{"id", "destination", "direction", "transport", "topic", "connected"}

func GetBusInfo(ctx context.Context, nodeURI string) ([]BusInfoEntry, error) {
	res, err := xmlrpc.NewClient(nodeURI, nil).Invoke(ctx, "getBusInfo", CallerID)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot reach node at %s", nodeURI)
	}
	code, msg, payload, err := master.ParseResponse("getBusInfo", res)
	if err != nil {
		return nil, err
	}
	if code != master.StatusSuccess {
		return nil, &master.ProtocolError{Method: "getBusInfo", Code: code, Msg: msg}
	}
	return decodeBusInfo(payload)
}

func decodeBusInfo(payload interface{}) ([]BusInfoEntry, error) {
	rows, ok := payload.([]interface{})
	if !ok {
		return nil, errors.Errorf("getBusInfo payload is %T, not array", payload)
	}
	out := make([]BusInfoEntry, 0, len(rows))
	for i, r := range rows {
		cols, ok := r.([]interface{})
		if !ok || len(cols) < len(busInfoFields) {
			return nil, errors.Errorf("getBusInfo entry #%d is malformed: %v", i, r)
		}
		m := make(map[string]interface{}, len(busInfoFields))
		for j, f := range busInfoFields {
			m[f] = cols[j]
		}
		var e BusInfoEntry
		if err := mapstructure.WeakDecode(m, &e); err != nil {
			return nil, errors.Wrapf(err, "getBusInfo entry #%d", i)
		}
		out = append(out, e)
	}
	return out, nil
}

var systemStateArgs struct {
	masterArgs
	format string
}

var SystemStateCmd = &cli.Subcommand{
	Use:             "systemstate",
	Short:           "print the publishers, subscribers and services known to the master",
	NoRequireConfig: true,
	SetupFlags: func(f *pflag.FlagSet) {
		systemStateArgs.masterArgs.SetupFlags(f)
		f.StringVar(&systemStateArgs.format, "format", "text", "output format [text|pretty|yaml|json]")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		mc, err := systemStateArgs.dial(subcommand)
		if err != nil {
			return err
		}
		return RunSystemState(ctx, os.Stdout, mc, systemStateArgs.format)
	},
}

func RunSystemState(ctx context.Context, out io.Writer, mc *master.Client, format string) error {
	state, err := mc.GetSystemState(ctx)
	if err != nil {
		return err
	}
	switch format {
	case "text", "":
		for _, section := range []struct {
			title   string
			entries []master.GraphEntry
		}{
			{"Publishers", state.Publishers},
			{"Subscribers", state.Subscribers},
			{"Services", state.Services},
		} {
			fmt.Fprintf(out, "%s:\n", section.title)
			for _, e := range section.entries {
				fmt.Fprintf(out, "  %s\n", e.Name)
				for _, n := range e.Nodes {
					fmt.Fprintf(out, "    * %s\n", n)
				}
			}
		}
		return nil
	case "pretty":
		_, err := pretty.Fprintf(out, "%# v\n", state)
		return err
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	case "yaml":
		return yaml.NewEncoder(out).Encode(state)
	default:
		return fmt.Errorf("unsupported --format %q", format)
	}
}
