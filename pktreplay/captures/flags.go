package captures

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-appsec/pktreplay/pktreplay/cli"
	"github.com/go-appsec/pktreplay/pktreplay/config"
)

var subcommands = []string{"list", "show", "clear", "replay", "help"}

func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "list":
		return parseList(args[1:])
	case "show":
		return parseShow(args[1:])
	case "clear":
		return parseClear(args[1:])
	case "replay":
		return parseReplay(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownCommandError("captures", args[0], subcommands)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: pktreplay captures <command> [options]

Inspect and replay persisted captures. Run while the service is stopped;
a running service overwrites the record list on its next save.

Commands:
  list       List captured records, newest first
  show       Show one record with headers and payload
  clear      Delete every captured record
  replay     Replay one record now and print the outcome

Use "pktreplay captures <command> --help" for more information.
`)
}

func newFlagSet(name, usage string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetInterspersed(true)
	dataDir := fs.String("data-dir", config.DefaultDataDir(), "pktreplay data directory")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	return fs, dataDir
}

func parseList(args []string) error {
	fs, dataDir := newFlagSet("captures list", `Usage: pktreplay captures list [options]

List captured records, newest first.

Options:
`)
	var opts listOptions
	fs.IntVar(&opts.Limit, "limit", 0, "maximum records to show (0 = all)")
	fs.StringVar(&opts.Protocol, "protocol", "", "filter by protocol: http, https, tcp, udp, unknown")
	fs.StringVar(&opts.Host, "host", "", "filter by destination host substring")
	fs.BoolVar(&opts.JSON, "json", false, "print records as JSON")

	if err := fs.Parse(args); err != nil {
		return err
	}

	return list(os.Stdout, *dataDir, opts)
}

func parseShow(args []string) error {
	fs, dataDir := newFlagSet("captures show", `Usage: pktreplay captures show <id> [options]

Show one record. <id> may be a unique prefix.

Options:
`)
	var jsonOut, raw bool
	fs.BoolVar(&jsonOut, "json", false, "print the record as JSON")
	fs.BoolVar(&raw, "raw", false, "write only the raw payload bytes")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("record id required")
	}

	return show(os.Stdout, *dataDir, fs.Args()[0], jsonOut, raw)
}

func parseClear(args []string) error {
	fs, dataDir := newFlagSet("captures clear", `Usage: pktreplay captures clear [options]

Delete every captured record. Scheduled tasks keep their own copies.

Options:
`)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return clearRecords(os.Stdout, *dataDir)
}

func parseReplay(args []string) error {
	fs, dataDir := newFlagSet("captures replay", `Usage: pktreplay captures replay <id> [options]

Replay one record immediately. HTTP records are always sent as POST.

Options:
`)
	var timeout time.Duration
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "replay timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("record id required")
	}

	return replayRecord(context.Background(), os.Stdout, *dataDir, fs.Args()[0], timeout)
}
