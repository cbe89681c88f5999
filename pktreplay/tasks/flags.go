package tasks

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-appsec/pktreplay/pktreplay/cli"
	"github.com/go-appsec/pktreplay/pktreplay/config"
)

var subcommands = []string{"list", "add", "remove", "enable", "disable", "help"}

func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "list":
		return parseList(args[1:])
	case "add":
		return parseAdd(args[1:])
	case "remove":
		return parseByID("remove", args[1:], remove)
	case "enable":
		return parseByID("enable", args[1:], func(w io.Writer, dataDir, id string) error {
			return setEnabled(w, dataDir, id, true)
		})
	case "disable":
		return parseByID("disable", args[1:], func(w io.Writer, dataDir, id string) error {
			return setEnabled(w, dataDir, id, false)
		})
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownCommandError("tasks", args[0], subcommands)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: pktreplay tasks <command> [options]

Manage scheduled replays. Edits are picked up the next time the service starts.

Commands:
  list       List scheduled tasks
  add        Schedule a captured record for replay
  remove     Delete a task
  enable     Enable a task
  disable    Disable a task without deleting it

Use "pktreplay tasks <command> --help" for more information.
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
	fs, dataDir := newFlagSet("tasks list", `Usage: pktreplay tasks list [options]

List scheduled tasks with their next fire time.

Options:
`)
	var jsonOut bool
	fs.BoolVar(&jsonOut, "json", false, "print tasks as JSON")

	if err := fs.Parse(args); err != nil {
		return err
	}

	return list(os.Stdout, *dataDir, jsonOut, time.Now())
}

func parseAdd(args []string) error {
	fs, dataDir := newFlagSet("tasks add", `Usage: pktreplay tasks add <record_id> [options]

Schedule a captured record for replay. <record_id> may be a unique prefix.
The task keeps its own copy of the record.

Options:
`)
	var opts addOptions
	fs.StringVar(&opts.At, "at", "", "fire time, RFC3339 or \"2006-01-02 15:04\" in local time")
	fs.DurationVar(&opts.In, "in", 0, "fire after this delay (alternative to --at)")
	fs.StringVar(&opts.Repeat, "repeat", "once", "repeat mode: once, hourly, daily")
	fs.BoolVar(&opts.Disabled, "disabled", false, "create the task disabled")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("record_id required")
	}

	return add(os.Stdout, *dataDir, fs.Args()[0], opts, time.Now())
}

func parseByID(name string, args []string, fn func(w io.Writer, dataDir, id string) error) error {
	fs, dataDir := newFlagSet("tasks "+name, fmt.Sprintf(`Usage: pktreplay tasks %s <task_id> [options]

<task_id> may be a unique prefix.

Options:
`, name))
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) < 1 {
		fs.Usage()
		return errors.New("task_id required")
	}

	return fn(os.Stdout, *dataDir, fs.Args()[0])
}
