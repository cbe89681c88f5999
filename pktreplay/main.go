package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/pktreplay/pktreplay/captures"
	"github.com/go-appsec/pktreplay/pktreplay/cli"
	"github.com/go-appsec/pktreplay/pktreplay/config"
	"github.com/go-appsec/pktreplay/pktreplay/service"
	"github.com/go-appsec/pktreplay/pktreplay/tasks"
)

var commands = []string{"serve", "captures", "tasks", "version", "help"}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printRootUsage()
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "captures":
		err = captures.Parse(args[1:])
	case "tasks":
		err = tasks.Parse(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("pktreplay version %s-%s\n", config.Version, config.RevNum)
		return 0
	case "help", "--help", "-h":
		printRootUsage()
		return 0
	default:
		err = cli.UnknownCommandError("", args[0], commands)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runServe(args []string) int {
	flags, err := service.ParseServeFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing serve flags: %v\n", err)
		return 1
	}

	if srv, err := service.NewServer(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating service: %v\n", err)
		return 1
	} else if err := srv.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Service error: %v\n", err)
		return 1
	}
	return 0
}

func printRootUsage() {
	fmt.Fprint(os.Stderr, `Usage: pktreplay <command> [options]

Commands:
  serve      Run the intercepting proxy, scheduler and event stream
  captures   List, inspect, clear and replay captured records
  tasks      Manage scheduled replays
  version    Print version
  help       Show this help

Use "pktreplay <command> --help" for specific command usage.
`)
}
