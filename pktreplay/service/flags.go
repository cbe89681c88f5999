package service

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/go-appsec/pktreplay/pktreplay/config"
)

// ServeFlags holds flags for service mode (pktreplay serve).
type ServeFlags struct {
	DataDir    string
	ConfigPath string // default: <data-dir>/config.json
	Port       int    // 0 = not set via CLI
	ListenHost string // "" = not set via CLI
	EventsAddr string
	// EventsAddrSet distinguishes an explicit empty --events-addr (disable) from an unset flag.
	EventsAddrSet bool
	LogFile       bool
}

// ResolvedConfigPath returns the config file path after applying the data dir default.
func (f ServeFlags) ResolvedConfigPath() string {
	if f.ConfigPath != "" {
		return f.ConfigPath
	}
	return filepath.Join(f.DataDir, config.FileName)
}

// ParseServeFlags parses flags for service mode.
func ParseServeFlags(args []string) (ServeFlags, error) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	flags := ServeFlags{
		DataDir: config.DefaultDataDir(),
	}

	fs.StringVar(&flags.DataDir, "data-dir", flags.DataDir, "directory holding config and persisted captures")
	fs.StringVar(&flags.ConfigPath, "config", "", "config file path (default: <data-dir>/config.json)")
	fs.IntVar(&flags.Port, "port", 0, "proxy listen port (default: from config or 8888)")
	fs.StringVar(&flags.ListenHost, "listen-host", "", "proxy listen host (default: from config or 0.0.0.0)")
	fs.StringVar(&flags.EventsAddr, "events-addr", "", "WebSocket event stream address, empty disables (default: from config)")
	fs.BoolVar(&flags.LogFile, "log-file", false, "also write logs to <data-dir>/service.log")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}
	if fs.NArg() > 0 {
		return flags, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	flags.EventsAddrSet = fs.Changed("events-addr")
	if flags.Port < 0 || flags.Port > 65535 {
		return flags, fmt.Errorf("invalid --port value %d: must be 1-65535", flags.Port)
	} else if flags.DataDir == "" {
		return flags, errors.New("--data-dir must not be empty")
	}

	return flags, nil
}
