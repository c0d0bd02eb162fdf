package main

import (
	"time"

	"github.com/spf13/cobra"

	"whos.app/config"
)

// cliOptions holds the command line values that override the config file
// and the environment.
type cliOptions struct {
	configPath     string
	addr           string
	backendURL     string
	backendTimeout time.Duration
	dnsPort        int
	dnsZone        string
	logLevel       string
	logFormat      string
}

func (o *cliOptions) bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "whosapp.yaml", "path to the YAML config file (optional)")
	flags.StringVar(&o.addr, "addr", "", "HTTP listen address")
	flags.StringVar(&o.backendURL, "backend-url", "", "analysis backend URL")
	flags.DurationVar(&o.backendTimeout, "backend-timeout", 0, "timeout for backend calls (0 waits indefinitely)")
	flags.IntVar(&o.dnsPort, "dns-port", 0, "UDP port for the DNS TXT frontend (0 disables it)")
	flags.StringVar(&o.dnsZone, "dns-zone", "", "zone served by the DNS TXT frontend")
	flags.StringVar(&o.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&o.logFormat, "log-format", "", "log format (console or json)")
}

// loadConfig reads the file and environment, lets explicitly set flags win,
// then validates the result.
func (o *cliOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTP.Addr = o.addr
	}
	if flags.Changed("backend-url") {
		cfg.Backend.URL = o.backendURL
	}
	if flags.Changed("backend-timeout") {
		cfg.Backend.Timeout = config.Duration(o.backendTimeout)
	}
	if flags.Changed("dns-port") {
		cfg.DNS.Port = o.dnsPort
	}
	if flags.Changed("dns-zone") {
		cfg.DNS.Zone = o.dnsZone
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
