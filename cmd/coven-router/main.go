// ABOUTME: Entry point for coven-router, the tenant-aware MCP capability router
// ABOUTME: Parses go-flags commands and dispatches to serve, run, tenants, catalog, token and policy

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/2389/coven-router/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___  _   _| |_ ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \| | | | __/ _ \ '__|
| (_| (_) \ V /  __/ | | |_____| | | (_) | |_| | ||  __/ |
 \___\___/ \_/ \___|_| |_|     |_|  \___/ \__,_|\__\___|_|
`

// Options is the root command. Sub-commands implement flags.Commander.
type Options struct {
	Config  string `short:"c" long:"config" description:"config file path (YAML, or TOML by extension)"`
	Version bool   `short:"v" long:"version" description:"print version and exit"`

	Serve   ServeCmd   `command:"serve" description:"Start the HTTP API"`
	Run     RunCmd     `command:"run" description:"Route one prompt and print the trace"`
	Tenants TenantsCmd `command:"tenants" description:"List tenant policies"`
	Catalog CatalogCmd `command:"catalog" description:"Discover and print every capability"`
	Token   TokenCmd   `command:"token" description:"Mint a tenant API token"`
	Policy  PolicyCmd  `command:"policy" description:"Manage the policy database"`
}

// app carries process-wide state into command Execute methods.
var app struct {
	ctx  context.Context
	opts *Options
}

// getConfigPath returns the path to the router config file.
// Priority: --config > COVEN_ROUTER_CONFIG env var > XDG_CONFIG_HOME/coven/router.yaml > ~/.config/coven/router.yaml
func getConfigPath() string {
	if app.opts != nil && app.opts.Config != "" {
		return app.opts.Config
	}
	if envPath := os.Getenv("COVEN_ROUTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "router.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "router.yaml")
}

func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newParser(opts *Options) *flags.Parser {
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.SubcommandsOptional = true
	return parser
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := &Options{}
	app.ctx = ctx
	app.opts = opts

	parser := newParser(opts)
	_, err := parser.Parse()

	var flagsErr *flags.Error
	switch {
	case errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp:
		fmt.Println(flagsErr.Message)
		return
	case err != nil:
		red.Fprint(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if opts.Version {
		fmt.Println(version)
		return
	}
	if parser.Active == nil {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
}
