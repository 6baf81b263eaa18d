// ABOUTME: coven-toolserver runs the demo ticket desk and knowledge base MCP services
// ABOUTME: Usage: coven-toolserver [--tickets-addr ADDR] [--kb-addr ADDR] [tickets|kb|all]

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/mark3labs/mcp-go/server"

	"github.com/2389/coven-router/internal/toolserver"
)

type options struct {
	TicketsAddr string `long:"tickets-addr" default:"127.0.0.1:8000" description:"listen address for the tickets service"`
	KBAddr      string `long:"kb-addr" default:"127.0.0.1:8001" description:"listen address for the kb service"`
	Debug       bool   `short:"d" long:"debug" description:"enable debug logging"`
	Args        struct {
		Service string `positional-arg-name:"service" choice:"tickets" choice:"kb" choice:"all" default:"all"`
	} `positional-args:"yes"`
}

// parseOptions parses args. go-flags does not enforce choice tags on
// positional arguments, so the service name is checked here.
func parseOptions(args []string) (*options, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	switch opts.Args.Service {
	case "", "all", toolserver.TicketsName, toolserver.KBName:
		return &opts, nil
	default:
		return nil, fmt.Errorf("unknown service %q (want tickets, kb or all)", opts.Args.Service)
	}
}

type service struct {
	name string
	addr string
	srv  *server.MCPServer
}

// selectServices builds the services named by which.
func selectServices(opts *options) ([]service, error) {
	which := opts.Args.Service
	if which == "" {
		which = "all"
	}
	var out []service
	for _, name := range []string{toolserver.TicketsName, toolserver.KBName} {
		if which != "all" && which != name {
			continue
		}
		srv, err := toolserver.New(name)
		if err != nil {
			return nil, err
		}
		addr := opts.TicketsAddr
		if name == toolserver.KBName {
			addr = opts.KBAddr
		}
		out = append(out, service{name: name, addr: addr, srv: srv})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("unknown service %q", which)
	}
	return out, nil
}

// serveAll runs every service until ctx is cancelled or one fails.
func serveAll(ctx context.Context, services []service, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(services))
	for i, svc := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := toolserver.Serve(ctx, svc.name, svc.addr, svc.srv, logger); err != nil {
				errs[i] = err
				cancel()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		switch {
		case errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp:
			return
		case errors.As(err, &flagsErr):
			// flags.Default already printed it.
		default:
			color.Red("Error: %v", err)
		}
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	services, err := selectServices(opts)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	for _, svc := range services {
		color.New(color.FgGreen).Print("    ▶ ")
		fmt.Printf("%-8s http://%s/sse\n", svc.name, svc.addr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serveAll(ctx, services, logger); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
