package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/catatsuy/kura/internal/server"
)

var Version string

func version() string {
	if Version != "" {
		return Version
	}

	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}

	return info.Main.Version
}

type CLI struct {
	stdout     io.Writer
	stderr     io.Writer
	isTerminal bool
}

// NewCLI builds a CLI. isTerminal reports whether stderr is a terminal and
// selects human readable logs over JSON.
func NewCLI(stdout, stderr io.Writer, isTerminal bool) *CLI {
	return &CLI{
		stdout:     stdout,
		stderr:     stderr,
		isTerminal: isTerminal,
	}
}

func (c *CLI) Run(args []string) int {
	opts, err := parseFlags(args[1:])
	if err != nil {
		fmt.Fprintf(c.stderr, "failed to parse flags: %v\n", err)
		return 2
	}
	if opts.showVersion {
		fmt.Fprintf(c.stdout, "kura version %s; %s\n", version(), runtime.Version())
		return 0
	}

	srv, err := c.newServer(opts)
	if err != nil {
		fmt.Fprintf(c.stderr, "invalid configuration: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintf(c.stderr, "server failed: %v\n", err)
		return 1
	}
	return 0
}

func (c *CLI) newServer(opts options) (*server.Server, error) {
	d, err := opts.resolveDialect()
	if err != nil {
		return nil, err
	}

	return server.NewServer(server.Config{
		ListenAddr:    opts.listenAddr,
		MaxConns:      opts.maxConns,
		MaxItemSize:   opts.maxItemSize,
		ReadTimeout:   opts.readTimeout,
		WriteTimeout:  opts.writeTimeout,
		SweepInterval: opts.sweepEvery,
		Version:       version(),
		Cache:         opts.cacheOptions(d),
		Verbose:       opts.verbose,
		Logger:        c.logger(opts.verbose),
	})
}

func (c *CLI) logger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if c.isTerminal {
		return slog.New(slog.NewTextHandler(c.stderr, hopts))
	}
	return slog.New(slog.NewJSONHandler(c.stderr, hopts))
}
