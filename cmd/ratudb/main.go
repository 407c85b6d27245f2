package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"golang.org/x/exp/slog"
)

// Build information.
var (
	Version = ""
	Commit  = ""
)

// DefaultURL refers to the RatuDB API on the local machine.
const DefaultURL = "http://localhost:20202"

func main() {
	log.SetFlags(0)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &ratudb.LogLevel})))

	if err := run(context.Background(), os.Args[1:]); err == flag.ErrHelp {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	// Extract command name. Default to "serve" if no arguments or only flags.
	var cmd string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "", "serve":
		return runServe(ctx, args)

	case "recover":
		return NewRecoverCommand().Run(ctx, args)

	case "status":
		return NewStatusCommand().Run(ctx, args)

	case "version":
		fmt.Println(VersionString())
		return nil

	case "help", "-h", "--help":
		usage()
		return flag.ErrHelp

	default:
		return fmt.Errorf("ratudb %s: unknown command", cmd)
	}
}

// runServe runs the node until it receives a signal or its exec subprocess exits.
func runServe(ctx context.Context, args []string) error {
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := NewServeCommand()
	if err := c.ParseFlags(ctx, args); err != nil {
		return err
	} else if err := c.Validate(ctx); err != nil {
		return err
	}

	if err := c.Run(ctx); err != nil {
		_ = c.Close()
		return err
	}

	// Wait for signal or subcommand exit to stop program.
	select {
	case err := <-c.ExecCh():
		cancel()
		fmt.Println("subprocess exited, ratudb shutting down")
		if err != nil {
			log.Printf("subprocess error: %s", err)
		}

	case sig := <-signalCh:
		if cmd := c.Cmd(); cmd != nil {
			fmt.Println("sending signal to exec process")
			if err := cmd.Process.Signal(sig); err != nil {
				return fmt.Errorf("cannot signal exec process: %w", err)
			}

			fmt.Println("waiting for exec process to close")
			if err := <-c.ExecCh(); err != nil && !strings.HasPrefix(err.Error(), "signal:") {
				return fmt.Errorf("cannot wait for exec process: %w", err)
			}
		}

		cancel()
		fmt.Println("signal received, ratudb shutting down")
	}

	return c.Close()
}

// VersionString returns the version and commit the binary was built from.
func VersionString() string {
	if Version != "" {
		return fmt.Sprintf("RatuDB %s, commit=%s", Version, Commit)
	} else if Commit != "" {
		return fmt.Sprintf("RatuDB commit=%s", Commit)
	}
	return "RatuDB development build"
}

func usage() {
	fmt.Println(`
RatuDB is a sharded document store that keeps replica copies of each shard
in sync with their primary through peer recovery.

Usage:

	ratudb <command> [arguments]

The commands are:

	serve        run the node (default)
	recover      recover a local shard copy from a source node
	status       print the recoveries in progress on a node
	version      prints the version
`[1:])
}
