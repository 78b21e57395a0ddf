package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the daemon (store, trigger loop, HTTP/WS API)
  %s daemon                   Same as running with no arguments
  %s status                   Show daemon health status (/healthz)
  %s dispatch-once            Run a single trigger cycle against the configured store and exit
  %s tui                      Live dashboard over trigger loop and pool status

ENVIRONMENT VARIABLES:
  SWARMD_HOME                 Data directory (default: ~/.swarmd)
  SWARMD_LISTEN_ADDR          HTTP/WS bind address
  SWARMD_DATABASE_PATH        Path to the sqlite database file
  SWARMD_SKILLS_ROOT          Skills directory root
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "help", "-h", "--help":
		return true
	default:
		return false
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) == 0 {
		os.Exit(runDaemonCommand(ctx, nil))
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "daemon":
		os.Exit(runDaemonCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "dispatch-once":
		os.Exit(runDispatchOnceCommand(ctx, args[1:]))
	case "tui":
		os.Exit(runTUICommand(ctx, args[1:]))
	default:
		printUsage()
		os.Exit(2)
	}
}
