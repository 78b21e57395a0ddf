package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/swarmd/internal/swarm/bus"
	swarmconfig "github.com/basket/swarmd/internal/swarm/config"
	"github.com/basket/swarmd/internal/swarm/pool"
	"github.com/basket/swarmd/internal/swarm/store"
	"github.com/basket/swarmd/internal/swarm/telemetry"
	"github.com/basket/swarmd/internal/swarm/trigger"
	swarmtui "github.com/basket/swarmd/internal/swarm/tui"
)

// runTUICommand opens the configured store (no trigger loop, no HTTP server)
// and renders a live dashboard over its current state, for attaching to an
// already-running daemon's database. The store is opened read-write through
// store.Open, as the daemon opens it.
func runTUICommand(ctx context.Context, args []string) int {
	if len(args) == 1 && isHelpArg(args[0]) {
		fmt.Println("usage: swarmd tui")
		fmt.Println("Live dashboard over trigger loop and pool status.")
		return 0
	}

	boot, err := swarmconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tui: load bootstrap config: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := store.Open(ctx, boot.DatabasePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tui: open store: %v\n", err)
		return 1
	}
	defer st.Close()

	hub := bus.New(nil)
	defer hub.Shutdown()

	poolMgr := pool.New(st, hub, telemetry.Counters{})
	triggerLoop := trigger.New(st, poolMgr, nil, hub, telemetry.Counters{}, logger)

	provider := func() swarmtui.Snapshot {
		snap := swarmtui.Snapshot{}
		if stats, err := triggerLoop.Stats(ctx); err == nil {
			snap.Pending = stats.Pending
			snap.Running = stats.Running
			snap.Completed = stats.Completed
			snap.Failed = stats.Failed
			snap.IsRunning = stats.IsRunning
			snap.Processing = stats.ProcessingCount
		} else {
			snap.LastError = err.Error()
		}
		if status, err := poolMgr.Status(ctx); err == nil {
			snap.PoolTotal = status.Stats.Total
			snap.PoolBusy = status.Stats.Busy
			snap.PoolIdle = status.Stats.Idle
			snap.PoolDestroyed = status.Stats.Destroyed
		} else if snap.LastError == "" {
			snap.LastError = err.Error()
		}
		return snap
	}

	if err := swarmtui.Run(ctx, provider); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "tui: %v\n", err)
		return 1
	}
	return 0
}
