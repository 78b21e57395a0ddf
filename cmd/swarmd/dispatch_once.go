package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/swarmd/internal/swarm/bus"
	"github.com/basket/swarmd/internal/swarm/compute"
	swarmconfig "github.com/basket/swarmd/internal/swarm/config"
	"github.com/basket/swarmd/internal/swarm/pool"
	"github.com/basket/swarmd/internal/swarm/store"
	"github.com/basket/swarmd/internal/swarm/telemetry"
	"github.com/basket/swarmd/internal/swarm/trigger"
)

// runDispatchOnceCommand runs a single trigger cycle against the configured
// store and exits, for cron-driven or manual dispatch outside the daemon.
func runDispatchOnceCommand(ctx context.Context, args []string) int {
	if len(args) == 1 && isHelpArg(args[0]) {
		fmt.Println("usage: swarmd dispatch-once")
		fmt.Println("Runs a single trigger cycle against the configured store and exits.")
		return 0
	}

	boot, err := swarmconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch-once: load bootstrap config: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	st, err := store.Open(ctx, boot.DatabasePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch-once: open store: %v\n", err)
		return 1
	}
	defer st.Close()

	cfg, err := st.GetConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch-once: load config: %v\n", err)
		return 1
	}

	hub := bus.New(nil)
	defer hub.Shutdown()

	computeClient := compute.New(cfg.ProviderURL, cfg.ProviderAPIKey, nil)
	poolMgr := pool.New(st, hub, telemetry.Counters{})
	triggerLoop := trigger.New(st, poolMgr, computeClient, hub, telemetry.Counters{}, logger)

	if err := triggerLoop.RunOnce(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "dispatch-once: %v\n", err)
		return 1
	}

	stats, err := triggerLoop.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch-once: stats: %v\n", err)
		return 1
	}
	fmt.Printf("pending=%d running=%d completed=%d failed=%d processing=%d\n",
		stats.Pending, stats.Running, stats.Completed, stats.Failed, stats.ProcessingCount)
	return 0
}
