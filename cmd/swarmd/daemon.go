package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/swarmd/internal/swarm/bus"
	"github.com/basket/swarmd/internal/swarm/compute"
	swarmconfig "github.com/basket/swarmd/internal/swarm/config"
	"github.com/basket/swarmd/internal/swarm/pool"
	"github.com/basket/swarmd/internal/swarm/skillsdir"
	"github.com/basket/swarmd/internal/swarm/store"
	"github.com/basket/swarmd/internal/swarm/sweep"
	"github.com/basket/swarmd/internal/swarm/telemetry"
	"github.com/basket/swarmd/internal/swarm/trigger"
	"github.com/basket/swarmd/internal/swarm/wsgateway"
)

// runDaemonCommand boots the dispatch engine: Store, Compute Client, Pool
// Manager, Broadcast Hub, Trigger Loop, and the HTTP/WS Edge Façade, using a
// signal.NotifyContext-driven startup/shutdown sequence.
func runDaemonCommand(ctx context.Context, args []string) int {
	if len(args) == 1 && isHelpArg(args[0]) {
		fmt.Println("usage: swarmd [daemon]")
		fmt.Println("Runs the swarm task orchestrator daemon (store, trigger loop, HTTP/WS API).")
		return 0
	}

	boot, err := swarmconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: load bootstrap config: %v\n", err)
		return 1
	}

	quiet := isatty.IsTerminal(os.Stdout.Fd())
	var handler slog.Handler
	if quiet {
		handler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)

	providers, err := telemetry.Setup(boot.TelemetryExport, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: telemetry setup: %v\n", err)
		return 1
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()
	counters, err := telemetry.NewCounters(providers.Meter)
	if err != nil {
		logger.Warn("counters registration failed", "error", err)
	}

	st, err := store.Open(ctx, boot.DatabasePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: open store: %v\n", err)
		return 1
	}
	defer st.Close()

	if boot.SkillsRoot != "" {
		if _, uerr := st.UpdateConfig(ctx, store.UpdateConfigInput{SkillsPath: &boot.SkillsRoot}); uerr != nil {
			logger.Warn("failed to seed skills_path from bootstrap config", "error", uerr)
		}
	}
	cfg, err := st.GetConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: load config: %v\n", err)
		return 1
	}

	hub := bus.New(nil)
	defer hub.Shutdown()

	computeClient := compute.New(cfg.ProviderURL, cfg.ProviderAPIKey, nil)
	poolMgr := pool.New(st, hub, counters)
	triggerLoop := trigger.New(st, poolMgr, computeClient, hub, counters, logger)

	triggerLoop.Start(ctx)
	defer triggerLoop.Stop()

	sweeper, err := sweep.New(poolMgr, st, "", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmd: configure pool sweep: %v\n", err)
		return 1
	}
	sweeper.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sweeper.Stop(stopCtx)
	}()

	skillsRoot := cfg.SkillsPath
	if skillsRoot == "" {
		skillsRoot = boot.SkillsRoot
	}
	skills := skillsdir.New(skillsRoot, logger)
	if err := skills.Watch(ctx); err != nil {
		logger.Warn("skills directory watch failed", "error", err)
	}
	defer skills.Close()

	gw := wsgateway.New(st, hub, poolMgr, triggerLoop, skills, nil, logger)
	mux := http.NewServeMux()
	gw.Routes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{Addr: boot.ListenAddr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", boot.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return 0
}
